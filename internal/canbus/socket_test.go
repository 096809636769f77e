package canbus

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arksine/katapult-flashtool/internal/can"
)

// fakeDev implements socketcan.Dev for tests.
type fakeDev struct {
	mu      sync.Mutex
	written []can.Frame
	rx      chan can.Frame
	closed  atomic.Bool
}

func newFakeDev() *fakeDev { return &fakeDev{rx: make(chan can.Frame, 64)} }

func (d *fakeDev) ReadFrame(fr *can.Frame) error {
	f, ok := <-d.rx
	if !ok {
		return io.EOF
	}
	*fr = f
	return nil
}

func (d *fakeDev) WriteFrame(fr can.Frame) error {
	d.mu.Lock()
	d.written = append(d.written, fr.CopyShallow())
	d.mu.Unlock()
	return nil
}

func (d *fakeDev) Close() error {
	if !d.closed.Swap(true) {
		close(d.rx)
	}
	return nil
}

func (d *fakeDev) frames() []can.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]can.Frame, len(d.written))
	copy(out, d.written)
	return out
}

func (d *fakeDev) waitFrames(t *testing.T, n int) []can.Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if fr := d.frames(); len(fr) >= n {
			return fr
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, len(d.frames()))
	return nil
}

func newTestSocket(t *testing.T) (*Socket, *fakeDev) {
	t.Helper()
	dev := newFakeDev()
	s := newSocket(context.Background(), dev)
	t.Cleanup(s.Close)
	return s, dev
}

// TestSendFragmentation pins the outbound MTU handling: N bytes become
// ceil(N/8) frames (one empty frame for N=0) with DLC <= 8 and no lost bytes.
func TestSendFragmentation(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 16, 20, 517} {
		s, dev := newTestSocket(t)
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		if err := s.send(can.AdminID, payload); err != nil {
			t.Fatalf("n=%d: send: %v", n, err)
		}
		want := (n + 7) / 8
		if want == 0 {
			want = 1
		}
		frames := dev.waitFrames(t, want)
		if len(frames) != want {
			t.Fatalf("n=%d: got %d frames, want %d", n, len(frames), want)
		}
		var joined []byte
		for _, fr := range frames {
			if fr.Len > 8 {
				t.Fatalf("n=%d: dlc %d > 8", n, fr.Len)
			}
			if fr.CANID != can.AdminID {
				t.Fatalf("n=%d: frame id 0x%X", n, fr.CANID)
			}
			joined = append(joined, fr.Data[:fr.Len]...)
		}
		if !bytes.Equal(joined, payload) {
			t.Fatalf("n=%d: payload mangled", n)
		}
	}
}

func TestSendSetsEFFForExtendedIDs(t *testing.T) {
	s, dev := newTestSocket(t)
	if err := s.send(0x12345, []byte{1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	fr := dev.waitFrames(t, 1)[0]
	if fr.CANID&can.CAN_EFF_FLAG == 0 {
		t.Fatalf("EFF flag not set on extended id: 0x%X", fr.CANID)
	}
	if fr.CANID&can.CAN_EFF_MASK != 0x12345 {
		t.Fatalf("id mangled: 0x%X", fr.CANID)
	}
}

// TestAssignNodeIDs pins node-ID uniqueness and the wire layout of the
// assignment command.
func TestAssignNodeIDs(t *testing.T) {
	s, dev := newTestSocket(t)
	uuidA, _ := ParseUUID("112233445566")
	uuidB, _ := ParseUUID("aabbccddeeff")
	seen := map[uint8]bool{}
	for i, uuid := range []UUID{uuidA, uuidB, uuidA} {
		n, err := s.AssignNodeID(uuid)
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if n.NodeID() < can.NodeIDOffset {
			t.Fatalf("node id %d below offset", n.NodeID())
		}
		if seen[n.NodeID()] {
			t.Fatalf("node id %d reused", n.NodeID())
		}
		seen[n.NodeID()] = true
	}
	frames := dev.waitFrames(t, 3)
	first := frames[0]
	want := []byte{can.CmdSetNodeID, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, can.NodeIDOffset}
	if first.Len != 8 || !bytes.Equal(first.Data[:8], want) {
		t.Fatalf("assignment frame = % x, want % x", first.Data[:first.Len], want)
	}
}

func TestJumpToBootloaderPayload(t *testing.T) {
	s, dev := newTestSocket(t)
	uuid, _ := ParseUUID("0123456789ab")
	if err := s.JumpToBootloader(uuid); err != nil {
		t.Fatalf("jump: %v", err)
	}
	fr := dev.waitFrames(t, 1)[0]
	want := []byte{can.CmdRebootToBootloader, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab}
	if fr.CANID != can.AdminID || !bytes.Equal(fr.Data[:fr.Len], want) {
		t.Fatalf("jump frame id=0x%X data=% x", fr.CANID, fr.Data[:fr.Len])
	}
}

func TestRxFanOut(t *testing.T) {
	s, dev := newTestSocket(t)
	uuid, _ := ParseUUID("112233445566")
	node, err := s.AssignNodeID(uuid)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	rxID := can.DeviceTxID(node.NodeID())
	// Unknown IDs are dropped silently; the node's frame still arrives in order.
	dev.rx <- can.Frame{CANID: 0x7F0, Len: 2, Data: [8]byte{0xde, 0xad}}
	dev.rx <- can.Frame{CANID: rxID, Len: 3, Data: [8]byte{1, 2, 3}}
	dev.rx <- can.Frame{CANID: rxID | can.CAN_EFF_FLAG, Len: 1, Data: [8]byte{4}}
	got, err := node.ReadExactly(4, time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("fan-out bytes = %v", got)
	}
}

func TestQueryUnassigned(t *testing.T) {
	s, dev := newTestSocket(t)
	respond := func(uuid [6]byte, app byte) {
		fr := can.Frame{CANID: can.AdminRespID, Len: 8}
		fr.Data[0] = can.RespNeedNodeID
		copy(fr.Data[1:7], uuid[:])
		fr.Data[7] = app
		dev.rx <- fr
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		respond([6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, can.AppTypeKatapult)
		respond([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, can.AppTypeKlipper)
		respond([6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, can.AppTypeKatapult) // duplicate
		// Noise that must be ignored.
		dev.rx <- can.Frame{CANID: can.AdminRespID, Len: 2, Data: [8]byte{0x42}}
	}()
	devices, err := s.QueryUnassigned(context.Background())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(devices), devices)
	}
	if devices[0].UUID.String() != "112233445566" || devices[0].Application != AppKatapult {
		t.Fatalf("device 0 = %+v", devices[0])
	}
	if devices[1].UUID.String() != "aabbccddeeff" || devices[1].Application != AppKlipper {
		t.Fatalf("device 1 = %+v", devices[1])
	}
	// The query opcode went out on the admin channel.
	fr := dev.waitFrames(t, 1)[0]
	if fr.CANID != can.AdminID || fr.Len != 1 || fr.Data[0] != can.CmdQueryUnassigned {
		t.Fatalf("query frame id=0x%X data=% x", fr.CANID, fr.Data[:fr.Len])
	}
}

func TestCloseIdempotentAndSignalsEOF(t *testing.T) {
	s, _ := newTestSocket(t)
	uuid, _ := ParseUUID("112233445566")
	node, err := s.AssignNodeID(uuid)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	s.Close()
	s.Close()
	if _, err := node.Read(1, 100*time.Millisecond); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	if err := node.Write([]byte{1}); err == nil {
		t.Fatalf("expected write error after close")
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	u, err := ParseUUID("0123456789AB")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.String() != "0123456789ab" {
		t.Fatalf("string = %s", u.String())
	}
	b := u.Bytes()
	if got := UUIDFromBytes(b[:]); got != u {
		t.Fatalf("bytes round trip: %v vs %v", got, u)
	}
	if _, err := ParseUUID("12345"); err == nil {
		t.Fatalf("expected length error")
	}
	if _, err := ParseUUID("zz2233445566"); err == nil {
		t.Fatalf("expected hex error")
	}
}
