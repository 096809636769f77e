package proto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
)

// TestCRC16KnownVector pins the CRC variant (init 0xFFFF, poly 0x1021, no
// final xor) against a precomputed reference value.
func TestCRC16KnownVector(t *testing.T) {
	if got := CRC16CCITT([]byte("123456789")); got != 0x6F91 {
		t.Fatalf("crc16 = 0x%04X, want 0x6F91", got)
	}
}

func TestBuildConnectFrame(t *testing.T) {
	want, _ := hex.DecodeString("01881100f17c9903")
	if got := Build(CmdConnect, nil); !bytes.Equal(got, want) {
		t.Fatalf("Build(CONNECT) = % x, want % x", got, want)
	}
}

func TestScanRoundTrip(t *testing.T) {
	for _, n := range []int{0, 4, 8, 64, 516} {
		payload := make([]byte, n)
		rand.Read(payload)
		wire := Build(CmdSendBlock, payload)
		fr, consumed, err := Scan(wire)
		if err != nil {
			t.Fatalf("payload %d: scan error: %v", n, err)
		}
		if consumed != len(wire) {
			t.Fatalf("payload %d: consumed %d, want %d", n, consumed, len(wire))
		}
		if fr.Cmd != CmdSendBlock || !bytes.Equal(fr.Payload, payload) {
			t.Fatalf("payload %d: round trip mismatch", n)
		}
	}
}

// TestScanResync feeds garbage ahead of a valid frame; the decoder must
// emit exactly that frame and nothing else.
func TestScanResync(t *testing.T) {
	frame := Build(CmdConnect, []byte{1, 2, 3, 4})
	garbage := []byte{0x99, 0x03, 0x01, 0x00, 0xFF, 0x88, 0x01}
	buf := append(append([]byte{}, garbage...), frame...)
	fr, consumed, err := Scan(buf)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed %d, want %d", consumed, len(buf))
	}
	if fr.Cmd != CmdConnect || !bytes.Equal(fr.Payload, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected frame after resync: %+v", fr)
	}
	if _, _, err := Scan(buf[consumed:]); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("expected empty remainder, got %v", err)
	}
}

func TestScanNeedMore(t *testing.T) {
	frame := Build(CmdSendEOF, nil)
	for cut := 1; cut < len(frame); cut++ {
		if _, _, err := Scan(frame[:cut]); !errors.Is(err, ErrNeedMore) {
			t.Fatalf("cut %d: expected ErrNeedMore, got %v", cut, err)
		}
	}
}

func TestScanCRCMismatch(t *testing.T) {
	frame := Build(CmdSendEOF, []byte{5, 6, 7, 8})
	frame[len(frame)-3] ^= 0xFF // corrupt one CRC byte
	fr, consumed, err := Scan(frame)
	if !errors.Is(err, ErrCRC) {
		t.Fatalf("expected ErrCRC, got %v", err)
	}
	if consumed != len(frame) {
		t.Fatalf("corrupt frame must be consumed: got %d want %d", consumed, len(frame))
	}
	if fr.Cmd != CmdSendEOF {
		t.Fatalf("cmd byte not surfaced: %+v", fr)
	}
}

func TestScanBadTrailer(t *testing.T) {
	frame := Build(CmdSendEOF, nil)
	frame[len(frame)-1] = 0x04
	if _, _, err := Scan(frame); !errors.Is(err, ErrTrailer) {
		t.Fatalf("expected ErrTrailer, got %v", err)
	}
}

func FuzzScan(f *testing.F) {
	f.Add(Build(CmdConnect, nil))
	f.Add(Build(CmdSendBlock, make([]byte, 516)))
	f.Add([]byte{0x01, 0x88, 0x11})
	f.Fuzz(func(t *testing.T, data []byte) {
		fr, consumed, err := Scan(data)
		if consumed < 0 || consumed > len(data) {
			t.Fatalf("consumed out of range: %d of %d", consumed, len(data))
		}
		if err == nil {
			// A decoded frame must survive re-encoding.
			if !bytes.Equal(Build(fr.Cmd, fr.Payload), data[consumed-len(fr.Payload)-Overhead:consumed]) {
				t.Fatalf("re-encode mismatch")
			}
		}
	})
}
