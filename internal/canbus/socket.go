// Package canbus implements the Katapult CAN session layer: an endpoint
// table over a raw SocketCAN device, outbound fragmentation into the 8-byte
// CAN MTU, and the admin-channel node management commands.
package canbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/arksine/katapult-flashtool/internal/can"
	"github.com/arksine/katapult-flashtool/internal/logging"
	"github.com/arksine/katapult-flashtool/internal/metrics"
	"github.com/arksine/katapult-flashtool/internal/socketcan"
	"github.com/arksine/katapult-flashtool/internal/stream"
)

const txQueueSize = 1024 // capacity of the async TX ring

// openDevice is a hook for tests (overridden in unit tests).
var openDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// Socket owns the SocketCAN device, the endpoint table keyed by receive CAN
// ID, and the single RX goroutine that fans incoming payloads out to
// endpoint reassemblers. Frames for unknown IDs are dropped.
type Socket struct {
	dev    socketcan.Dev
	tx     *socketcan.TXWriter
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu     sync.Mutex
	nodes  map[uint32]*Node
	nextID uint8

	admin *Node
}

// Open binds a raw CAN socket to the named interface and starts the RX loop.
func Open(ctx context.Context, iface string) (*Socket, error) {
	dev, err := openDevice(iface)
	if err != nil {
		return nil, fmt.Errorf("unable to bind socket to %s: %w", iface, err)
	}
	return newSocket(ctx, dev), nil
}

func newSocket(ctx context.Context, dev socketcan.Dev) *Socket {
	ctx, cancel := context.WithCancel(ctx)
	s := &Socket{
		dev:    dev,
		tx:     socketcan.NewTXWriter(ctx, dev, txQueueSize),
		log:    logging.L(),
		cancel: cancel,
		nodes:  make(map[uint32]*Node),
		nextID: can.NodeIDOffset,
	}
	s.admin = s.addNode(can.AdminID, can.AdminRespID, 0)
	s.wg.Add(1)
	go s.rxLoop(ctx)
	return s
}

// Admin returns the administrative endpoint (0x3F0 out, 0x3F1 in).
func (s *Socket) Admin() *Node { return s.admin }

// addNode registers an endpoint that writes to txID and receives on rxID.
func (s *Socket) addNode(txID, rxID uint32, nodeID uint8) *Node {
	n := &Node{sock: s, txID: txID, reader: stream.NewReader(), nodeID: nodeID}
	s.mu.Lock()
	s.nodes[rxID] = n
	s.mu.Unlock()
	return n
}

func (s *Socket) lookup(rxID uint32) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[rxID]
}

// rxLoop is the only reader of the device; delivering payloads inline here
// keeps per-endpoint byte order identical to wire arrival order.
func (s *Socket) rxLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		var fr can.Frame
		if err := s.dev.ReadFrame(&fr); err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrCANRead)
			s.log.Error("can_socket_read_error", "error", err)
			go s.Close() // Close waits for this goroutine; detach
			return
		}
		metrics.IncCANRx()
		node := s.lookup(fr.CANID & can.CAN_EFF_MASK)
		if node == nil {
			continue
		}
		node.reader.Feed(fr.Data[:fr.Len])
	}
}

// send fragments payload into 8-byte CAN frames on canID. An empty payload
// still produces a single zero-length frame.
func (s *Socket) send(canID uint32, payload []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("can socket closed")
	}
	if canID > can.CAN_SFF_MASK {
		canID |= can.CAN_EFF_FLAG
	}
	if len(payload) == 0 {
		return s.tx.SendFrame(can.Frame{CANID: canID})
	}
	for len(payload) > 0 {
		n := len(payload)
		if n > 8 {
			n = 8
		}
		fr := can.Frame{CANID: canID, Len: uint8(n)}
		copy(fr.Data[:], payload[:n])
		payload = payload[n:]
		if err := s.tx.SendFrame(fr); err != nil {
			return err
		}
	}
	return nil
}

// Close is idempotent: it signals EOF to every endpoint, stops the RX loop,
// and releases the device.
func (s *Socket) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	for _, n := range s.nodes {
		n.reader.FeedEOF()
	}
	s.mu.Unlock()
	s.cancel()
	_ = s.dev.Close() // unblocks the RX read
	s.tx.Close()
	s.wg.Wait()
}
