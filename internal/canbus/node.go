package canbus

import (
	"time"

	"github.com/arksine/katapult-flashtool/internal/stream"
)

// Node is a receive endpoint on the bus: the admin channel or one assigned
// device. It owns the endpoint's reassembler; outbound writes are dispatched
// through the owning Socket by CAN ID, so nodes hold no transport state of
// their own.
type Node struct {
	sock   *Socket
	txID   uint32 // CAN ID the host writes to for this endpoint
	reader *stream.Reader
	nodeID uint8 // 0 for the admin endpoint
}

// NodeID returns the host-assigned node ID (0 for the admin endpoint).
func (n *Node) NodeID() uint8 { return n.nodeID }

// Write fragments payload into CAN frames addressed to this endpoint.
func (n *Node) Write(p []byte) error { return n.sock.send(n.txID, p) }

// Read returns up to max buffered bytes.
func (n *Node) Read(max int, timeout time.Duration) ([]byte, error) {
	return n.reader.Read(max, timeout)
}

// ReadExactly returns exactly cnt bytes.
func (n *Node) ReadExactly(cnt int, timeout time.Duration) ([]byte, error) {
	return n.reader.ReadExactly(cnt, timeout)
}

// ReadUntil returns bytes through the first occurrence of sep.
func (n *Node) ReadUntil(sep []byte, timeout time.Duration) ([]byte, error) {
	return n.reader.ReadUntil(sep, timeout)
}
