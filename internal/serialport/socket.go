package serialport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arksine/katapult-flashtool/internal/logging"
	"github.com/arksine/katapult-flashtool/internal/metrics"
	"github.com/arksine/katapult-flashtool/internal/stream"
)

const readBufSize = 4096 // per read() buffer for the RX loop

// Socket wraps an open serial port as a single flashing endpoint: one RX
// goroutine feeding the endpoint's reassembler, synchronous writes.
type Socket struct {
	port   Port
	reader *stream.Reader
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewSocket starts the RX loop over an open port.
func NewSocket(port Port) *Socket {
	s := &Socket{port: port, reader: stream.NewReader()}
	s.wg.Add(1)
	go s.rxLoop()
	return s
}

func (s *Socket) rxLoop() {
	defer s.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			metrics.AddSerialRx(n)
			s.reader.Feed(buf[:n])
		}
		if err != nil {
			if !s.closed.Load() {
				metrics.IncError(metrics.ErrSerialRead)
				logging.L().Error("serial_read_error", "error", err)
				go s.Close() // Close waits for this goroutine; detach
			}
			return
		}
		if s.closed.Load() {
			return
		}
		// n == 0 without error is a read-timeout poll; loop again.
	}
}

// Write sends bytes to the device synchronously.
func (s *Socket) Write(p []byte) (err error) {
	_, err = s.port.Write(p)
	if err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return err
	}
	metrics.AddSerialTx(len(p))
	return nil
}

// Read returns up to max buffered bytes.
func (s *Socket) Read(max int, timeout time.Duration) ([]byte, error) {
	return s.reader.Read(max, timeout)
}

// ReadExactly returns exactly cnt bytes.
func (s *Socket) ReadExactly(cnt int, timeout time.Duration) ([]byte, error) {
	return s.reader.ReadExactly(cnt, timeout)
}

// ReadUntil returns bytes through the first occurrence of sep.
func (s *Socket) ReadUntil(sep []byte, timeout time.Duration) ([]byte, error) {
	return s.reader.ReadUntil(sep, timeout)
}

// Close is idempotent: it signals EOF to the reader, closes the port, and
// waits for the RX loop to exit.
func (s *Socket) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.reader.FeedEOF()
	_ = s.port.Close()
	s.wg.Wait()
}
