package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestReadReturnsAvailable(t *testing.T) {
	r := NewReader()
	r.Feed([]byte{1, 2, 3})
	got, err := r.Read(10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("read = %v", got)
	}
}

func TestReadTimeout(t *testing.T) {
	r := NewReader()
	start := time.Now()
	_, err := r.Read(1, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("returned before deadline")
	}
	// A timeout must not corrupt state: bytes fed later are still readable.
	r.Feed([]byte{9})
	if got, err := r.Read(1, 100*time.Millisecond); err != nil || got[0] != 9 {
		t.Fatalf("read after timeout: %v %v", got, err)
	}
}

func TestReadExactlyAcrossChunks(t *testing.T) {
	r := NewReader()
	go func() {
		r.Feed([]byte{1, 2})
		time.Sleep(10 * time.Millisecond)
		r.Feed([]byte{3, 4, 5})
	}()
	got, err := r.ReadExactly(4, time.Second)
	if err != nil {
		t.Fatalf("read exactly: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("read exactly = %v", got)
	}
	// The remainder stays buffered.
	rest, err := r.Read(10, 100*time.Millisecond)
	if err != nil || !bytes.Equal(rest, []byte{5}) {
		t.Fatalf("remainder = %v %v", rest, err)
	}
}

func TestReadUntilSeparatorSplitAcrossChunks(t *testing.T) {
	r := NewReader()
	go func() {
		r.Feed([]byte{0xAA, 0x99})
		time.Sleep(10 * time.Millisecond)
		r.Feed([]byte{0x03, 0x42})
	}()
	got, err := r.ReadUntil([]byte{0x99, 0x03}, time.Second)
	if err != nil {
		t.Fatalf("read until: %v", err)
	}
	if !bytes.Equal(got, []byte{0xAA, 0x99, 0x03}) {
		t.Fatalf("read until = %v", got)
	}
}

func TestEOFDrainsThenErrors(t *testing.T) {
	r := NewReader()
	r.Feed([]byte{7, 8})
	r.FeedEOF()
	got, err := r.Read(10, 100*time.Millisecond)
	if err != nil || !bytes.Equal(got, []byte{7, 8}) {
		t.Fatalf("drain read = %v %v", got, err)
	}
	if _, err := r.Read(1, 100*time.Millisecond); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after drain, got %v", err)
	}
	if _, err := r.ReadUntil([]byte{0x99}, 100*time.Millisecond); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF from ReadUntil, got %v", err)
	}
}

func TestReadExactlyShortAtEOF(t *testing.T) {
	r := NewReader()
	r.Feed([]byte{1})
	r.FeedEOF()
	if _, err := r.ReadExactly(4, 100*time.Millisecond); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestFeedAfterEOFDiscarded(t *testing.T) {
	r := NewReader()
	r.FeedEOF()
	r.Feed([]byte{1, 2, 3})
	if _, err := r.Read(1, 50*time.Millisecond); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

// TestSecondPendingReadRejected pins the one-reader-per-endpoint contract.
func TestSecondPendingReadRejected(t *testing.T) {
	r := NewReader()
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := r.Read(1, 300*time.Millisecond)
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first read block
	if _, err := r.Read(1, 50*time.Millisecond); !errors.Is(err, ErrReadPending) {
		t.Fatalf("expected ErrReadPending, got %v", err)
	}
	r.Feed([]byte{1})
	if err := <-done; err != nil {
		t.Fatalf("first read failed: %v", err)
	}
}
