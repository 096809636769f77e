// Package flash implements the Katapult command engine and the flash/verify
// engine that drives it: framed request/response with retries over an
// endpoint, block-streamed writes, and independent read-back verification.
package flash

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arksine/katapult-flashtool/internal/canbus"
	"github.com/arksine/katapult-flashtool/internal/logging"
	"github.com/arksine/katapult-flashtool/internal/metrics"
	"github.com/arksine/katapult-flashtool/internal/proto"
	"github.com/arksine/katapult-flashtool/internal/stream"
)

// Node is one flashing endpoint: an assigned CAN node or the serial device.
// Commands on a node are strictly sequential; the engine never issues a new
// command before the previous one returned.
type Node interface {
	Write(p []byte) error
	Read(max int, timeout time.Duration) ([]byte, error)
	ReadUntil(sep []byte, timeout time.Duration) ([]byte, error)
}

// State tracks the engine through a session. The only valid back-transitions
// are retries within a state; Completed is terminal.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateWriting
	StateWritten
	StateVerifying
	StateVerified
	StateCompleted
)

const (
	sendTries     = 5
	blockAttempts = 3

	defaultReadTimeout = 2 * time.Second
	verifyReadTimeout  = 5 * time.Second
	busyPause          = 1500 * time.Millisecond
	retryPause         = 500 * time.Millisecond
	blockRetryPause    = 100 * time.Millisecond
	drainTimeout       = 250 * time.Millisecond
)

var validBlockSizes = map[int]bool{64: true, 128: true, 256: true, 512: true}

// Flasher owns one flashing session over a node.
type Flasher struct {
	node         Node
	firmwarePath string
	log          *slog.Logger
	out          io.Writer

	sha       hash.Hash
	primed    bool
	state     State
	completed bool

	fileSize     int
	blockSize    int
	blockCount   int
	appStartAddr uint32
	protoVersion [3]int
	softwareVer  string
	mcuType      string
	klipperDict  map[string]any

	// Timing knobs; fixed in production, shortened in tests.
	readTimeout   time.Duration
	verifyTimeout time.Duration
	busyPause     time.Duration
	retryPause    time.Duration
	blockPause    time.Duration
	drainTimeout  time.Duration
}

// Option customizes a Flasher.
type Option func(*Flasher)

// WithLogger sets the logger used for retry and protocol diagnostics.
func WithLogger(l *slog.Logger) Option { return func(f *Flasher) { f.log = l } }

// WithConsole sets the writer receiving status lines and progress output.
func WithConsole(w io.Writer) Option { return func(f *Flasher) { f.out = w } }

// New builds a session for firmware at path over node. If the file is a
// Klipper binary its embedded dictionary is extracted for an advisory MCU
// cross-check.
func New(node Node, firmware string, opts ...Option) *Flasher {
	f := &Flasher{
		node:         node,
		firmwarePath: firmware,
		log:          logging.L(),
		out:          os.Stdout,
		sha:          sha1.New(),
		blockSize:    64,
		softwareVer:  "?",

		readTimeout:   defaultReadTimeout,
		verifyTimeout: verifyReadTimeout,
		busyPause:     busyPause,
		retryPause:    retryPause,
		blockPause:    blockRetryPause,
		drainTimeout:  drainTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	f.checkBinary()
	return f
}

// State returns the engine's current state.
func (f *Flasher) State() State { return f.state }

// BlockCount returns the number of blocks written so far.
func (f *Flasher) BlockCount() int { return f.blockCount }

// checkBinary extracts the Klipper dictionary when flashing klipper.bin.
// Best effort: any failure leaves the dictionary unset.
func (f *Flasher) checkBinary() {
	if strings.ToLower(filepath.Base(f.firmwarePath)) != "klipper.bin" {
		return
	}
	bin, err := os.ReadFile(f.firmwarePath)
	if err != nil {
		return
	}
	dict := scanKlipperDict(bin)
	if dict == nil {
		return
	}
	f.klipperDict = dict
	fmt.Fprintf(f.out, "Detected Klipper binary version %s, MCU: %s\n",
		dictVersion(dict), dictMCU(dict))
}

// Prime sends a deliberately invalid command so double-buffered USB
// endpoints flush their reply pipeline; the first response after priming is
// discarded by the read loop.
func (f *Flasher) Prime() error {
	if err := f.node.Write(proto.Build(proto.CmdPrime, nil)); err != nil {
		return Errorf(KindTransportIO, "priming device: %w", err)
	}
	f.primed = true
	return nil
}

// Connect negotiates the session: protocol version, application start
// address, block size and MCU identity.
func (f *Flasher) Connect(ctx context.Context) error {
	fmt.Fprintln(f.out, "Attempting to connect to bootloader")
	ret, err := f.sendCommand(ctx, proto.CmdConnect, nil)
	if err != nil {
		return err
	}
	if len(ret) < 12 {
		return Errorf(KindProtocol, "connect response too short: %d bytes", len(ret))
	}
	verBytes := ret[0:4]
	f.appStartAddr = binary.LittleEndian.Uint32(ret[4:8])
	f.blockSize = int(binary.LittleEndian.Uint32(ret[8:12]))
	// The version field arrives as a reversed 3-byte prefix of a 4-byte
	// word; firmware transmits patch/minor/major. Keep this byte order.
	f.protoVersion = [3]int{int(verBytes[2]), int(verBytes[1]), int(verBytes[0])}
	if !validBlockSizes[f.blockSize] {
		return Errorf(KindProtocol, "invalid block size: %d", f.blockSize)
	}
	mcuInfo := ret[12:]
	if f.versionAtLeast(1, 1, 0) {
		if i := strings.IndexByte(string(mcuInfo), 0); i >= 0 {
			f.mcuType = string(mcuInfo[:i])
			f.softwareVer = string(trimNul(mcuInfo[i+1:]))
		} else {
			f.mcuType = string(trimNul(mcuInfo))
		}
	} else {
		f.mcuType = string(trimNul(mcuInfo))
	}
	f.state = StateConnected
	fmt.Fprintf(f.out,
		"Katapult Connected\nSoftware Version: %s\nProtocol Version: %d.%d.%d\n"+
			"Block Size: %d bytes\nApplication Start: 0x%X\nMCU type: %s\n",
		f.softwareVer, f.protoVersion[0], f.protoVersion[1], f.protoVersion[2],
		f.blockSize, f.appStartAddr, f.mcuType)
	if f.klipperDict != nil {
		if binMCU := dictMCU(f.klipperDict); binMCU != "" && binMCU != f.mcuType {
			fmt.Fprintf(f.out,
				"WARNING: MCU returned by Katapult does not match MCU stored in klipper.bin.\n"+
					"Katapult MCU: %s\nKlipper Binary MCU: %s\n", f.mcuType, binMCU)
		}
	}
	return nil
}

func (f *Flasher) versionAtLeast(major, minor, patch int) bool {
	want := [3]int{major, minor, patch}
	for i := range want {
		if f.protoVersion[i] != want[i] {
			return f.protoVersion[i] > want[i]
		}
	}
	return true
}

func trimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// VerifyCanbusUUID confirms the connected bootloader is the node the host
// targeted.
func (f *Flasher) VerifyCanbusUUID(ctx context.Context, uuid canbus.UUID) error {
	fmt.Fprintln(f.out, "Verifying canbus connection")
	ret, err := f.sendCommand(ctx, proto.CmdGetCanbusID, nil)
	if err != nil {
		return err
	}
	if len(ret) < 6 {
		return Errorf(KindProtocol, "canbus id response too short: %d bytes", len(ret))
	}
	if got := canbus.UUIDFromBytes(ret[:6]); got != uuid {
		return Errorf(KindProtocol, "uuid mismatch (%s vs %s)", uuid, got)
	}
	return nil
}

// SendFile streams the firmware image to flash in negotiated blocks. The
// final partial block is padded with 0xFF; the running SHA-1 spans the
// padded bytes actually sent.
func (f *Flasher) SendFile(ctx context.Context) error {
	fp, err := os.Open(f.firmwarePath)
	if err != nil {
		return Errorf(KindInvalidInput, "invalid firmware path %q: %w", f.firmwarePath, err)
	}
	defer fp.Close()
	st, err := fp.Stat()
	if err != nil {
		return Errorf(KindInvalidInput, "firmware %q: %w", f.firmwarePath, err)
	}
	f.fileSize = int(st.Size())
	f.state = StateWriting
	fmt.Fprintf(f.out, "Flashing '%s'...\n", f.firmwarePath)
	fmt.Fprint(f.out, "\n[")
	lastPercent := 0
	addr := f.appStartAddr
	buf := make([]byte, f.blockSize)
	for {
		n, rerr := io.ReadFull(fp, buf)
		if n == 0 {
			if rerr == nil || errors.Is(rerr, io.EOF) {
				break
			}
			return Errorf(KindInvalidInput, "reading firmware: %w", rerr)
		}
		if rerr != nil && !errors.Is(rerr, io.ErrUnexpectedEOF) && !errors.Is(rerr, io.EOF) {
			return Errorf(KindInvalidInput, "reading firmware: %w", rerr)
		}
		for i := n; i < f.blockSize; i++ {
			buf[i] = 0xFF
		}
		f.sha.Write(buf)
		payload := make([]byte, 4+f.blockSize)
		binary.LittleEndian.PutUint32(payload, addr)
		copy(payload[4:], buf)
		if err := f.writeBlock(ctx, addr, payload); err != nil {
			return err
		}
		addr += uint32(f.blockSize)
		f.blockCount++
		metrics.IncBlockWritten()
		uploaded := f.blockCount * f.blockSize
		pct := int(float64(uploaded)/float64(f.fileSize)*100 + 0.5)
		if pct >= lastPercent+2 {
			lastPercent += 2
			fmt.Fprint(f.out, "#")
		}
		if n < f.blockSize {
			break
		}
	}
	resp, err := f.sendCommand(ctx, proto.CmdSendEOF, nil)
	if err != nil {
		return err
	}
	if len(resp) < 4 {
		return Errorf(KindProtocol, "send eof response too short: %d bytes", len(resp))
	}
	pageCount := binary.LittleEndian.Uint32(resp[:4])
	f.state = StateWritten
	fmt.Fprintf(f.out, "]\n\nWrite complete: %d pages\n", pageCount)
	return nil
}

// writeBlock sends one addressed block, comparing the address the device
// reports back against the one requested. SEND_BLOCK is idempotent under
// retry because the payload carries the absolute flash address.
func (f *Flasher) writeBlock(ctx context.Context, addr uint32, payload []byte) error {
	var recd uint32
	for attempt := 0; attempt < blockAttempts; attempt++ {
		resp, err := f.sendCommand(ctx, proto.CmdSendBlock, payload)
		if err != nil {
			return err
		}
		if len(resp) >= 4 {
			recd = binary.LittleEndian.Uint32(resp[:4])
			if recd == addr {
				return nil
			}
		}
		f.log.Info("block_write_mismatch",
			"expected", fmt.Sprintf("0x%X", addr), "received", fmt.Sprintf("0x%X", recd))
		if err := f.sleep(ctx, f.blockPause); err != nil {
			return err
		}
	}
	return Errorf(KindProtocol, "flash write failed, block address 0x%X", recd)
}

// VerifyFile reads every written block back and compares a fresh SHA-1 of
// the read-back bytes against the accumulator from the send phase.
func (f *Flasher) VerifyFile(ctx context.Context) error {
	f.state = StateVerifying
	fmt.Fprintf(f.out, "Verifying (block count = %d)...\n", f.blockCount)
	fmt.Fprint(f.out, "\n[")
	ver := sha1.New()
	lastPercent := 0
	for i := 0; i < f.blockCount; i++ {
		addr := f.appStartAddr + uint32(i*f.blockSize)
		resp, err := f.requestBlock(ctx, addr, i)
		if err != nil {
			return err
		}
		ver.Write(resp[4:])
		metrics.IncBlockVerified()
		pct := int(float64(i*f.blockSize)/float64(f.fileSize)*100 + 0.5)
		if pct >= lastPercent+2 {
			lastPercent += 2
			fmt.Fprint(f.out, "#")
		}
	}
	verHex := strings.ToUpper(hex.EncodeToString(ver.Sum(nil)))
	fwHex := strings.ToUpper(hex.EncodeToString(f.sha.Sum(nil)))
	if verHex != fwHex {
		return Errorf(KindProtocol, "checksum mismatch: expected %s, received %s", fwHex, verHex)
	}
	f.state = StateVerified
	fmt.Fprintf(f.out, "]\n\nVerification Complete: SHA = %s\n", verHex)
	return nil
}

func (f *Flasher) requestBlock(ctx context.Context, addr uint32, index int) ([]byte, error) {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], addr)
	for attempt := 0; attempt < blockAttempts; attempt++ {
		resp, err := f.sendCommandTimeout(ctx, proto.CmdRequestBlock, payload[:], f.verifyTimeout)
		if err != nil {
			return nil, err
		}
		if len(resp) >= 4 {
			if recd := binary.LittleEndian.Uint32(resp[:4]); recd == addr {
				return resp, nil
			}
			f.log.Info("block_read_mismatch",
				"expected", fmt.Sprintf("0x%X", addr),
				"received", fmt.Sprintf("0x%X", binary.LittleEndian.Uint32(resp[:4])))
		}
		if err := f.sleep(ctx, f.blockPause); err != nil {
			return nil, err
		}
	}
	fmt.Fprintln(f.out, "Error")
	return nil, Errorf(KindProtocol, "block request error, block: %d", index)
}

// Finish sends COMPLETE, releasing the device from the bootloader. It is
// attempted on every exit path from a connected session but never twice,
// and its own failures are swallowed and logged so they cannot shadow the
// error that ended the session. Cancellation of the surrounding context
// does not prevent the attempt.
func (f *Flasher) Finish(ctx context.Context) {
	if f.completed || f.state == StateDisconnected {
		return
	}
	f.completed = true
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := f.sendCommand(fctx, proto.CmdComplete, nil); err != nil {
		f.log.Warn("complete_failed", "error", err)
		return
	}
	f.state = StateCompleted
}

func (f *Flasher) sendCommand(ctx context.Context, cmd byte, payload []byte) ([]byte, error) {
	return f.sendCommandTimeout(ctx, cmd, payload, f.readTimeout)
}

// sendCommandTimeout is the command engine: build the frame, write it, and
// read acknowledgements with retries until success or tries exhaust.
func (f *Flasher) sendCommandTimeout(ctx context.Context, cmd byte, payload []byte, timeout time.Duration) ([]byte, error) {
	out := proto.Build(cmd, payload)
	name := proto.CmdName(cmd)
	var timeouts, busies int
	for try := 0; try < sendTries; try++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if try > 0 {
			metrics.IncRetry()
		}
		if err := f.node.Write(out); err != nil {
			return nil, Errorf(KindTransportIO, "writing command %s: %w", name, err)
		}
		fr, err := f.readResponse(ctx, timeout)
		switch {
		case err == nil:
			switch fr.Cmd {
			case proto.AckSuccess:
				var echo uint32
				if len(fr.Payload) >= 4 {
					echo = binary.LittleEndian.Uint32(fr.Payload[:4])
				}
				if echo == uint32(cmd) {
					if len(fr.Payload) <= 4 {
						return nil, nil
					}
					return fr.Payload[4:], nil
				}
				f.log.Info("wrong_command_acknowledged", "command", name,
					"expected", fmt.Sprintf("0x%02x", cmd), "received", fmt.Sprintf("0x%02x", echo))
			case proto.AckBusy:
				f.log.Info("device_busy", "command", name)
				busies++
				if serr := f.sleep(ctx, f.busyPause); serr != nil {
					return nil, serr
				}
			case proto.AckError:
				f.log.Info("error_response", "command", name)
			default:
				f.log.Info("nack_received", "command", name, "ack", fmt.Sprintf("0x%02x", fr.Cmd))
			}
		case errors.Is(err, stream.ErrTimeout):
			timeouts++
			f.log.Info("command_timeout", "command", name, "tries_remaining", sendTries-try-1)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, Errorf(KindTransportIO, "endpoint closed awaiting %s: %w", name, err)
		case errors.Is(err, proto.ErrCRC), errors.Is(err, proto.ErrTrailer):
			f.log.Info("invalid_frame", "command", name, "error", err)
		default:
			f.log.Info("device_read_error", "command", name, "error", err)
		}
		// Clear any residual bytes before the next attempt.
		if res, derr := f.node.Read(1024, f.drainTimeout); derr == nil && len(res) > 0 {
			f.log.Info("read_buffer_contents", "data", fmt.Sprintf("%q", res))
		}
		if err := f.sleep(ctx, f.retryPause); err != nil {
			return nil, err
		}
	}
	metrics.IncError(metrics.ErrCommand)
	kind := KindProtocol
	switch {
	case timeouts == sendTries:
		kind = KindTimeout
	case busies == sendTries:
		kind = KindDeviceBusy
	}
	return nil, Errorf(kind, "error sending command [%s] to device", name)
}

// readResponse accumulates chunks from the endpoint until the codec yields
// one full frame. In primed mode the first reassembled frame (the error
// reply to the prime command) is discarded and a second one is awaited.
func (f *Flasher) readResponse(ctx context.Context, timeout time.Duration) (proto.Frame, error) {
	var data []byte
	for {
		if err := ctx.Err(); err != nil {
			return proto.Frame{}, err
		}
		chunk, err := f.node.ReadUntil(proto.Trailer, timeout)
		if err != nil {
			return proto.Frame{}, err
		}
		data = append(data, chunk...)
		for {
			fr, consumed, perr := proto.Scan(data)
			data = data[consumed:]
			if errors.Is(perr, proto.ErrNeedMore) {
				break
			}
			if f.primed {
				f.primed = false
				continue
			}
			return fr, perr
		}
	}
}

func (f *Flasher) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
