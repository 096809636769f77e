// Package serialport implements the serial session layer: exclusive raw
// port access, USB sysfs identification, bootloader entry, and the
// device-in-use diagnostic.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// readPollInterval bounds each blocking port read so the RX loop can notice
// a closed socket promptly.
const readPollInterval = 100 * time.Millisecond

// Port abstracts go.bug.st/serial for testability. The library opens ports
// with TIOCEXCL held, so a successful Open is already exclusive.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDTR(dtr bool) error
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
}

// openPort is a hook for tests (overridden in unit tests).
var openPort = func(device string, baud int) (Port, error) {
	return serial.Open(device, &serial.Mode{BaudRate: baud})
}

// Open opens the device exclusively in raw mode at the given baud rate.
func Open(device string, baud int) (Port, error) {
	p, err := openPort(device, baud)
	if err != nil {
		return nil, fmt.Errorf("unable to open serial port %s: %w", device, err)
	}
	if err := p.SetReadTimeout(readPollInterval); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial port %s: set read timeout: %w", device, err)
	}
	return p, nil
}
