//go:build !linux

package socketcan

import (
	"errors"

	"github.com/arksine/katapult-flashtool/internal/can"
)

// Device is a stub so non-linux builds compile; SocketCAN is linux-only.
type Device struct{}

func Open(iface string) (*Device, error) {
	return nil, errors.New("socketcan: only supported on linux")
}

func (d *Device) Close() error                  { return nil }
func (d *Device) ReadFrame(fr *can.Frame) error { return errors.New("socketcan: not supported") }
func (d *Device) WriteFrame(fr can.Frame) error { return errors.New("socketcan: not supported") }
