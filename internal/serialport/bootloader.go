package serialport

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/arksine/katapult-flashtool/internal/logging"
)

// SerialBootloaderRequest is the magic written to a plain RS-232 link to
// ask a running application to enter Katapult.
var SerialBootloaderRequest = []byte("~ \x1c Request Serial Bootloader!! ~")

// reconnectAttempts * reconnectPoll bounds the wait for USB re-enumeration.
const (
	reconnectAttempts = 8
	reconnectPoll     = 500 * time.Millisecond
)

// EnterUSBBootloader performs the 1200-baud touch: assert DTR, drop the
// line to 1200 baud, deassert DTR and close. The device reboots into
// Katapult and re-enumerates; we poll its sysfs manufacturer attribute
// until it reads "katapult". Returns the stable by-path symlink to reopen,
// which survives the tty node changing names across the reset.
func EnterUSBBootloader(ctx context.Context, device string, baud int, console io.Writer) (string, error) {
	fmt.Fprintf(console, "Requesting USB bootloader for %s...\n", device)
	usbPath := USBDevicePath(device)
	if usbPath == "" {
		fmt.Fprintf(console, "Device path %s is not a usb device\n", device)
		return device, nil
	}
	stable := stableSymlink(device)
	touchBootloaderBaud(device, baud)
	fmt.Fprint(console, "Waiting for USB Reconnect.")
	detected := false
	for i := 0; i < reconnectAttempts; i++ {
		if err := sleepCtx(ctx, reconnectPoll); err != nil {
			return stable, err
		}
		fmt.Fprint(console, ".")
		if readAttr(usbPath, "manufacturer") == "katapult" {
			fmt.Fprintln(console, "Katapult detected")
			detected = true
			if err := sleepCtx(ctx, time.Second); err != nil {
				return stable, err
			}
			break
		}
	}
	if !detected {
		fmt.Fprintln(console, "timed out")
	}
	return stable, nil
}

// touchBootloaderBaud runs the Arduino-style DTR pulse. Errors are ignored:
// the port often vanishes mid-sequence as the device resets, and the sysfs
// poll afterwards is the real success check.
func touchBootloaderBaud(device string, baud int) {
	p, err := openPort(device, baud)
	if err != nil {
		logging.L().Debug("bootloader_touch_open_failed", "device", device, "error", err)
		return
	}
	_ = p.SetDTR(true)
	_ = p.SetMode(&serial.Mode{BaudRate: 1200})
	_ = p.SetDTR(false)
	_ = p.Close()
}

// RequestSerialBootloader writes the bootloader magic to a non-USB serial
// device and closes it. Used by request-only mode on plain RS-232 links.
func RequestSerialBootloader(ctx context.Context, device string, baud int, console io.Writer) error {
	fmt.Fprintf(console, "Requesting serial bootloader for device %s...\n", device)
	p, err := Open(device, baud)
	if err != nil {
		return err
	}
	defer p.Close()
	if _, err := p.Write(SerialBootloaderRequest); err != nil {
		return fmt.Errorf("serial bootloader request: %w", err)
	}
	return sleepCtx(ctx, time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
