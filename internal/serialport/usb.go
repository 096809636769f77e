package serialport

import (
	"os"
	"path/filepath"
	"strings"
)

// USB vendor:product IDs for the two firmware personalities.
const (
	KlipperUSBID  = "1d50:614e"
	KatapultUSBID = "1d50:6177"
)

// Filesystem roots, overridable in tests.
var (
	sysTTYRoot      = "/sys/class/tty"
	serialByPathDir = "/dev/serial/by-path"
)

// USBInfo holds the sysfs identity of a USB serial device.
type USBInfo struct {
	ID           string // "vid:pid", lowercase
	Manufacturer string
	Product      string
}

// USBDevicePath walks from a tty device node up the sysfs tree to the USB
// device directory (the first ancestor with busnum/devnum attributes).
// Returns "" when the tty is not USB-backed.
func USBDevicePath(device string) string {
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		return ""
	}
	sysDev := filepath.Join(sysTTYRoot, filepath.Base(resolved))
	sysDev, err = filepath.EvalSymlinks(sysDev)
	if err != nil {
		return ""
	}
	for dir := filepath.Dir(sysDev); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if fileExists(filepath.Join(dir, "busnum")) && fileExists(filepath.Join(dir, "devnum")) {
			return dir
		}
	}
	return ""
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(data)))
}

// ReadUSBInfo reads the identifying attributes from a USB sysfs directory.
// Missing attributes degrade to "unknown" rather than failing.
func ReadUSBInfo(usbPath string) USBInfo {
	info := USBInfo{Manufacturer: "unknown", Product: "unknown"}
	vid := readAttr(usbPath, "idVendor")
	pid := readAttr(usbPath, "idProduct")
	if vid != "" && pid != "" {
		info.ID = vid + ":" + pid
	}
	if mfr := readAttr(usbPath, "manufacturer"); mfr != "" {
		info.Manufacturer = mfr
	}
	if prod := readAttr(usbPath, "product"); prod != "" {
		info.Product = prod
	}
	return info
}

// stableSymlink returns the /dev/serial/by-path symlink resolving to the
// same device node, so reconnection after re-enumeration finds the device
// even if its ttyACM number changes. Falls back to the resolved path.
func stableSymlink(device string) string {
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		return device
	}
	devStat, err := os.Stat(resolved)
	if err != nil {
		return resolved
	}
	entries, err := os.ReadDir(serialByPathDir)
	if err != nil {
		return resolved
	}
	for _, e := range entries {
		link := filepath.Join(serialByPathDir, e.Name())
		st, err := os.Stat(link)
		if err != nil {
			continue
		}
		if os.SameFile(devStat, st) {
			return link
		}
	}
	return resolved
}

// HasDoubleBuffering reports whether the named STM32 part uses a usbfs
// peripheral with double buffering. Those devices hold the reply to the
// first command until a second one arrives, so the command engine primes
// them with a dummy command before CONNECT.
func HasDoubleBuffering(product string) bool {
	if !strings.HasPrefix(product, "stm32") || len(product) < 7 {
		return false
	}
	switch product[5:7] {
	case "f2", "f4", "h7":
		return false
	}
	return true
}
