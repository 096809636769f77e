package serialport

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHasDoubleBuffering(t *testing.T) {
	cases := []struct {
		product string
		want    bool
	}{
		{"stm32g0b1xx", true},
		{"stm32f103xe", true},
		{"stm32f042x6", true},
		{"stm32f207xx", false},
		{"stm32f407xx", false},
		{"stm32h743xx", false},
		{"stm32", false}, // variant missing
		{"rp2040", false},
		{"", false},
	}
	for _, c := range cases {
		if got := HasDoubleBuffering(c.product); got != c.want {
			t.Fatalf("HasDoubleBuffering(%q) = %v, want %v", c.product, got, c.want)
		}
	}
}

func TestReadUSBInfo(t *testing.T) {
	dir := t.TempDir()
	write := func(name, val string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("idVendor", "1D50")
	write("idProduct", "6177")
	write("manufacturer", "Katapult")
	write("product", "stm32g0b1xx")

	info := ReadUSBInfo(dir)
	if info.ID != KatapultUSBID {
		t.Fatalf("id = %q, want %q", info.ID, KatapultUSBID)
	}
	if info.Manufacturer != "katapult" || info.Product != "stm32g0b1xx" {
		t.Fatalf("info = %+v", info)
	}
}

func TestReadUSBInfoMissingAttrs(t *testing.T) {
	info := ReadUSBInfo(t.TempDir())
	if info.ID != "" || info.Manufacturer != "unknown" || info.Product != "unknown" {
		t.Fatalf("info = %+v", info)
	}
}

// The RS-232 request magic is part of the wire contract; pin it.
func TestSerialBootloaderRequestMagic(t *testing.T) {
	want := "~ \x1c Request Serial Bootloader!! ~"
	if string(SerialBootloaderRequest) != want {
		t.Fatalf("magic = %q", SerialBootloaderRequest)
	}
}
