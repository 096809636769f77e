package flash

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
)

// scanKlipperDict looks for the data dictionary Klipper appends to its
// binaries: the first offset from which zlib inflation yields a JSON object
// whose "app" field is "Klipper". Purely advisory; any failure returns nil
// and the flash proceeds.
func scanKlipperDict(bin []byte) map[string]any {
	for idx := range bin {
		zr, err := zlib.NewReader(bytes.NewReader(bin[idx:]))
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			continue
		}
		var dict map[string]any
		if json.Unmarshal(raw, &dict) != nil {
			continue
		}
		if dict["app"] == "Klipper" {
			return dict
		}
	}
	return nil
}

// dictVersion returns the "version" field of a Klipper dictionary.
func dictVersion(dict map[string]any) string {
	v, _ := dict["version"].(string)
	return v
}

// dictMCU returns the config.MCU field of a Klipper dictionary.
func dictMCU(dict map[string]any) string {
	cfg, _ := dict["config"].(map[string]any)
	mcu, _ := cfg["MCU"].(string)
	return mcu
}
