package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/arksine/katapult-flashtool/internal/canbus"
)

type appConfig struct {
	device            string
	baud              int
	canIf             string
	firmware          string
	uuid              string
	query             bool
	verbose           bool
	requestBootloader bool
	logFormat         string
	logLevel          string
	metricsAddr       string
	logMetricsEvery   time.Duration
}

const defaultFirmware = "~/klipper/out/klipper.bin"

func parseFlags() (*appConfig, bool, error) {
	cfg := &appConfig{}
	stringFlag(&cfg.device, "device", "d", "", "Serial device path (omit to flash over CAN)")
	intFlag(&cfg.baud, "baud", "b", 250000, "Serial baud rate")
	stringFlag(&cfg.canIf, "interface", "i", "can0", "CAN interface")
	stringFlag(&cfg.firmware, "firmware", "f", defaultFirmware, "Path to firmware file")
	stringFlag(&cfg.uuid, "uuid", "u", "", "CAN device uuid (12 hex digits)")
	boolFlag(&cfg.query, "query", "q", false, "Query bootloader device IDs")
	boolFlag(&cfg.verbose, "verbose", "v", false, "Enable verbose responses")
	boolFlag(&cfg.requestBootloader, "request-bootloader", "r", false, "Request the bootloader and exit")
	flag.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug|info|warn|error (default derived from --verbose)")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	flag.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, err
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

func stringFlag(p *string, long, short, def, usage string) {
	flag.StringVar(p, long, def, usage)
	flag.StringVar(p, short, def, usage+" (shorthand)")
}

func intFlag(p *int, long, short string, def int, usage string) {
	flag.IntVar(p, long, def, usage)
	flag.IntVar(p, short, def, usage+" (shorthand)")
}

func boolFlag(p *bool, long, short string, def bool, usage string) {
	flag.BoolVar(p, long, def, usage)
	flag.BoolVar(p, short, def, usage+" (shorthand)")
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.query && c.device != "" {
		return fmt.Errorf("query mode works over CAN only; omit --device")
	}
	if c.uuid != "" {
		if _, err := canbus.ParseUUID(c.uuid); err != nil {
			return err
		}
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps KATAPULT_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	explicit := func(names ...string) bool {
		for _, n := range names {
			if _, ok := set[n]; ok {
				return true
			}
		}
		return false
	}
	if !explicit("device", "d") {
		if v, ok := get("KATAPULT_DEVICE"); ok && v != "" {
			c.device = v
		}
	}
	if !explicit("baud", "b") {
		if v, ok := get("KATAPULT_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid KATAPULT_BAUD: %w", err)
			}
		}
	}
	if !explicit("interface", "i") {
		if v, ok := get("KATAPULT_INTERFACE"); ok && v != "" {
			c.canIf = v
		}
	}
	if !explicit("firmware", "f") {
		if v, ok := get("KATAPULT_FIRMWARE"); ok && v != "" {
			c.firmware = v
		}
	}
	if !explicit("uuid", "u") {
		if v, ok := get("KATAPULT_UUID"); ok && v != "" {
			c.uuid = v
		}
	}
	if !explicit("log-format") {
		if v, ok := get("KATAPULT_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if !explicit("log-level") {
		if v, ok := get("KATAPULT_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if !explicit("metrics-addr") {
		if v, ok := get("KATAPULT_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if !explicit("log-metrics-interval") {
		if v, ok := get("KATAPULT_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid KATAPULT_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}

// expandUser resolves a leading ~ against the current user's home directory.
func expandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
