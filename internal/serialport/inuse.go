package serialport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/arksine/katapult-flashtool/internal/logging"
)

// listProcesses is a hook for tests.
var listProcesses = process.Processes

// CheckInUse scans the process table for another process holding the
// device open and refuses to proceed if one is found. Everything about the
// scan itself is best effort: failures to enumerate processes or their
// open files are ignored so a degraded /proc never blocks flashing.
func CheckInUse(ctx context.Context, device string, console io.Writer) error {
	if _, err := os.Stat(device); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("no permission to access device %s: %w", device, err)
		}
		return fmt.Errorf("no serial device found at %s: %w", device, err)
	}
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		resolved = device
	}
	procs, err := listProcesses()
	if err != nil {
		logging.L().Debug("process_scan_failed", "error", err)
		return nil
	}
	for _, p := range procs {
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Path != resolved && f.Path != device {
				continue
			}
			name := describeProcess(ctx, p)
			fmt.Fprintf(console,
				"Serial device %s in use by another program.\nProcess ID: %d\nProcess %s\n",
				device, p.Pid, name)
			return fmt.Errorf("serial device %s in use", device)
		}
	}
	return nil
}

// describeProcess identifies the holder as well as it can: systemd unit
// name first, then command line, then executable path.
func describeProcess(ctx context.Context, p *process.Process) string {
	if unit := systemdUnitFor(ctx, p.Pid); unit != "" {
		return "Systemd Unit Name: " + unit
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil && cmdline != "" {
		return "Command Line: " + cmdline
	}
	if exe, err := p.ExeWithContext(ctx); err == nil && exe != "" {
		return "Executable: " + exe
	}
	return "Name Unknown"
}

func systemdUnitFor(ctx context.Context, pid int32) string {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return ""
	}
	out, err := exec.CommandContext(ctx, "systemctl", "status", fmt.Sprint(pid)).Output()
	if err != nil && len(out) == 0 {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) >= 2 {
		return fields[1]
	}
	return ""
}
