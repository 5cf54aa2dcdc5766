package devices

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tapeback/internal/runner"
)

// devGlob matches the no-rewind tape nodes. The rewind-on-close /dev/st*
// variants are deliberately excluded: an accidental rewind between an append
// and a restore would corrupt the archive cursor.
var devGlob = "/dev/nst*"

// ListDevices enumerates the tape drives currently visible to the kernel.
// Labels come from lsscsi and the sg sibling from sysfs; both are optional
// and their absence leaves the corresponding field empty.
func ListDevices() []TapeDevice {
	labels := lsscsiLabels()
	paths, _ := filepath.Glob(devGlob)
	sort.Strings(paths)

	var devices []TapeDevice
	for _, path := range paths {
		if !isCharDevice(path) {
			continue
		}
		devices = append(devices, TapeDevice{
			Path:   path,
			SgPath: NstToSg(path),
			Label:  labels[path],
		})
	}
	return devices
}

func isCharDevice(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// lsscsiLabels maps /dev/nstN paths to the vendor/model string reported by
// lsscsi. Returns an empty map when lsscsi is unavailable or fails.
func lsscsiLabels() map[string]string {
	var lines []string
	res, err := runner.Run("lsscsi", nil, runner.Options{
		Timeout:   5 * time.Second,
		TailLines: 256,
		Sink:      func(line string) { lines = append(lines, line) },
	})
	if err != nil || res.ExitCode != 0 {
		return map[string]string{}
	}
	return parseLsscsi(lines)
}

// parseLsscsi extracts tape entries from lsscsi output lines like:
//
//	[2:0:0:0]    tape    HP       Ultrium 2-SCSI   F6CH    /dev/st0
//
// The rewind device path in the last column is mapped to its no-rewind
// sibling; everything between the "tape" token and the device column is the
// vendor/model label.
func parseLsscsi(lines []string) map[string]string {
	labels := make(map[string]string)
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		tapeIdx := -1
		for i, f := range fields {
			if f == "tape" {
				tapeIdx = i
				break
			}
		}
		if tapeIdx < 0 {
			continue
		}
		dev := fields[len(fields)-1]
		num := strings.TrimPrefix(dev, "/dev/st")
		if num == dev || !isDigits(num) {
			continue
		}
		rest := fields[tapeIdx+1 : len(fields)-1]
		if len(rest) == 0 {
			continue
		}
		labels["/dev/nst"+num] = strings.Join(rest, " ")
	}
	return labels
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
