package devices

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"tapeback/internal/runner"
)

// Capacity is queried via sg3-utils and is advisory only: it feeds the
// backup size safety check and the capacity display, never a hard decision.
// Maximum (total) capacity is used rather than remaining, since a non-append
// backup rewinds and overwrites the whole tape.

var (
	// sg_read_attr: "Maximum capacity in partition [MiB]: 18874368"
	sgReadAttrMaxRe = regexp.MustCompile(`(?i)Maximum capacity in partition\s*\[MiB\]\s*:\s*(\d+)`)
	// sg_logs: "Main partition maximum capacity (in MiB): ..." or similar
	sgLogsMaxRe = regexp.MustCompile(`(?i)(?:Main partition )?maximum capacity\s*\(?\s*in MiB\)?\s*:?\s*(\d+)`)
)

// Some LTO-9 drives report maximum capacity as ~1/161 of the real value
// (e.g. 120 GB instead of ~18 TB). A reported value inside the misreport
// range is scaled back up.
const (
	lto9MisreportMinGB  = 50
	lto9MisreportMaxGB  = 500
	lto9MisreportFactor = 161
)

const capacityToolTimeout = 10 * time.Second

// QueryCapacityBytes returns the maximum tape capacity in bytes, or -1 when
// it cannot be determined (tool missing, unsupported drive, parse failure).
// sg_logs is tried first, then sg_read_attr, each against the tape node and
// the sg sibling.
func QueryCapacityBytes(device TapeDevice) int64 {
	targets := []string{device.Path}
	if device.SgPath != "" {
		targets = append(targets, device.SgPath)
	}
	for _, dev := range targets {
		if b := queryTool("sg_logs", []string{"-a", dev}, sgLogsMaxRe); b > 0 {
			return applyLto9Correction(b)
		}
	}
	for _, dev := range targets {
		if b := queryTool("sg_read_attr", []string{dev}, sgReadAttrMaxRe); b > 0 {
			return applyLto9Correction(b)
		}
	}
	return -1
}

// queryTool runs a capacity tool and parses the MiB figure matched by re
// from its output. Returns -1 on any failure.
func queryTool(tool string, args []string, re *regexp.Regexp) int64 {
	var out strings.Builder
	res, err := runner.Run(tool, args, runner.Options{
		Timeout: capacityToolTimeout,
		Sink: func(line string) {
			out.WriteString(line)
			out.WriteByte('\n')
		},
	})
	if err != nil || res.ExitCode != 0 {
		return -1
	}
	return parseCapacityMiB(out.String(), re)
}

func parseCapacityMiB(text string, re *regexp.Regexp) int64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return -1
	}
	mib, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return -1
	}
	return mib * 1024 * 1024
}

func applyLto9Correction(bytes int64) int64 {
	gb := float64(bytes) / (1 << 30)
	if gb >= lto9MisreportMinGB && gb <= lto9MisreportMaxGB {
		return bytes * lto9MisreportFactor
	}
	return bytes
}
