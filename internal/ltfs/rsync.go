package ltfs

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"tapeback/internal/devices"
	"tapeback/internal/runner"
	"tapeback/internal/tape"
)

// rsync --info=progress2 line: "105,451,520  13%  602.83kB/s  0:02:50"
var rsyncProgress2 = regexp.MustCompile(`^\s*([\d.,]+\s*[KMGkmg]?)\s+(\d+)%`)

// RsyncOptions configure an LTFS backup.
type RsyncOptions struct {
	Sink     runner.LineSink
	Progress tape.ProgressFunc
}

// RunRsyncBackup mounts the tape as LTFS, copies each source directory onto
// it with rsync, and unmounts. The unmount is guaranteed: it runs on every
// exit path, including rsync failure and cancellation, so a stale fuse mount
// is never left behind. Partial-transfer resume flags let an interrupted
// backup continue instead of rewriting the whole tape.
func RunRsyncBackup(device devices.TapeDevice, paths []string, opts RsyncOptions, ctl tape.Control) *tape.ErrorInfo {
	total := tape.SourceSizeBytes(paths)
	if total == 0 {
		total = -1
	}

	mount, info := MountTape(device, opts.Sink)
	if info != nil {
		return info
	}
	defer mount.Unmount(opts.Sink)

	if ctl != nil && ctl.Cancelled() {
		return &tape.ErrorInfo{Kind: tape.KindCancelled, Message: "LTFS backup cancelled by operator"}
	}
	if opts.Progress != nil {
		opts.Progress(0, total, 0)
	}
	if opts.Sink != nil {
		opts.Sink("Running rsync to " + mount.Point)
	}

	args := []string{
		"-a", "--partial", "--append-verify",
		"--outbuf=L",
		"--info=progress2,flist2,stats2",
	}
	args = append(args, paths...)
	args = append(args, mount.Point+"/")

	start := time.Now()
	sink := func(line string) {
		if bytes, pct, ok := ParseRsyncProgress(line); ok {
			if opts.Progress != nil {
				if pct >= 0 && total > 0 {
					bytes = total * int64(pct) / 100
				}
				opts.Progress(bytes, total, time.Since(start))
			}
			return
		}
		if opts.Sink != nil && strings.TrimSpace(line) != "" {
			opts.Sink(line)
		}
	}

	cmd, err := runner.Start("rsync", args, runner.Options{Sink: sink})
	if err != nil {
		return tape.Classify("rsync", runner.Result{}, err)
	}
	if ctl != nil {
		ctl.Register(cmd)
	}
	if info := tape.Classify("rsync", cmd.Wait(), nil); info != nil {
		return info
	}

	if opts.Progress != nil && total > 0 {
		opts.Progress(total, total, time.Since(start))
	}
	if opts.Sink != nil {
		opts.Sink("Backup to LTFS completed.")
	}
	return nil
}

// ParseRsyncProgress parses an --info=progress2 line into transferred bytes
// and percent. Returns ok=false for anything that is not a progress line;
// bytes is -1 when only the percentage could be parsed.
func ParseRsyncProgress(line string) (bytes int64, pct int, ok bool) {
	m := rsyncProgress2.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, 0, false
	}
	pct, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	bytes = parseRsyncSize(m[1])
	return bytes, pct, true
}

// parseRsyncSize parses rsync's size notation: "1,234,567", "105.45M",
// "602.83k". Returns -1 when unparseable.
func parseRsyncSize(s string) int64 {
	s = strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), ",", ""))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "G")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}
	return int64(f * float64(mult))
}
