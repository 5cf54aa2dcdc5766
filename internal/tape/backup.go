package tape

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tapeback/internal/runner"
)

// checkpointEvery is the tar --checkpoint interval in records. Each
// checkpoint line carries the record counter and the byte totals used for
// progress reporting.
const checkpointEvery = 500

var (
	// tar checkpoint line: "CHECKPOINT 12 W: 6144000 (...)" for create,
	// "R: 6144000" for extract.
	checkpointWriteBytes = regexp.MustCompile(`W:\s*(\d+)`)
	checkpointReadBytes  = regexp.MustCompile(`R:\s*(\d+)`)
)

// ProgressFunc receives byte-level progress. total is -1 when the total
// source size could not be determined.
type ProgressFunc func(bytes, total int64, elapsed time.Duration)

// BackupOptions configure a raw tar backup.
type BackupOptions struct {
	Gzip         bool          // stream through gzip (tar -z)
	Append       bool          // write after the current head position instead of rewinding
	MaxTapeBytes int64         // abort before writing when the source exceeds this; 0 disables
	Sink         runner.LineSink
	Progress     ProgressFunc
}

// SourceSizeBytes sums the byte size of paths via du -sb. Returns 0 when du
// is unavailable or fails; sizing is advisory, never an error.
func SourceSizeBytes(paths []string) int64 {
	if len(paths) == 0 {
		return 0
	}
	var total int64
	ok := true
	res, err := runner.Run("du", append([]string{"-sb"}, paths...), runner.Options{
		Timeout:   time.Hour,
		TailLines: len(paths) + 1,
		Sink: func(line string) {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return
			}
			n, convErr := strconv.ParseInt(fields[0], 10, 64)
			if convErr != nil {
				ok = false
				return
			}
			total += n
		},
	})
	if err != nil || res.ExitCode != 0 || !ok {
		return 0
	}
	return total
}

// tarCreateArgs builds the tar invocation that streams paths onto the
// device as a single archive with checkpoint progress lines.
func tarCreateArgs(device string, paths []string, gzip bool) []string {
	flag := "-cvf"
	if gzip {
		flag = "-zcvf"
	}
	args := append([]string{flag, device}, paths...)
	return append(args,
		fmt.Sprintf("--checkpoint=%d", checkpointEvery),
		"--checkpoint-action=echo=CHECKPOINT %u %T",
	)
}

// RunBackup writes paths to the device as one tar archive. Unless
// opts.Append is set the tape is rewound first, overwriting from
// beginning-of-tape; Append trusts the current head position as end-of-data
// and never rewinds. On success the tape holds one more archive than before.
func RunBackup(device string, paths []string, opts BackupOptions, ctl Control) *ErrorInfo {
	total := SourceSizeBytes(paths)
	if total == 0 {
		total = -1
	}
	if opts.Progress != nil {
		opts.Progress(0, total, 0)
	}

	if opts.MaxTapeBytes > 0 && total > 0 && total > opts.MaxTapeBytes {
		return &ErrorInfo{
			Kind: KindUnknown,
			Message: fmt.Sprintf(
				"backup size (%d bytes, ~%.1f GB) exceeds the tape capacity limit (%d bytes, ~%.1f GB); raise the limit or remove directories",
				total, float64(total)/(1<<30), opts.MaxTapeBytes, float64(opts.MaxTapeBytes)/(1<<30)),
		}
	}

	if !opts.Append {
		if info := Rewind(device, opts.Sink); info != nil {
			return info
		}
	}
	if ctl != nil && ctl.Cancelled() {
		return &ErrorInfo{Kind: KindCancelled, Message: "backup cancelled by operator"}
	}

	start := time.Now()
	var records int64
	sink := func(line string) {
		if n, bytes, ok := parseCheckpoint(line, checkpointWriteBytes); ok {
			records = n * checkpointEvery
			if opts.Progress != nil {
				opts.Progress(bytes, total, time.Since(start))
			}
		}
		if opts.Sink != nil {
			opts.Sink(line)
		}
	}

	cmd, err := runner.Start("tar", tarCreateArgs(device, paths, opts.Gzip), runner.Options{Sink: sink})
	if err != nil {
		return Classify("tar", runner.Result{}, err)
	}
	register(ctl, cmd)
	if info := Classify("tar", cmd.Wait(), nil); info != nil {
		return info
	}
	if opts.Sink != nil {
		opts.Sink(fmt.Sprintf("Completed. %d records written.", records))
	}
	return nil
}

// parseCheckpoint extracts the record counter and the byte counter matched
// by bytesRe from a tar checkpoint line.
func parseCheckpoint(line string, bytesRe *regexp.Regexp) (records, bytes int64, ok bool) {
	idx := strings.Index(line, "CHECKPOINT ")
	if idx < 0 {
		return 0, 0, false
	}
	fields := strings.Fields(line[idx+len("CHECKPOINT "):])
	if len(fields) > 0 {
		if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			records = n
		}
	}
	if m := bytesRe.FindStringSubmatch(line); m != nil {
		bytes, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return records, bytes, true
}
