package tape

import (
	"fmt"
	"time"

	"tapeback/internal/runner"
)

// RestoreOptions configure a raw tar restore.
type RestoreOptions struct {
	Gzip       bool
	SkipRewind bool // trust the current head position (testing against a file)
	Sink       runner.LineSink
	Progress   ProgressFunc
}

// tarExtractArgs builds the tar invocation that extracts the archive at the
// current head position into dest.
func tarExtractArgs(device, dest string, gzip bool) []string {
	flag := "-xvf"
	if gzip {
		flag = "-xzvf"
	}
	return []string{flag, device, "-C", dest,
		fmt.Sprintf("--checkpoint=%d", checkpointEvery),
		"--checkpoint-action=echo=CHECKPOINT %u %T",
	}
}

// RunRestore extracts archive number archiveNum (1-based) from the tape into
// dest. Archive 1 needs only a rewind; archive N needs a rewind plus N-1
// forward-space-file operations, since each archive ends at a file mark.
func RunRestore(device, dest string, archiveNum int, opts RestoreOptions, ctl Control) *ErrorInfo {
	if archiveNum < 1 {
		return &ErrorInfo{Kind: KindUnknown, Message: fmt.Sprintf("invalid archive number %d", archiveNum)}
	}
	if opts.Progress != nil {
		opts.Progress(0, -1, 0)
	}
	if info := seekToArchive(device, archiveNum, opts.SkipRewind, opts.Sink); info != nil {
		return info
	}
	if ctl != nil && ctl.Cancelled() {
		return &ErrorInfo{Kind: KindCancelled, Message: "restore cancelled by operator"}
	}

	start := time.Now()
	var records int64
	sink := func(line string) {
		if n, bytes, ok := parseCheckpoint(line, checkpointReadBytes); ok {
			records = n * checkpointEvery
			if opts.Progress != nil {
				opts.Progress(bytes, -1, time.Since(start))
			}
		}
		if opts.Sink != nil {
			opts.Sink(line)
		}
	}

	cmd, err := runner.Start("tar", tarExtractArgs(device, dest, opts.Gzip), runner.Options{Sink: sink})
	if err != nil {
		return Classify("tar", runner.Result{}, err)
	}
	register(ctl, cmd)
	if info := Classify("tar", cmd.Wait(), nil); info != nil {
		return info
	}
	if opts.Sink != nil {
		opts.Sink(fmt.Sprintf("Completed. %d records extracted.", records))
	}
	return nil
}

// seekToArchive positions the head just before archive archiveNum: rewind,
// then skip archiveNum-1 file marks. Getting this arithmetic wrong silently
// restores the wrong archive.
func seekToArchive(device string, archiveNum int, skipRewind bool, sink runner.LineSink) *ErrorInfo {
	if !skipRewind {
		if info := Rewind(device, sink); info != nil {
			return info
		}
	}
	if archiveNum > 1 {
		if sink != nil {
			sink(fmt.Sprintf("Skipping to archive #%d…", archiveNum))
		}
		if info := ForwardSpaceFiles(device, archiveNum-1, sink); info != nil {
			return info
		}
	}
	return nil
}
