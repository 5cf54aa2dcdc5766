package tape

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"tapeback/internal/runner"
)

// Entry is one member of the tar archive on tape, as reported by tar -tv.
type Entry struct {
	Path  string
	Size  int64
	IsDir bool
}

// GNU tar -tv line:
// -rw-r--r-- user/group 12345 2024-01-15 12:00 path/to/file
var tarListLine = regexp.MustCompile(
	`^(.{10})\s+\S+/\S+\s+(\d+)\s+\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}\s+(.*)$`)

// BrowseOptions configure a tape content listing.
type BrowseOptions struct {
	Gzip       bool
	SkipRewind bool
	Sink       runner.LineSink
}

// ListContents seeks to archive archiveNum exactly like RunRestore, then
// lists the archive's members without extracting (tar -tvf). Non-matching
// output lines are forwarded to the sink untouched.
func ListContents(device string, archiveNum int, opts BrowseOptions, ctl Control) ([]Entry, *ErrorInfo) {
	if archiveNum < 1 {
		return nil, &ErrorInfo{Kind: KindUnknown, Message: fmt.Sprintf("invalid archive number %d", archiveNum)}
	}
	if info := seekToArchive(device, archiveNum, opts.SkipRewind, opts.Sink); info != nil {
		return nil, info
	}
	if ctl != nil && ctl.Cancelled() {
		return nil, &ErrorInfo{Kind: KindCancelled, Message: "browse cancelled by operator"}
	}

	flag := "-tvf"
	if opts.Gzip {
		flag = "-tzvf"
	}

	var entries []Entry
	sink := func(line string) {
		if entry, ok := ParseListLine(line); ok {
			entries = append(entries, entry)
			if opts.Sink != nil && len(entries)%100 == 0 {
				opts.Sink(fmt.Sprintf("Reading… %d entries", len(entries)))
			}
			return
		}
		if opts.Sink != nil {
			opts.Sink(line)
		}
	}

	cmd, err := runner.Start("tar", []string{flag, device}, runner.Options{Sink: sink})
	if err != nil {
		return nil, Classify("tar", runner.Result{}, err)
	}
	register(ctl, cmd)
	if info := Classify("tar", cmd.Wait(), nil); info != nil {
		return nil, info
	}
	if opts.Sink != nil {
		opts.Sink(fmt.Sprintf("Read %d entries.", len(entries)))
	}
	return entries, nil
}

// ParseListLine parses one GNU tar -tv long-listing line into an Entry.
func ParseListLine(line string) (Entry, bool) {
	m := tarListLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return Entry{}, false
	}
	size, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{
		Path:  m[3],
		Size:  size,
		IsDir: strings.HasPrefix(m[1], "d"),
	}, true
}
