package tape

import (
	"strconv"
	"strings"
	"time"

	"tapeback/internal/runner"
)

// Timeouts for mt operations. Positioning commands are quick; a long erase
// writes the whole tape and can legitimately run for hours on LTO media.
const (
	mtTimeout    = 60 * time.Second
	eraseTimeout = 4 * time.Hour
)

// Control lets a running executor expose its current subprocess for
// cancellation and observe whether the operator has already asked to stop.
// A nil Control disables both (used by non-cancellable operations and tests).
type Control interface {
	Register(cmd *runner.Command) // current cancellable subprocess, replaces the previous one
	Cancelled() bool
}

func register(ctl Control, cmd *runner.Command) {
	if ctl != nil {
		ctl.Register(cmd)
	}
}

// runMt runs `mt -f <device> <args...>` with the standard short timeout and
// returns the classified error, streaming output to sink.
func runMt(device string, sink runner.LineSink, args ...string) *ErrorInfo {
	full := append([]string{"-f", device}, args...)
	res, err := runner.Run("mt", full, runner.Options{
		Timeout: mtTimeout,
		Sink:    sink,
	})
	return Classify("mt "+strings.Join(args, " "), res, err)
}

// Rewind positions the tape at beginning-of-tape. Fast and always safe.
func Rewind(device string, sink runner.LineSink) *ErrorInfo {
	return runMt(device, sink, "rewind")
}

// ForwardSpaceFiles skips the head past n file marks (mt fsf n). A no-op
// when n <= 0. Used to seek to archive N: rewind + fsf(N-1).
func ForwardSpaceFiles(device string, n int, sink runner.LineSink) *ErrorInfo {
	if n <= 0 {
		return nil
	}
	return runMt(device, sink, "fsf", strconv.Itoa(n))
}

// Status returns the drive status output (mt status), verbatim. The text is
// surfaced to the operator log; parse-level decisions stay in the caller.
func Status(device string) (string, *ErrorInfo) {
	var lines []string
	res, err := runner.Run("mt", []string{"-f", device, "status"}, runner.Options{
		Timeout: mtTimeout,
		Sink:    func(line string) { lines = append(lines, line) },
	})
	if info := Classify("mt status", res, err); info != nil {
		return strings.Join(lines, "\n"), info
	}
	return strings.Join(lines, "\n"), nil
}

// Erase performs a long erase of the whole tape (mt erase). Destructive,
// can take many hours, and is NOT cancellable: most drives cannot abort a
// long erase without leaving the medium in an undefined state, so no Control
// is accepted and the session refuses cancel requests for this job kind.
func Erase(device string, sink runner.LineSink) *ErrorInfo {
	if sink != nil {
		sink("Erase started (this can take several hours and cannot be aborted).")
	}
	info := runMtErase(device, sink)
	if info == nil && sink != nil {
		sink("Erase completed.")
	}
	return info
}

func runMtErase(device string, sink runner.LineSink) *ErrorInfo {
	res, err := runner.Run("mt", []string{"-f", device, "erase"}, runner.Options{
		Timeout: eraseTimeout,
		Sink:    sink,
	})
	if res.TimedOut {
		return &ErrorInfo{
			Kind:    KindTimeout,
			Message: "mt erase timed out (the drive may still be erasing)",
			RawTail: strings.Join(res.Tail, "\n"),
		}
	}
	return Classify("mt erase", res, err)
}

// DriveReady inspects mt status output for an online, ready medium. It is a
// coarse check: the GNU mt status text carries an ONLINE flag when a tape is
// loaded, and DR_OPEN when the door is open / no medium present.
func DriveReady(statusText string) bool {
	upper := strings.ToUpper(statusText)
	if strings.Contains(upper, "DR_OPEN") {
		return false
	}
	return strings.Contains(upper, "ONLINE")
}
