// Package runner provides subprocess execution for the external tape tools.
//
// Every tape operation in this application is a pipeline over external
// commands (mt, tar, mkltfs, ltfs, rsync, sg_logs, ...). This package owns
// the one way those commands are run:
//   - Combined stdout+stderr is streamed to a line sink as it arrives, so the
//     operator log shows live tool output rather than a post-mortem dump.
//   - A bounded tail of the most recent output lines is retained for error
//     classification after the process exits.
//   - Processes run in their own process group so cancellation reaches
//     forked children (tar and rsync both fork), with a SIGTERM then SIGKILL
//     escalation after a grace period.
//   - An optional timeout bounds tools that can wedge against a hung drive.
package runner

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Default limits. Tape tools are slow but chatty; 30 lines of tail is enough
// to carry the interesting part of mkltfs/ltfs stderr into an error message.
const (
	DefaultTailLines = 30
	DefaultKillGrace = 10 * time.Second
)

// ErrStartFailed wraps a failure to launch the tool at all (missing binary,
// permission denied on the executable). Callers classify this as ToolMissing.
var ErrStartFailed = errors.New("command failed to start")

// LineSink receives one line of combined subprocess output, in emission
// order, synchronously from the reader goroutine.
type LineSink func(line string)

// Options control a single subprocess run.
type Options struct {
	Timeout   time.Duration // kill the process group after this long; 0 = no timeout
	KillGrace time.Duration // SIGTERM to SIGKILL escalation delay; 0 = DefaultKillGrace
	TailLines int           // bounded tail size; 0 = DefaultTailLines
	Sink      LineSink      // optional live output sink
}

// Result is the structured outcome of a finished subprocess.
type Result struct {
	ExitCode  int           // process exit code; -1 if it was killed
	TimedOut  bool          // true when the timeout killed the process
	Cancelled bool          // true when Cancel killed the process
	Tail      []string      // most recent output lines, oldest first
	Duration  time.Duration // wall time from start to exit
}

// Command is a started subprocess. One goroutine pumps its combined output
// to the sink and the tail buffer, another reaps the process as soon as it
// exits; Wait joins both.
type Command struct {
	cmd     *exec.Cmd
	opts    Options
	started time.Time

	linesDone chan struct{}
	waitDone  chan struct{}
	waitErr   error

	mu        sync.Mutex
	tail      []string
	timedOut  bool
	cancelled bool

	cancelOnce sync.Once
	timer      *time.Timer
}

// Start launches name with args in a new process group and begins streaming
// its combined output. Returns ErrStartFailed (wrapped) if the process could
// not be launched.
func Start(name string, args []string, opts Options) (*Command, error) {
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, errors.Join(ErrStartFailed, err)
	}
	// Parent keeps only the read end; the child holds the write end open
	// until it (and its children) exit.
	pw.Close()

	c := &Command{
		cmd:       cmd,
		opts:      opts,
		started:   time.Now(),
		linesDone: make(chan struct{}),
		waitDone:  make(chan struct{}),
	}

	if opts.Timeout > 0 {
		c.timer = time.AfterFunc(opts.Timeout, func() {
			if c.Exited() {
				// Clean exit at the deadline is not a timeout.
				return
			}
			c.mu.Lock()
			c.timedOut = true
			c.mu.Unlock()
			c.killGroup()
		})
	}

	go c.pumpLines(pr)

	// Reap immediately on exit so Exited() sees daemonizing tools (ltfs
	// forks and the parent exits at once) without anyone calling Wait yet.
	go func() {
		c.waitErr = cmd.Wait()
		close(c.waitDone)
	}()

	return c, nil
}

// pumpLines reads combined output line by line until EOF, forwarding each
// line to the sink and appending it to the bounded tail.
func (c *Command) pumpLines(pr *os.File) {
	defer close(c.linesDone)
	defer pr.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanCRorLF)
	for scanner.Scan() {
		line := scanner.Text()
		if c.opts.Sink != nil {
			c.opts.Sink(line)
		}
		c.mu.Lock()
		c.tail = append(c.tail, line)
		if len(c.tail) > c.opts.TailLines {
			c.tail = c.tail[1:]
		}
		c.mu.Unlock()
	}
}

// scanCRorLF splits on \n like bufio.ScanLines but also on bare \r, which
// rsync uses to redraw its progress line. Each redraw becomes its own line.
func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			// Swallow a \r\n pair as one terminator.
			if b == '\r' && i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			if b == '\r' && i+1 == len(data) && !atEOF {
				// Can't tell yet whether \n follows.
				return 0, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Cancel requests termination: SIGTERM to the whole process group now,
// SIGKILL after the kill grace period if the process is still alive.
// Safe to call more than once and after exit.
func (c *Command) Cancel() {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		c.cancelled = true
		c.mu.Unlock()
		c.signalGroup(syscall.SIGTERM)
		time.AfterFunc(c.opts.KillGrace, c.killGroup)
	})
}

func (c *Command) signalGroup(sig syscall.Signal) {
	if c.cmd.Process == nil {
		return
	}
	select {
	case <-c.waitDone:
		return // already reaped; the pgid may have been reused
	default:
	}
	// Negative pid targets the process group created by Setpgid.
	syscall.Kill(-c.cmd.Process.Pid, sig)
}

func (c *Command) killGroup() {
	c.signalGroup(syscall.SIGKILL)
}

// TailSnapshot returns a copy of the current bounded tail. Usable while the
// process is still running (the mount manager reads it on failure paths).
func (c *Command) TailSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.tail))
	copy(out, c.tail)
	return out
}

// Exited reports whether the process has exited.
func (c *Command) Exited() bool {
	select {
	case <-c.waitDone:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits and all output has been consumed,
// then returns the structured result. The exit code is -1 when the process
// was killed (timeout or cancel).
func (c *Command) Wait() Result {
	<-c.waitDone
	<-c.linesDone
	if c.timer != nil {
		c.timer.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{
		ExitCode:  0,
		TimedOut:  c.timedOut,
		Cancelled: c.cancelled,
		Tail:      c.tail,
		Duration:  time.Since(c.started),
	}
	if c.waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(c.waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res
}

// Run launches the command and waits for it, the common case for the mt and
// tar pipelines. The returned error is non-nil only when the process could
// not be started; a nonzero exit is reported through the Result so callers
// can classify it against the captured tail.
func Run(name string, args []string, opts Options) (Result, error) {
	c, err := Start(name, args, opts)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return c.Wait(), nil
}

// AwaitOutcome is the result of AwaitCondition.
type AwaitOutcome int

const (
	// ConditionMet: the condition became true; the process may still be
	// running (ltfs in foreground) or may have exited (ltfs daemonized).
	ConditionMet AwaitOutcome = iota
	// ExitedEarly: the process exited before the condition became true.
	ExitedEarly
	// GraceExpired: the process is still running but the condition never
	// became true within the grace period.
	GraceExpired
)

// AwaitCondition polls cond every poll interval for up to grace. This is the
// "early parent-exit may still be success" mode needed for the daemonizing
// ltfs mount: exit status alone cannot distinguish an established mount from
// an immediate failure, so the mount point check is authoritative.
func (c *Command) AwaitCondition(cond func() bool, grace, poll time.Duration) AwaitOutcome {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if cond() {
			return ConditionMet
		}
		if c.Exited() {
			// One more look: the mount can appear in the instant the
			// parent hands off to the daemonized child.
			if cond() {
				return ConditionMet
			}
			return ExitedEarly
		}
		time.Sleep(poll)
	}
	if cond() {
		return ConditionMet
	}
	return GraceExpired
}
