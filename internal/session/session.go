// Package session owns the authoritative tape session: the selected device,
// the detected tape mode, the archive count, and the single live job. All
// state mutation funnels through the Machine, which validates every request
// against the current state before dispatching an executor, so the mode
// gating and one-job-at-a-time invariants are enforced in exactly one place.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tapeback/internal/devices"
	"tapeback/internal/ltfs"
	"tapeback/internal/runner"
	"tapeback/internal/tape"
)

// Mode is the session's view of what is on the loaded tape.
type Mode int

const (
	// ModeUnknown: the probe could not confirm the tape format. Destructive
	// raw operations stay locked; the operator decides how to proceed.
	ModeUnknown Mode = iota
	// ModeRaw: the tape is a raw tar target.
	ModeRaw
	// ModeLTFS: the tape carries an LTFS volume; raw operations are locked.
	ModeLTFS
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeLTFS:
		return "LTFS"
	default:
		return "unknown"
	}
}

// State is the coarse machine state, derived from the session fields.
type State int

const (
	StateNoDevice State = iota
	StateDeviceSelected // device chosen, mode not yet determined
	StateModeRaw
	StateModeLTFS
	StateJobRunning
)

// Session is a snapshot of the live session state.
type Session struct {
	Device        *devices.TapeDevice
	Mode          Mode
	RawOverride   bool  // "exit LTFS mode": raw ops unlocked by the operator
	ArchiveCount  int   // archives written to the tape this session
	CapacityBytes int64 // last capacity query result; -1 when unknown
	LtfsMounted   bool
	ActiveJob     *Job // live or unacknowledged terminal job
}

// State derives the coarse state.
func (s Session) State() State {
	switch {
	case s.Device == nil:
		return StateNoDevice
	case s.ActiveJob != nil && !s.ActiveJob.Terminal():
		return StateJobRunning
	case s.Mode == ModeRaw:
		return StateModeRaw
	case s.Mode == ModeLTFS:
		return StateModeLTFS
	default:
		return StateDeviceSelected
	}
}

// Request rejections that are states of the session rather than tool
// failures.
var (
	ErrNoDevice       = errors.New("no tape device selected")
	ErrJobRunning     = errors.New("another operation is already running")
	ErrNoJob          = errors.New("no operation is running")
	ErrNotCancellable = errors.New("this operation cannot be aborted once started")
)

// DefaultCapacityLimit is the backup size safety limit when the operator has
// not configured one: LTO-9 native capacity.
const DefaultCapacityLimit int64 = 18000 * 1000 * 1000 * 1000

// Machine is the session state machine. One Machine exists per run of the
// application; executors run on background goroutines and report back
// through the Machine, which is the only writer of the session state.
type Machine struct {
	mu            sync.Mutex
	sess          Session
	handle        *jobHandle
	mount         *ltfs.Mount
	pendingDevice *devices.TapeDevice // device switch queued behind the live job
	maxTapeBytes  int64

	events chan Event
}

// NewMachine returns an empty session machine.
func NewMachine() *Machine {
	return &Machine{
		sess:         Session{CapacityBytes: -1},
		maxTapeBytes: DefaultCapacityLimit,
		events:       make(chan Event, 1024),
	}
}

// Events is the ordered event stream consumed by the UI.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// Snapshot returns a copy of the current session state for display.
func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s.Device != nil {
		d := *s.Device
		s.Device = &d
	}
	if s.ActiveJob != nil {
		j := *s.ActiveJob
		s.ActiveJob = &j
	}
	return s
}

// SetCapacityLimit sets the backup size safety limit in bytes; 0 disables
// the check.
func (m *Machine) SetCapacityLimit(bytes int64) {
	m.mu.Lock()
	m.maxTapeBytes = bytes
	m.mu.Unlock()
}

func (m *Machine) capacityLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTapeBytes
}

func (m *Machine) emit(ev Event) {
	m.events <- ev
}

func (m *Machine) sink() runner.LineSink {
	return func(line string) { m.emit(LogLine{Text: line}) }
}

func (m *Machine) logf(format string, args ...interface{}) {
	m.emit(LogLine{Text: fmt.Sprintf(format, args...)})
}

// RefreshDevices re-enumerates tape devices and publishes the list.
func (m *Machine) RefreshDevices() []devices.TapeDevice {
	list := devices.ListDevices()
	m.emit(DevicesLoaded{Devices: list})
	return list
}

// SelectDevice makes d the session's device and starts mode detection. While
// a job is live the switch is queued and applied once the job finishes: the
// device identity never changes under a running job.
func (m *Machine) SelectDevice(d devices.TapeDevice) {
	m.mu.Lock()
	if m.runningLocked() {
		dev := d
		m.pendingDevice = &dev
		m.mu.Unlock()
		m.logf("Device switch to %s queued until the current operation finishes.", d.Path)
		return
	}
	mount := m.applyDeviceLocked(d)
	m.mu.Unlock()
	m.finishSwitch(d, mount)
}

func (m *Machine) runningLocked() bool {
	return m.sess.ActiveJob != nil && !m.sess.ActiveJob.Terminal()
}

// applyDeviceLocked resets the session around the new device and hands any
// live LTFS mount back to the caller, which must release it after dropping
// mu: the unmount runs subprocesses and must never stall Snapshot. Caller
// holds mu and has verified no job is live.
func (m *Machine) applyDeviceLocked(d devices.TapeDevice) *ltfs.Mount {
	mount := m.mount
	m.mount = nil
	dev := d
	m.sess = Session{Device: &dev, CapacityBytes: -1}
	return mount
}

// finishSwitch completes a device switch outside the lock: releases the old
// device's mount, announces the selection, and starts mode detection.
func (m *Machine) finishSwitch(d devices.TapeDevice, mount *ltfs.Mount) {
	mount.Unmount(m.sink())
	m.logf("Selected tape device %s", d.DisplayName())
	go m.detectMode(d)
}

// detectMode probes the tape and publishes the result. A stale result (the
// operator switched devices meanwhile) is discarded.
func (m *Machine) detectMode(dev devices.TapeDevice) {
	m.logf("Checking tape format on %s…", dev.Path)
	mode := ModeUnknown
	switch ltfs.DetectTape(dev, nil) {
	case ltfs.DetectedRaw:
		mode = ModeRaw
	case ltfs.DetectedLTFS:
		mode = ModeLTFS
	}

	m.mu.Lock()
	if m.sess.Device == nil || m.sess.Device.Path != dev.Path {
		m.mu.Unlock()
		return
	}
	m.sess.Mode = mode
	m.mu.Unlock()

	switch mode {
	case ModeLTFS:
		m.logf("Tape is LTFS-formatted; raw operations are locked.")
	case ModeRaw:
		m.logf("Tape is usable as a raw tar target.")
	default:
		m.logf("Tape format could not be determined; destructive operations stay locked.")
	}
	m.emit(ModeDetected{Device: dev, Mode: mode})
}

// ExitLTFSMode unlocks raw operations without re-probing the tape. The
// operator takes responsibility for the consequences; the override is
// cleared on the next device switch or successful format.
func (m *Machine) ExitLTFSMode() {
	m.mu.Lock()
	m.sess.RawOverride = true
	m.mu.Unlock()
	m.logf("Raw tape operations unlocked by operator override.")
}

// RequestJob validates kind against the current state and, if accepted,
// dispatches the matching executor on a background goroutine. Rejections
// happen before any subprocess is started: ErrJobRunning / ErrNoDevice for
// session-shape problems, a *tape.ErrorInfo with KindModeForbidden for mode
// gating.
func (m *Machine) RequestJob(kind JobKind, p Params) error {
	m.mu.Lock()
	if m.runningLocked() {
		m.mu.Unlock()
		return ErrJobRunning
	}
	if m.sess.Device == nil {
		m.mu.Unlock()
		return ErrNoDevice
	}
	if info := m.gateLocked(kind); info != nil {
		m.mu.Unlock()
		return info
	}

	job := &Job{Kind: kind, State: JobRunning, StartedAt: time.Now()}
	m.sess.ActiveJob = job
	m.handle = &jobHandle{}
	dev := *m.sess.Device
	handle := m.handle
	m.mu.Unlock()

	m.logf("Starting %s…", kind)
	go m.runJob(dev, job, p, handle)
	return nil
}

// gateLocked applies the mode gating rules. Caller holds mu.
func (m *Machine) gateLocked(kind JobKind) *tape.ErrorInfo {
	mode, override := m.sess.Mode, m.sess.RawOverride
	forbid := func(msg string) *tape.ErrorInfo {
		return &tape.ErrorInfo{Kind: tape.KindModeForbidden, Message: msg}
	}
	switch {
	case kind.rawOnly() && m.sess.LtfsMounted:
		return forbid(fmt.Sprintf("%s needs the raw device; unmount the LTFS filesystem first", kind))
	case kind.rawOnly() && mode == ModeLTFS && !override:
		return forbid(fmt.Sprintf("%s would damage the LTFS volume on this tape (use the exit-LTFS-mode override to force raw access)", kind))
	case kind.destructive() && mode == ModeUnknown && !override:
		return forbid(fmt.Sprintf("tape format is unknown; refusing %s until the format is determined", kind))
	case (kind == JobLTFSBackup || kind == JobMountLTFS) && mode != ModeLTFS:
		return forbid(fmt.Sprintf("%s requires an LTFS-formatted tape (format it first)", kind))
	case kind == JobMountLTFS && m.sess.LtfsMounted:
		return forbid("the tape is already mounted")
	case kind == JobUnmountLTFS && !m.sess.LtfsMounted:
		return forbid("no LTFS mount is active")
	}
	return nil
}

// CancelJob requests cancellation of the live job. Erase is refused: the
// drive cannot abort a long erase safely. For every other kind the current
// subprocess group receives SIGTERM, escalating to SIGKILL after the grace
// period.
func (m *Machine) CancelJob() error {
	m.mu.Lock()
	job := m.sess.ActiveJob
	if job == nil || job.Terminal() {
		m.mu.Unlock()
		return ErrNoJob
	}
	if !job.Kind.Cancellable() {
		m.mu.Unlock()
		return ErrNotCancellable
	}
	kind := job.Kind
	handle := m.handle
	m.mu.Unlock()

	m.logf("Cancelling %s…", kind)
	if handle != nil {
		handle.cancel()
	}
	return nil
}

// AcknowledgeJob drops a terminal job from the session. A live job is left
// untouched.
func (m *Machine) AcknowledgeJob() {
	m.mu.Lock()
	if m.sess.ActiveJob != nil && m.sess.ActiveJob.Terminal() {
		m.sess.ActiveJob = nil
	}
	m.mu.Unlock()
}

// Shutdown tears the session down: cancels a live cancellable job and
// force-unmounts a live LTFS mount. Best-effort; errors are logged, never
// raised.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	handle := m.handle
	var kind JobKind
	cancellable := false
	if m.runningLocked() {
		kind = m.sess.ActiveJob.Kind
		cancellable = kind.Cancellable()
	}
	mount := m.mount
	m.mount = nil
	m.sess.LtfsMounted = false
	m.mu.Unlock()

	if cancellable && handle != nil {
		m.logf("Shutting down: cancelling %s…", kind)
		handle.cancel()
	}
	mount.Unmount(m.sink())
}

// runJob executes one accepted job and folds the outcome back into the
// session. Runs on its own goroutine; the Machine lock is only taken for
// the final state transition.
func (m *Machine) runJob(dev devices.TapeDevice, job *Job, p Params, handle *jobHandle) {
	sink := m.sink()
	progress := func(bytes, total int64, elapsed time.Duration) {
		m.emit(Progress{Bytes: bytes, Total: total, Elapsed: elapsed})
	}

	var info *tape.ErrorInfo
	var entries []tape.Entry
	var mount *ltfs.Mount

	switch job.Kind {
	case JobRewind:
		info = tape.Rewind(dev.Path, sink)
	case JobErase:
		info = tape.Erase(dev.Path, sink)
	case JobStatus:
		text, sInfo := tape.Status(dev.Path)
		for _, line := range strings.Split(text, "\n") {
			if line != "" {
				sink(line)
			}
		}
		info = sInfo
	case JobQuery:
		bytes := devices.QueryCapacityBytes(dev)
		if bytes < 0 {
			sink("Tape capacity could not be determined (sg3-utils missing or unsupported drive).")
		} else {
			sink(fmt.Sprintf("Tape capacity: %d GB", bytes/1_000_000_000))
		}
		m.mu.Lock()
		m.sess.CapacityBytes = bytes
		m.mu.Unlock()
		m.emit(CapacityDetected{Device: dev, Bytes: bytes})
	case JobDiagnostics:
		ltfs.Diagnostics(dev, sink)
	case JobFormat:
		info = ltfs.Format(dev, sink)
		if info != nil && info.Kind != tape.KindMissingKernelModule {
			sink("Collecting diagnostics after failed format:")
			ltfs.Diagnostics(dev, sink)
		}
	case JobBackup, JobAppend:
		info = tape.RunBackup(dev.Path, p.Paths, tape.BackupOptions{
			Gzip:         p.Gzip,
			Append:       job.Kind == JobAppend,
			MaxTapeBytes: m.capacityLimit(),
			Sink:         sink,
			Progress:     progress,
		}, handle)
	case JobRestore:
		if free := devices.FreeSpaceBytes(p.Dest); free >= 0 {
			sink(fmt.Sprintf("Destination free space: %d GB", free/1_000_000_000))
		}
		info = tape.RunRestore(dev.Path, p.Dest, p.Archive, tape.RestoreOptions{
			Gzip:     p.Gzip,
			Sink:     sink,
			Progress: progress,
		}, handle)
	case JobBrowse:
		entries, info = tape.ListContents(dev.Path, p.Archive, tape.BrowseOptions{
			Gzip: p.Gzip,
			Sink: sink,
		}, handle)
	case JobLTFSBackup:
		info = ltfs.RunRsyncBackup(dev, p.Paths, ltfs.RsyncOptions{
			Sink:     sink,
			Progress: progress,
		}, handle)
	case JobMountLTFS:
		mount, info = ltfs.MountTape(dev, sink)
	case JobUnmountLTFS:
		m.mu.Lock()
		active := m.mount
		m.mount = nil
		m.mu.Unlock()
		active.Unmount(sink)
	}

	m.finishJob(job, p, info, entries, mount)
}

// finishJob records the terminal state, applies the success side effects,
// publishes the completion event, and applies a queued device switch.
func (m *Machine) finishJob(job *Job, p Params, info *tape.ErrorInfo, entries []tape.Entry, mount *ltfs.Mount) {
	m.mu.Lock()
	job.FinishedAt = time.Now()
	job.Err = info
	switch {
	case info == nil:
		job.State = JobSucceeded
	case info.Kind == tape.KindCancelled:
		job.State = JobCancelled
	default:
		job.State = JobFailed
	}

	if info == nil {
		switch job.Kind {
		case JobBackup, JobAppend:
			m.sess.ArchiveCount++
		case JobErase:
			m.sess.ArchiveCount = 0
			m.sess.Mode = ModeRaw
		case JobFormat:
			m.sess.Mode = ModeLTFS
			m.sess.RawOverride = false
			m.sess.ArchiveCount = 0
		case JobMountLTFS:
			m.mount = mount
			m.sess.LtfsMounted = true
		case JobUnmountLTFS:
			m.sess.LtfsMounted = false
		}
	}
	m.handle = nil
	pending := m.pendingDevice
	m.pendingDevice = nil
	finished := *job
	m.mu.Unlock()

	if entries != nil {
		m.emit(BrowseListing{Archive: p.Archive, Entries: entries})
	}
	if info != nil {
		m.logf("%s %s: %s", finished.Kind, finished.State, info.Message)
	} else {
		m.logf("%s completed.", finished.Kind)
	}
	m.emit(JobFinished{Job: finished})

	if pending != nil {
		m.logf("Applying queued device switch to %s", pending.Path)
		m.mu.Lock()
		mount := m.applyDeviceLocked(*pending)
		m.mu.Unlock()
		m.finishSwitch(*pending, mount)
	}
}

// jobHandle is the cancellation conduit between the Machine and a running
// executor. Executors register their current subprocess; the Machine signals
// it on cancel. Registering after a cancel kills the new subprocess
// immediately, so a multi-step pipeline cannot outrun a cancel request.
type jobHandle struct {
	mu        sync.Mutex
	cmd       *runner.Command
	cancelled bool
}

func (h *jobHandle) Register(cmd *runner.Command) {
	h.mu.Lock()
	h.cmd = cmd
	cancelled := h.cancelled
	h.mu.Unlock()
	if cancelled {
		cmd.Cancel()
	}
}

func (h *jobHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *jobHandle) cancel() {
	h.mu.Lock()
	h.cancelled = true
	cmd := h.cmd
	h.mu.Unlock()
	if cmd != nil {
		cmd.Cancel()
	}
}
