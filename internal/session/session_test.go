package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapeback/internal/devices"
	"tapeback/internal/ltfs"
	"tapeback/internal/tape"
)

// stubTools puts shell-script stand-ins on PATH, each logging its argv to
// calls.log before running its body (default: exit 0).
func stubTools(t *testing.T, tools map[string]string) (logPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")
	for name, body := range tools {
		if body == "" {
			body = "exit 0"
		}
		script := fmt.Sprintf("#!/bin/sh\necho \"%s $@\" >> %q\n%s\n", name, logPath, body)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755))
	}
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
	return logPath
}

func loggedCalls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

const readyMt = `if [ "$3" = "status" ]; then
  echo "General status bits on (41010000): BOT ONLINE IM_REP_EN"
fi
exit 0`

// duStub answers du -sb with a small fixed size.
const duStub = `echo "1024	$2"`

// waitFor drains the event stream until match returns true.
func waitFor(t *testing.T, m *Machine, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitFinished(t *testing.T, m *Machine) Job {
	ev := waitFor(t, m, "JobFinished", func(ev Event) bool {
		_, ok := ev.(JobFinished)
		return ok
	})
	return ev.(JobFinished).Job
}

func waitMode(t *testing.T, m *Machine) Mode {
	ev := waitFor(t, m, "ModeDetected", func(ev Event) bool {
		_, ok := ev.(ModeDetected)
		return ok
	})
	return ev.(ModeDetected).Mode
}

// machineWith skips device selection and mode detection, placing the session
// directly in a known state.
func machineWith(dev devices.TapeDevice, mode Mode) *Machine {
	m := NewMachine()
	m.sess.Device = &dev
	m.sess.Mode = mode
	m.sess.CapacityBytes = -1
	return m
}

func modeForbidden(t *testing.T, err error) {
	t.Helper()
	var info *tape.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, tape.KindModeForbidden, info.Kind)
}

func TestRequestJobWithoutDevice(t *testing.T) {
	m := NewMachine()
	assert.ErrorIs(t, m.RequestJob(JobRewind, Params{}), ErrNoDevice)
}

func TestFailedDetectionNeverDefaultsToRaw(t *testing.T) {
	stubTools(t, map[string]string{"mt": "exit 1"})
	dev := filepath.Join(t.TempDir(), "nst0")
	require.NoError(t, os.WriteFile(dev, []byte("data"), 0o600))

	m := NewMachine()
	m.SelectDevice(devices.TapeDevice{Path: dev})
	assert.Equal(t, ModeUnknown, waitMode(t, m))
	assert.Equal(t, StateDeviceSelected, m.Snapshot().State())
}

func TestLtfsModeLocksRawOpsUntilOverride(t *testing.T) {
	stubTools(t, map[string]string{"mt": readyMt})
	dev := filepath.Join(t.TempDir(), "nst0")
	label := make([]byte, 512)
	copy(label, "VOL1")
	copy(label[24:], "LTFS")
	require.NoError(t, os.WriteFile(dev, label, 0o600))

	m := NewMachine()
	m.SelectDevice(devices.TapeDevice{Path: dev})
	require.Equal(t, ModeLTFS, waitMode(t, m))

	modeForbidden(t, m.RequestJob(JobRewind, Params{}))

	m.ExitLTFSMode()
	require.NoError(t, m.RequestJob(JobRewind, Params{}))
	assert.Equal(t, JobSucceeded, waitFinished(t, m).State)
}

func TestFormatLockedOnLtfsTapeUntilOverride(t *testing.T) {
	logPath := stubTools(t, map[string]string{"mkltfs": "", "mt": ""})
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0", SgPath: "/dev/sg0"}, ModeLTFS)

	modeForbidden(t, m.RequestJob(JobFormat, Params{}))
	assert.Empty(t, loggedCalls(t, logPath), "a rejected format must never reach mkltfs")

	m.ExitLTFSMode()
	require.NoError(t, m.RequestJob(JobFormat, Params{}))
	assert.Equal(t, JobFormat, waitFinished(t, m).Kind)
}

func TestBusyRejectionStartsNoSubprocess(t *testing.T) {
	logPath := stubTools(t, map[string]string{
		"mt": "",
		"du": duStub,
		"tar": `sleep 30
exit 0`,
	})
	src := t.TempDir()
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeRaw)

	require.NoError(t, m.RequestJob(JobBackup, Params{Paths: []string{src}}))
	assert.ErrorIs(t, m.RequestJob(JobStatus, Params{}), ErrJobRunning)
	assert.ErrorIs(t, m.RequestJob(JobBackup, Params{Paths: []string{src}}), ErrJobRunning)

	require.NoError(t, m.CancelJob())
	waitFinished(t, m)

	for _, call := range loggedCalls(t, logPath) {
		assert.NotContains(t, call, "status", "the rejected status job must never reach a subprocess")
	}
}

func TestEraseCancellationIsRejected(t *testing.T) {
	stubTools(t, map[string]string{"mt": `if [ "$3" = "erase" ]; then sleep 2; fi
exit 0`})
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeRaw)

	require.NoError(t, m.RequestJob(JobErase, Params{}))
	assert.ErrorIs(t, m.CancelJob(), ErrNotCancellable)

	job := waitFinished(t, m)
	assert.Equal(t, JobSucceeded, job.State, "the refused cancel must not disturb the erase")
}

func TestCancelSignalsRunningSubprocess(t *testing.T) {
	logPath := stubTools(t, map[string]string{
		"mt": "",
		"du": duStub,
		"tar": `sleep 30
exit 0`,
	})
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeRaw)
	require.NoError(t, m.RequestJob(JobBackup, Params{Paths: []string{t.TempDir()}}))

	// Wait for tar to be on the tape before cancelling.
	require.Eventually(t, func() bool {
		for _, call := range loggedCalls(t, logPath) {
			if strings.HasPrefix(call, "tar ") {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	start := time.Now()
	require.NoError(t, m.CancelJob())
	job := waitFinished(t, m)
	assert.Equal(t, JobCancelled, job.State)
	assert.Less(t, time.Since(start), 10*time.Second, "SIGTERM must end the job well before the 30s sleep")
}

func TestBackupThenAppendCountsTwoArchives(t *testing.T) {
	logPath := stubTools(t, map[string]string{"mt": "", "du": duStub, "tar": ""})
	src := t.TempDir()
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeRaw)

	require.NoError(t, m.RequestJob(JobBackup, Params{Paths: []string{src}}))
	require.Equal(t, JobSucceeded, waitFinished(t, m).State)
	m.AcknowledgeJob()

	require.NoError(t, m.RequestJob(JobAppend, Params{Paths: []string{src}}))
	require.Equal(t, JobSucceeded, waitFinished(t, m).State)
	m.AcknowledgeJob()

	assert.Equal(t, 2, m.Snapshot().ArchiveCount)

	rewinds := 0
	for _, call := range loggedCalls(t, logPath) {
		if call == "mt -f /dev/nst0 rewind" {
			rewinds++
		}
	}
	assert.Equal(t, 1, rewinds, "only the initial backup rewinds; append trusts the head position")
}

func TestBackupAppendRestoreCallSequence(t *testing.T) {
	logPath := stubTools(t, map[string]string{"mt": "", "du": duStub, "tar": ""})
	src := t.TempDir()
	dest := t.TempDir()
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeRaw)

	require.NoError(t, m.RequestJob(JobBackup, Params{Paths: []string{src}}))
	require.Equal(t, JobSucceeded, waitFinished(t, m).State)
	m.AcknowledgeJob()

	require.NoError(t, m.RequestJob(JobAppend, Params{Paths: []string{src}}))
	require.Equal(t, JobSucceeded, waitFinished(t, m).State)
	m.AcknowledgeJob()
	require.Equal(t, 2, m.Snapshot().ArchiveCount)

	require.NoError(t, m.RequestJob(JobRestore, Params{Dest: dest, Archive: 1}))
	require.Equal(t, JobSucceeded, waitFinished(t, m).State)

	// Reduce the log to tape positioning and archive operations: the first
	// archive is written after a rewind, the second is appended without
	// one, and restoring archive 1 is a rewind with zero fsf skips before
	// the extract, so it reads back exactly the first archive.
	var seq []string
	for _, call := range loggedCalls(t, logPath) {
		fields := strings.Fields(call)
		switch fields[0] {
		case "mt":
			seq = append(seq, "mt "+fields[3])
		case "tar":
			seq = append(seq, "tar "+fields[1])
		}
	}
	assert.Equal(t, []string{
		"mt rewind",
		"tar -cvf",
		"tar -cvf",
		"mt rewind",
		"tar -xvf",
	}, seq)
}

func TestDeviceSwitchQueuedBehindRunningJob(t *testing.T) {
	stubTools(t, map[string]string{
		"mt": readyMt,
		"du": duStub,
		"tar": `sleep 30
exit 0`,
	})
	second := filepath.Join(t.TempDir(), "nst1")
	require.NoError(t, os.WriteFile(second, []byte("data"), 0o600))

	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeRaw)
	require.NoError(t, m.RequestJob(JobBackup, Params{Paths: []string{t.TempDir()}}))

	m.SelectDevice(devices.TapeDevice{Path: second})
	assert.Equal(t, "/dev/nst0", m.Snapshot().Device.Path,
		"device identity must not change under a live job")

	require.NoError(t, m.CancelJob())
	waitFinished(t, m)

	assert.Equal(t, ModeRaw, waitMode(t, m), "queued switch triggers detection on the new device")
	assert.Equal(t, second, m.Snapshot().Device.Path)
}

func TestDeviceSwitchReleasesLockDuringUnmount(t *testing.T) {
	stubTools(t, map[string]string{
		"mt": "exit 1",
		"fusermount": `sleep 2
exit 0`,
		"umount": `sleep 2
exit 0`,
	})
	point := t.TempDir()
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0", SgPath: "/dev/sg0"}, ModeLTFS)
	m.mount = &ltfs.Mount{Point: point}
	m.sess.LtfsMounted = true

	second := filepath.Join(t.TempDir(), "nst1")
	done := make(chan struct{})
	go func() {
		m.SelectDevice(devices.TapeDevice{Path: second})
		close(done)
	}()

	// The old mount's slow unmount must not hold the session lock: the
	// switched device has to be visible in snapshots long before the
	// unmount subprocess finishes its sleep.
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Device != nil && s.Device.Path == second
	}, time.Second, 20*time.Millisecond)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("device switch never completed")
	}
}

func TestUnknownModeBlocksWritesNotReads(t *testing.T) {
	stubTools(t, map[string]string{"mt": ""})
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeUnknown)

	modeForbidden(t, m.RequestJob(JobErase, Params{}))
	modeForbidden(t, m.RequestJob(JobFormat, Params{}))
	modeForbidden(t, m.RequestJob(JobBackup, Params{Paths: []string{t.TempDir()}}))

	require.NoError(t, m.RequestJob(JobRewind, Params{}))
	assert.Equal(t, JobSucceeded, waitFinished(t, m).State)
}

func TestLtfsJobsRequireLtfsMode(t *testing.T) {
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0", SgPath: "/dev/sg0"}, ModeRaw)
	modeForbidden(t, m.RequestJob(JobMountLTFS, Params{}))
	modeForbidden(t, m.RequestJob(JobLTFSBackup, Params{Paths: []string{t.TempDir()}}))
	modeForbidden(t, m.RequestJob(JobUnmountLTFS, Params{}))
}

func TestCancelWithoutJob(t *testing.T) {
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeRaw)
	assert.ErrorIs(t, m.CancelJob(), ErrNoJob)
}

func TestAcknowledgeClearsTerminalJobOnly(t *testing.T) {
	stubTools(t, map[string]string{"mt": ""})
	m := machineWith(devices.TapeDevice{Path: "/dev/nst0"}, ModeRaw)

	require.NoError(t, m.RequestJob(JobRewind, Params{}))
	waitFinished(t, m)
	require.NotNil(t, m.Snapshot().ActiveJob, "terminal job stays until acknowledged")

	m.AcknowledgeJob()
	assert.Nil(t, m.Snapshot().ActiveJob)
	assert.ErrorIs(t, m.CancelJob(), ErrNoJob)
}

func TestSessionStateDerivation(t *testing.T) {
	var s Session
	assert.Equal(t, StateNoDevice, s.State())

	dev := devices.TapeDevice{Path: "/dev/nst0"}
	s.Device = &dev
	assert.Equal(t, StateDeviceSelected, s.State())

	s.Mode = ModeRaw
	assert.Equal(t, StateModeRaw, s.State())

	s.ActiveJob = &Job{Kind: JobBackup, State: JobRunning}
	assert.Equal(t, StateJobRunning, s.State())

	s.ActiveJob.State = JobSucceeded
	assert.Equal(t, StateModeRaw, s.State())

	s.ActiveJob = nil
	s.Mode = ModeLTFS
	assert.Equal(t, StateModeLTFS, s.State())
}
