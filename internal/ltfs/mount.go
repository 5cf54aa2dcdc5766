package ltfs

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tapeback/internal/devices"
	"tapeback/internal/runner"
	"tapeback/internal/tape"
)

// Mount grace handling. The ltfs tool commonly daemonizes: the parent exits
// as soon as the mount is established, which by exit status alone looks
// exactly like an immediate failure. The mount point check is therefore the
// only trustworthy success signal, polled until the grace period runs out.
const (
	MountGrace = 30 * time.Second
	MountPoll  = 500 * time.Millisecond
)

// mountDirPrefix marks this application's temporary LTFS mount points under
// os.TempDir, so leftover mounts from a crashed run can be recognized.
const mountDirPrefix = "ltfs_tape_"

const unmountTimeout = 10 * time.Second

// mountCheck is the mounted-filesystem probe; a variable so tests can
// exercise the grace logic without a real fuse mount.
var mountCheck = IsMountPoint

// Mount is an established LTFS mount. The ltfs process may or may not still
// be running (foreground vs daemonized); Unmount handles both.
type Mount struct {
	Point string
	cmd   *runner.Command
}

// MountTape mounts the tape at a fresh temporary mount point and waits for
// the filesystem to appear. On any failure the mount point directory is
// removed and the ltfs process is terminated; the error carries the ltfs
// stderr tail.
func MountTape(device devices.TapeDevice, sink runner.LineSink) (*Mount, *tape.ErrorInfo) {
	if device.SgPath == "" {
		return nil, &tape.ErrorInfo{
			Kind:    tape.KindToolMissing,
			Message: "cannot resolve " + device.Path + " to a SCSI generic device; the LTFS mount requires the sg device",
		}
	}
	SweepLeftoverMounts(sink)

	point, err := os.MkdirTemp("", mountDirPrefix)
	if err != nil {
		return nil, &tape.ErrorInfo{Kind: tape.KindUnknown, Message: "cannot create mount point: " + err.Error()}
	}
	if sink != nil {
		sink("Mounting LTFS at " + point)
	}

	cmd, startErr := runner.Start("ltfs", []string{"-o", "devname=" + device.SgPath, point}, runner.Options{Sink: sink})
	if startErr != nil {
		os.Remove(point)
		return nil, tape.Classify("ltfs", runner.Result{}, startErr)
	}

	switch cmd.AwaitCondition(func() bool { return mountCheck(point) }, MountGrace, MountPoll) {
	case runner.ConditionMet:
		if sink != nil {
			sink("LTFS mounted at " + point)
		}
		return &Mount{Point: point, cmd: cmd}, nil
	case runner.ExitedEarly:
		tail := cmd.TailSnapshot()
		os.Remove(point)
		return nil, mountFailure("LTFS mount failed (ltfs exited early)", tail)
	default: // runner.GraceExpired
		tail := cmd.TailSnapshot()
		cmd.Cancel()
		unmountPoint(point, nil)
		os.Remove(point)
		return nil, mountFailure("LTFS mount timed out", tail)
	}
}

func mountFailure(msg string, tail []string) *tape.ErrorInfo {
	raw := strings.Join(tail, "\n")
	if raw == "" {
		raw = "(no output from ltfs)"
	}
	return &tape.ErrorInfo{Kind: tape.KindLtfsMountFailure, Message: msg, RawTail: raw}
}

// Unmount releases the mount: fusermount -u with a umount fallback,
// termination of a still-running ltfs process, and removal of the mount
// directory. Best-effort on every step; failures are logged, never raised,
// because Unmount runs on error paths and at shutdown.
func (m *Mount) Unmount(sink runner.LineSink) {
	if m == nil || m.Point == "" {
		return
	}
	if sink != nil {
		sink("Unmounting LTFS: " + m.Point)
	}
	unmountPoint(m.Point, sink)
	if m.cmd != nil && !m.cmd.Exited() {
		m.cmd.Cancel()
		m.cmd.Wait()
	}
	if !IsMountPoint(m.Point) {
		os.Remove(m.Point)
	}
}

// unmountPoint tries fusermount -u first (the fuse-native path), then plain
// umount for systems without it.
func unmountPoint(point string, sink runner.LineSink) {
	for _, tool := range [][]string{{"fusermount", "-u", point}, {"umount", point}} {
		res, err := runner.Run(tool[0], tool[1:], runner.Options{Timeout: unmountTimeout, Sink: sink})
		if err == nil && res.ExitCode == 0 {
			return
		}
	}
}

// SweepLeftoverMounts unmounts and removes stale mount points left under
// the temp dir by a crashed run. Returns the number of mounts cleaned up.
func SweepLeftoverMounts(sink runner.LineSink) int {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), mountDirPrefix) {
			continue
		}
		path := filepath.Join(os.TempDir(), entry.Name())
		if IsMountPoint(path) {
			if sink != nil {
				sink("Unmounting leftover LTFS mount: " + path)
			}
			unmountPoint(path, sink)
		}
		if !IsMountPoint(path) {
			if os.Remove(path) == nil {
				count++
			}
		}
	}
	return count
}

// IsMountPoint reports whether path is a filesystem mount point, by
// comparing its device ID with its parent's.
func IsMountPoint(path string) bool {
	var st, parent syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return false
	}
	if err := syscall.Stat(filepath.Dir(path), &parent); err != nil {
		return false
	}
	return st.Dev != parent.Dev
}
