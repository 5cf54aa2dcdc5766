package ltfs

import (
	"time"

	"tapeback/internal/devices"
	"tapeback/internal/runner"
)

const diagTimeout = 15 * time.Second

// Diagnostics logs what is holding the tape device and what the kernel has
// been saying about it. Run on demand, and automatically after a failed
// format, where "device busy" almost always means a leftover fuse mount or a
// stuck ltfs process. Every step is best-effort; a missing tool just yields
// no output for that section.
func Diagnostics(device devices.TapeDevice, sink runner.LineSink) {
	if sink == nil {
		return
	}
	target := device.SgPath
	if target == "" {
		target = device.Path
	}

	steps := []struct {
		header string
		name   string
		args   []string
	}{
		{"processes holding " + target, "fuser", []string{"-v", target}},
		{"open files on " + target, "lsof", []string{target}},
		{"ltfs/fuse mounts", "sh", []string{"-c", "mount | grep -E 'ltfs|fuse'"}},
		{"recent kernel messages", "sh", []string{"-c", "dmesg | tail -40"}},
	}
	for _, step := range steps {
		sink("--- " + step.header + " ---")
		runner.Run(step.name, step.args, runner.Options{Timeout: diagTimeout, Sink: sink})
	}
}
