package ltfs

import (
	"os"
	"time"

	"tapeback/internal/devices"
	"tapeback/internal/runner"
	"tapeback/internal/tape"
)

// Overridable in tests; the real paths describe a loaded fuse module.
var (
	fuseModuleDir = "/sys/module/fuse"
	formatTimeout = time.Hour
	formatTool    = "mkltfs"
)

// FuseModuleLoaded reports whether the kernel fuse module is available.
// mkltfs and ltfs both fail obscurely without it, so the format executor
// probes first and fails fast.
func FuseModuleLoaded() bool {
	fi, err := os.Stat(fuseModuleDir)
	return err == nil && fi.IsDir()
}

// Format formats the tape for LTFS with mkltfs. The SCSI-generic device is
// required; formatting is forced (-f) to tolerate drive firmware quirks that
// produce spurious "length mismatch" / "cannot read label" failures on
// otherwise healthy media. The tape is rewound after a successful format.
func Format(device devices.TapeDevice, sink runner.LineSink) *tape.ErrorInfo {
	if !FuseModuleLoaded() {
		return &tape.ErrorInfo{
			Kind:    tape.KindMissingKernelModule,
			Message: "fuse kernel module is not loaded (try: sudo modprobe fuse)",
		}
	}
	if device.SgPath == "" {
		return &tape.ErrorInfo{
			Kind:    tape.KindToolMissing,
			Message: "cannot resolve " + device.Path + " to a SCSI generic device; LTFS formatting requires the sg device (is lsscsi/sysfs sg mapping available?)",
		}
	}

	if sink != nil {
		sink("Formatting tape for LTFS (device: " + device.SgPath + ")…")
	}
	res, err := runner.Run(formatTool, []string{"-d", device.SgPath, "-f"}, runner.Options{
		Timeout: formatTimeout,
		Sink:    sink,
	})
	if info := tape.Classify(formatTool, res, err); info != nil {
		if info.Kind == tape.KindUnknown {
			info.Kind = tape.KindLtfsFormatFailure
		}
		return info
	}

	if sink != nil {
		sink("Rewinding tape…")
	}
	if info := tape.Rewind(device.Path, sink); info != nil {
		return info
	}
	if sink != nil {
		sink("LTFS format completed.")
	}
	return nil
}
