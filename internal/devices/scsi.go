package devices

import (
	"os"
	"path/filepath"
	"strings"
)

// sysfsTapeDir is the sysfs class directory for SCSI tape devices.
// Overridable in tests.
var sysfsTapeDir = "/sys/class/scsi_tape"

// NstToSg resolves a no-rewind tape device (e.g. /dev/nst0) to its
// SCSI-generic sibling (e.g. /dev/sg3) via the sysfs "generic" link.
// Returns "" when the path is not an nst node or the link cannot be read;
// LTFS formatting and mounting are unavailable without the sg device.
func NstToSg(device string) string {
	if !strings.HasPrefix(device, "/dev/nst") {
		return ""
	}
	name := filepath.Base(device) // nst0
	target, err := os.Readlink(filepath.Join(sysfsTapeDir, name, "device", "generic"))
	if err != nil {
		return ""
	}
	sg := filepath.Base(target) // sg3
	if !strings.HasPrefix(sg, "sg") {
		return ""
	}
	return "/dev/" + sg
}
