// Package devices discovers SCSI tape drives and their properties: the
// no-rewind character device nodes under /dev, the SCSI-generic sibling
// needed for LTFS tooling, friendly labels from lsscsi, advisory capacity
// from sg3-utils, and filesystem free space for restore destinations.
//
// Everything here is read-only and degrades gracefully: a missing tool or
// an unreadable sysfs entry yields an absent value, never an error that
// could take down the session.
package devices

// TapeDevice describes one tape drive. Immutable once resolved; the device
// list is re-resolved on every refresh.
type TapeDevice struct {
	Path   string // no-rewind character device, e.g. /dev/nst0
	SgPath string // SCSI-generic sibling, e.g. /dev/sg3; empty if undeterminable
	Label  string // vendor/model from lsscsi, e.g. "HP Ultrium 2-SCSI"; may be empty
}

// DisplayName returns the path, with the label appended when known.
func (d TapeDevice) DisplayName() string {
	if d.Label != "" {
		return d.Path + " — " + d.Label
	}
	return d.Path
}
