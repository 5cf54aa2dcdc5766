// Package ltfs covers everything LTFS: the read-only mode probe that decides
// whether a tape may be used as a raw tar target, formatting with mkltfs,
// the daemonizing ltfs mount with its grace-period race handling, and the
// rsync backup onto a mounted tape.
package ltfs

import (
	"bytes"
	"errors"
	"io"
	"os"

	"tapeback/internal/devices"
	"tapeback/internal/runner"
	"tapeback/internal/tape"
)

// Detection is the outcome of the tape mode probe.
type Detection int

const (
	// DetectedUnknown: the probe could not positively identify the medium
	// (drive not ready, unreadable first block, tool failure). The session
	// keeps destructive raw operations locked and asks the operator.
	DetectedUnknown Detection = iota
	// DetectedRaw: readable medium without an LTFS volume label.
	DetectedRaw
	// DetectedLTFS: the first block carries an LTFS volume label.
	DetectedLTFS
)

// String returns the operator-facing name.
func (d Detection) String() string {
	switch d {
	case DetectedRaw:
		return "raw"
	case DetectedLTFS:
		return "LTFS"
	default:
		return "unknown"
	}
}

// labelReadSize is large enough for any tape block size an LTFS volume uses
// (the default is 512 KiB); reading with a short buffer fails on
// variable-block drives.
const labelReadSize = 1 << 20

// DetectTape determines whether the loaded tape is LTFS-formatted or usable
// as a raw tar target. The probe is strictly read-only: drive status, then a
// rewind, one block read, and a rewind back. It never writes and never
// mounts. Any ambiguity yields DetectedUnknown, which the session treats as
// "ask the operator" rather than defaulting to raw.
func DetectTape(device devices.TapeDevice, sink runner.LineSink) Detection {
	status, info := tape.Status(device.Path)
	if info != nil || !tape.DriveReady(status) {
		return DetectedUnknown
	}
	if info := tape.Rewind(device.Path, sink); info != nil {
		return DetectedUnknown
	}

	block, err := readFirstBlock(device.Path)
	// Leave the head where the next operation expects it.
	if info := tape.Rewind(device.Path, sink); info != nil {
		return DetectedUnknown
	}

	switch {
	case err == nil && hasLtfsLabel(block):
		return DetectedLTFS
	case err == nil:
		return DetectedRaw
	case errors.Is(err, io.EOF):
		// Immediate file mark: a blank or freshly-erased tape, fine as a
		// raw target.
		return DetectedRaw
	default:
		return DetectedUnknown
	}
}

// readFirstBlock reads one block from the start of the tape.
func readFirstBlock(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, labelReadSize)
	n, err := f.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// hasLtfsLabel reports whether block starts with an ANSI VOL1 volume label
// whose 80-byte record names LTFS as the implementation.
func hasLtfsLabel(block []byte) bool {
	if len(block) < 80 {
		return false
	}
	if !bytes.HasPrefix(block, []byte("VOL1")) {
		return false
	}
	return bytes.Contains(block[:80], []byte("LTFS"))
}
