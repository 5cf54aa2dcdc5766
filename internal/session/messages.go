package session

import (
	"time"

	"tapeback/internal/devices"
	"tapeback/internal/tape"
)

// Event is one entry in the session's ordered event stream. Events are
// delivered in emission order: a job's log lines and progress updates always
// arrive before its JobFinished. The concrete types below are the full set.
type Event interface{}

// LogLine carries one operator-facing log line (subprocess output or a
// session message).
type LogLine struct {
	Text string
}

// Progress reports transfer progress. Total is -1 when the total is not
// known (restore from tape has no reliable size upfront).
type Progress struct {
	Bytes   int64
	Total   int64
	Elapsed time.Duration
}

// ModeDetected reports the outcome of the tape mode probe for a device.
type ModeDetected struct {
	Device devices.TapeDevice
	Mode   Mode
}

// DevicesLoaded carries a fresh device list.
type DevicesLoaded struct {
	Devices []devices.TapeDevice
}

// CapacityDetected reports the tape capacity query result. Bytes is -1 when
// the capacity could not be determined.
type CapacityDetected struct {
	Device devices.TapeDevice
	Bytes  int64
}

// BrowseListing carries the member list of a browsed archive.
type BrowseListing struct {
	Archive int
	Entries []tape.Entry
}

// JobFinished reports a job reaching a terminal state. Job.Err is set when
// the state is JobFailed or JobCancelled.
type JobFinished struct {
	Job Job
}
