package session

import (
	"time"

	"tapeback/internal/tape"
)

// JobKind identifies one tape operation.
type JobKind int

const (
	JobRewind JobKind = iota
	JobErase
	JobQuery
	JobStatus
	JobFormat
	JobBackup
	JobAppend
	JobRestore
	JobBrowse
	JobLTFSBackup
	JobMountLTFS
	JobUnmountLTFS
	JobDiagnostics
)

// String returns the operator-facing name.
func (k JobKind) String() string {
	switch k {
	case JobRewind:
		return "rewind"
	case JobErase:
		return "erase"
	case JobQuery:
		return "capacity query"
	case JobStatus:
		return "tape status"
	case JobFormat:
		return "LTFS format"
	case JobBackup:
		return "backup"
	case JobAppend:
		return "append backup"
	case JobRestore:
		return "restore"
	case JobBrowse:
		return "browse"
	case JobLTFSBackup:
		return "LTFS backup"
	case JobMountLTFS:
		return "LTFS mount"
	case JobUnmountLTFS:
		return "LTFS unmount"
	case JobDiagnostics:
		return "diagnostics"
	default:
		return "unknown"
	}
}

// Cancellable reports whether a running job of this kind may be cancelled.
// A long erase cannot be aborted: most drives leave the medium in an
// undefined state when an erase is interrupted, so the session refuses the
// cancel request instead of signalling the process.
func (k JobKind) Cancellable() bool {
	return k != JobErase
}

// rawOnly kinds address the tape medium directly. They would overwrite or
// misread an LTFS volume, so they are locked while the mode is LTFS. Format
// belongs here too: reformatting an LTFS tape destroys it just as surely as
// an erase does.
func (k JobKind) rawOnly() bool {
	switch k {
	case JobRewind, JobErase, JobFormat, JobBackup, JobAppend, JobRestore, JobBrowse:
		return true
	}
	return false
}

// destructive kinds write to the medium. These stay locked while the mode
// is still unknown, so an unrecognized tape is never overwritten by
// accident.
func (k JobKind) destructive() bool {
	switch k {
	case JobErase, JobFormat, JobBackup, JobAppend:
		return true
	}
	return false
}

// JobState is a job's lifecycle state.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job is one accepted operation. At most one job is live per session; it
// stays attached to the session as its terminal record until the UI
// acknowledges it.
type Job struct {
	Kind       JobKind
	State      JobState
	StartedAt  time.Time
	FinishedAt time.Time
	Err        *tape.ErrorInfo
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	switch j.State {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Params carries the per-job inputs. Unused fields are ignored by kinds
// that do not need them.
type Params struct {
	Paths   []string // source directories for backup / LTFS backup
	Dest    string   // destination directory for restore
	Archive int      // 1-based archive index for restore / browse
	Gzip    bool     // compress the tar stream (raw backup/restore/browse)
}
