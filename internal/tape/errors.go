// Package tape implements the raw-mode tape executors: mt positioning
// commands (rewind, erase, status, forward-space-file) and the tar pipelines
// that write, list, and extract archives on the sequential device.
//
// All executors run external tools through the runner package and report
// failures as classified ErrorInfo values: the subprocess exit state and the
// captured stderr tail are matched against an ordered rule table, and the
// raw tail always travels with the classified kind so the operator is never
// left with a message that has zero diagnostic content.
package tape

import (
	"errors"
	"fmt"
	"strings"

	"tapeback/internal/runner"
)

// ErrorKind classifies an operation failure for the operator and the UI.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindToolMissing
	KindPermissionDenied
	KindDeviceOffline
	KindModeForbidden
	KindMissingKernelModule
	KindLtfsFormatFailure
	KindLtfsMountFailure
	KindTimeout
	KindCancelled
)

// String returns the stable name used in logs and job summaries.
func (k ErrorKind) String() string {
	switch k {
	case KindToolMissing:
		return "tool missing"
	case KindPermissionDenied:
		return "permission denied"
	case KindDeviceOffline:
		return "device offline or busy"
	case KindModeForbidden:
		return "operation forbidden in current mode"
	case KindMissingKernelModule:
		return "kernel module not loaded"
	case KindLtfsFormatFailure:
		return "LTFS format failure"
	case KindLtfsMountFailure:
		return "LTFS mount failure"
	case KindTimeout:
		return "timed out"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}

// ErrorInfo is the structured failure reported by every executor. RawTail
// carries the most recent subprocess output verbatim.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
	RawTail string
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	if e.RawTail == "" {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String() + ": " + e.Message + "\n" + e.RawTail
}

// classifyRule maps a lowercase substring of the output tail to a kind.
// Rules are evaluated in order; first match wins.
type classifyRule struct {
	substr string
	kind   ErrorKind
}

// The order matters: permission problems often also mention the device, and
// LTFS label complaints must not be swallowed by the generic busy rule.
var classifyRules = []classifyRule{
	{"permission denied", KindPermissionDenied},
	{"operation not permitted", KindPermissionDenied},
	{"cannot read volume", KindLtfsMountFailure},
	{"volume is not formatted", KindLtfsMountFailure},
	{"cannot read label", KindLtfsFormatFailure},
	{"length mismatch", KindLtfsFormatFailure},
	{"device or resource busy", KindDeviceOffline},
	{"no such device", KindDeviceOffline},
	{"no medium found", KindDeviceOffline},
	{"drive is not ready", KindDeviceOffline},
	{"input/output error", KindDeviceOffline},
}

// Classify turns a finished subprocess into an ErrorInfo, or nil when the
// run succeeded. startErr is the error from launching the tool, if any.
func Classify(tool string, res runner.Result, startErr error) *ErrorInfo {
	if startErr != nil {
		if errors.Is(startErr, runner.ErrStartFailed) {
			return &ErrorInfo{
				Kind:    KindToolMissing,
				Message: tool + " not found (install it and retry)",
			}
		}
		return &ErrorInfo{Kind: KindUnknown, Message: startErr.Error()}
	}
	tail := strings.Join(res.Tail, "\n")
	switch {
	case res.Cancelled:
		return &ErrorInfo{Kind: KindCancelled, Message: tool + " cancelled by operator", RawTail: tail}
	case res.TimedOut:
		return &ErrorInfo{Kind: KindTimeout, Message: tool + " timed out", RawTail: tail}
	case res.ExitCode == 0:
		return nil
	}

	msg := fmt.Sprintf("%s failed (exit %d)", tool, res.ExitCode)
	lower := strings.ToLower(tail)
	for _, rule := range classifyRules {
		if strings.Contains(lower, rule.substr) {
			return &ErrorInfo{Kind: rule.kind, Message: msg, RawTail: tail}
		}
	}
	return &ErrorInfo{Kind: KindUnknown, Message: msg, RawTail: tail}
}
