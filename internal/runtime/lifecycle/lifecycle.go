// Package lifecycle names why the application stopped.
package lifecycle

import (
	"os"
	"syscall"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
	StopOnceDone   StopReason = "once_done"
)

// FromSignal maps an OS signal to a stop reason.
func FromSignal(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	default:
		return StopUnknown
	}
}

// ExitCode is the process exit status for a stop reason.
func (r StopReason) ExitCode() int {
	if r == StopFatalError {
		return 1
	}
	return 0
}
