package syncer

import (
	"fmt"
	"time"
)

// Status tags every way a host sync can end.
type Status int

const (
	// StatusSynced means files were listed and the transfer succeeded.
	StatusSynced Status = iota
	// StatusNoFiles means the host had nothing eligible to move.
	StatusNoFiles
	// StatusPrepareFailed means the local destination could not be created.
	StatusPrepareFailed
	// StatusListFailed means the remote listing failed.
	StatusListFailed
	// StatusTransferFailed means the transfer agent reported failure.
	StatusTransferFailed
	// StatusUnexpected means a panic was recovered or the task never ran.
	StatusUnexpected
)

func (s Status) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusNoFiles:
		return "idle"
	case StatusPrepareFailed:
		return "prepare-failed"
	case StatusListFailed:
		return "list-failed"
	case StatusTransferFailed:
		return "transfer-failed"
	case StatusUnexpected:
		return "unexpected-error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Failed reports whether the status is a genuine failure. StatusNoFiles is
// neither a success nor a failure.
func (s Status) Failed() bool {
	return s != StatusSynced && s != StatusNoFiles
}

// Outcome is the result of one host sync.
type Outcome struct {
	Host      string
	Status    Status
	FileCount int // only meaningful for StatusSynced
	Message   string
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// Succeeded is true only when files were moved.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSynced
}

// Duration is the wall-clock time the task took.
func (o Outcome) Duration() time.Duration {
	if o.EndTime.IsZero() || o.StartTime.IsZero() {
		return 0
	}
	return o.EndTime.Sub(o.StartTime)
}

// Unexpected builds the outcome for a host whose task blew up or never ran.
func Unexpected(host string, err error) Outcome {
	now := time.Now()
	return Outcome{
		Host:      host,
		Status:    StatusUnexpected,
		Message:   fmt.Sprintf("unexpected error: %v", err),
		Err:       err,
		StartTime: now,
		EndTime:   now,
	}
}
