// Package event defines the events a worker pool emits and the sinks that
// consume them.
package event

import (
	"time"

	"github.com/Iron-Ham/distrun/internal/report"
	"github.com/Iron-Ham/distrun/internal/warning"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns the event's kind as a string.
	EventType() string

	// Timestamp returns when the event was emitted.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(kind Kind) baseEvent {
	return baseEvent{
		eventType: string(kind),
		timestamp: time.Now(),
	}
}

// Kind identifies an event. The values of the kinds a worker sends are
// their wire names.
type Kind string

// Kinds received from workers.
const (
	KindReady            Kind = "workerready"
	KindInternalError    Kind = "internal_error"
	KindTestReport       Kind = "testreport"
	KindCollectReport    Kind = "collectreport"
	KindTeardownReport   Kind = "teardownreport"
	KindLogStart         Kind = "logstart"
	KindLogFinish        Kind = "logfinish"
	KindCollectionFinish Kind = "collectionfinish"
	KindProtocolComplete Kind = "runtest_protocol_complete"
	KindUnscheduled      Kind = "unscheduled"
	KindLogWarning       Kind = "logwarning"
	KindWarningCaptured  Kind = "warning_captured"
	KindWarningRecorded  Kind = "warning_recorded"
	KindWorkerFinished   Kind = "workerfinished"
)

// Kinds produced by the coordinator itself.
const (
	KindErrorDown  Kind = "errordown"
	KindSyncStart  Kind = "sync_start"
	KindSyncFinish Kind = "sync_finish"
)

var workerKinds = map[Kind]bool{
	KindReady:            true,
	KindInternalError:    true,
	KindTestReport:       true,
	KindCollectReport:    true,
	KindTeardownReport:   true,
	KindLogStart:         true,
	KindLogFinish:        true,
	KindCollectionFinish: true,
	KindProtocolComplete: true,
	KindUnscheduled:      true,
	KindLogWarning:       true,
	KindWarningCaptured:  true,
	KindWarningRecorded:  true,
	KindWorkerFinished:   true,
}

// ParseKind maps a wire event name to its Kind. Only kinds a worker may
// send are accepted.
func ParseKind(name string) (Kind, bool) {
	k := Kind(name)
	return k, workerKinds[k]
}

// IsReport reports whether events of this kind carry a report.
func (k Kind) IsReport() bool {
	switch k {
	case KindTestReport, KindCollectReport, KindTeardownReport:
		return true
	}
	return false
}

// Terminal reports whether the kind marks the end of a worker.
func (k Kind) Terminal() bool {
	return k == KindWorkerFinished || k == KindErrorDown
}

// WorkerEvent is an event attributed to one worker.
type WorkerEvent struct {
	baseEvent
	Kind     Kind
	WorkerID string

	// Data holds the event's keyword payload as received.
	Data map[string]any

	// Report is set for report kinds.
	Report *report.Report

	// Warning is set for captured and recorded warnings. Note explains a
	// fallback reconstruction, if one was needed.
	Warning *warning.WarningMessage
	Note    *warning.ReconstructionNote

	// Err is set for errordown.
	Err error
}

// NewWorkerEvent creates a WorkerEvent.
func NewWorkerEvent(kind Kind, workerID string, data map[string]any) WorkerEvent {
	return WorkerEvent{
		baseEvent: newBaseEvent(kind),
		Kind:      kind,
		WorkerID:  workerID,
		Data:      data,
	}
}

// NewErrorDownEvent creates the event that reports a worker lost abnormally.
func NewErrorDownEvent(workerID string, err error) WorkerEvent {
	ev := NewWorkerEvent(KindErrorDown, workerID, nil)
	ev.Err = err
	return ev
}

// SyncEvent brackets the transfer of one root to one worker.
type SyncEvent struct {
	baseEvent
	Kind     Kind
	WorkerID string
	Root     string
	Files    int   // Set on KindSyncFinish
	Err      error // Set on KindSyncFinish when the transfer failed
}

// NewSyncStartEvent creates a KindSyncStart event.
func NewSyncStartEvent(workerID, root string) SyncEvent {
	return SyncEvent{
		baseEvent: newBaseEvent(KindSyncStart),
		Kind:      KindSyncStart,
		WorkerID:  workerID,
		Root:      root,
	}
}

// NewSyncFinishEvent creates a KindSyncFinish event.
func NewSyncFinishEvent(workerID, root string, files int, err error) SyncEvent {
	return SyncEvent{
		baseEvent: newBaseEvent(KindSyncFinish),
		Kind:      KindSyncFinish,
		WorkerID:  workerID,
		Root:      root,
		Files:     files,
		Err:       err,
	}
}
