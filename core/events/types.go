// Package events provides the in-process event bus the SDK uses to
// surface queue, version, and proposal activity to embedders.
package events

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EventType Enum
// =============================================================================

// EventType represents the type of store event in the system.
type EventType int

const (
	// File queue events
	EventTypeFileQueued    EventType = 0
	EventTypeEntrySettled  EventType = 1
	EventTypeEntryFailed   EventType = 2
	EventTypeQueueDrained  EventType = 3

	// Version events
	EventTypeVersionCreated  EventType = 4
	EventTypeVersionSwitched EventType = 5
	EventTypeVersionDeleted  EventType = 6
	EventTypeCheckedOut      EventType = 7

	// Proposal events
	EventTypeProposalCreated  EventType = 8
	EventTypeProposalAccepted EventType = 9
	EventTypeProposalRejected EventType = 10

	// File events
	EventTypeFileChanged EventType = 11
)

var eventTypeNames = map[EventType]string{
	EventTypeFileQueued:       "file_queued",
	EventTypeEntrySettled:     "entry_settled",
	EventTypeEntryFailed:      "entry_failed",
	EventTypeQueueDrained:     "queue_drained",
	EventTypeVersionCreated:   "version_created",
	EventTypeVersionSwitched:  "version_switched",
	EventTypeVersionDeleted:   "version_deleted",
	EventTypeCheckedOut:       "checked_out",
	EventTypeProposalCreated:  "proposal_created",
	EventTypeProposalAccepted: "proposal_accepted",
	EventTypeProposalRejected: "proposal_rejected",
	EventTypeFileChanged:      "file_changed",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "unknown"
}

// IsValid returns true if the event type is a recognized value.
func (et EventType) IsValid() bool {
	_, ok := eventTypeNames[et]
	return ok
}

// =============================================================================
// Event
// =============================================================================

// Event is one store activity record delivered to subscribers.
type Event struct {
	ID        string
	EventType EventType
	Timestamp time.Time

	// FileID and Path identify the file for queue and file events.
	FileID string
	Path   string

	// VersionID identifies the version for version and proposal events.
	VersionID string

	// ProposalID identifies the proposal for proposal events.
	ProposalID string

	// QueueSeq is the file queue sequence number for queue events.
	QueueSeq int64

	// Err carries the failure for entry_failed events.
	Err error
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
