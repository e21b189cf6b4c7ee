// Package watcher detects external writes to a workspace directory
// and feeds them into the tracked file store. Real-time detection
// uses fsnotify with debouncing; a low-rate periodic sweep catches
// writes that happened while no watcher was running.
package watcher

import "time"

// =============================================================================
// FileOperation
// =============================================================================

// FileOperation represents the type of file operation detected.
type FileOperation int

const (
	// OpCreate indicates a file was created.
	OpCreate FileOperation = iota

	// OpModify indicates a file was modified.
	OpModify

	// OpDelete indicates a file was deleted.
	OpDelete

	// OpRename indicates a file was renamed.
	OpRename
)

// String returns a human-readable name for the file operation.
func (op FileOperation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileEvent is one detected file system change.
type FileEvent struct {
	// Path is the absolute path to the changed file.
	Path string

	// Operation is the type of file system operation.
	Operation FileOperation

	// Time is when the event was detected.
	Time time.Time
}
