// Package errors defines the typed error taxonomy for the plait SDK.
// Structural and invariant violations surface as typed errors matched
// with errors.As; per-entry settlement failures wrap the plugin error.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkspaceClosed indicates an operation on a closed workspace.
	ErrWorkspaceClosed = errors.New("workspace is closed")

	// ErrSourceEqualsTarget indicates a proposal with identical source and target.
	ErrSourceEqualsTarget = errors.New("proposal source and target must differ")

	// ErrNoActiveVersion indicates the workspace has no active version row.
	ErrNoActiveVersion = errors.New("no active version")

	// ErrHeadMoved indicates a guarded head advancement lost a race:
	// the version's head was no longer the change set the caller read.
	// Callers re-read the head and retry.
	ErrHeadMoved = errors.New("version head moved concurrently")
)

// FrozenChangeSetError indicates a mutation attempt on a change set
// created with immutable elements.
type FrozenChangeSetError struct {
	ChangeSetID string
}

func (e *FrozenChangeSetError) Error() string {
	return fmt.Sprintf("change set %s is frozen: elements are immutable", e.ChangeSetID)
}

// DuplicateVersionNameError indicates a version name collision.
type DuplicateVersionNameError struct {
	Name string
}

func (e *DuplicateVersionNameError) Error() string {
	return fmt.Sprintf("version name %q already exists", e.Name)
}

// DuplicateFilePathError indicates an insert for a path that is
// already tracked.
type DuplicateFilePathError struct {
	Path string
}

func (e *DuplicateFilePathError) Error() string {
	return fmt.Sprintf("file path %q is already tracked", e.Path)
}

// InvalidProposalStateError indicates a transition attempted on a
// proposal that is no longer open.
type InvalidProposalStateError struct {
	ProposalID string
	Status     string
}

func (e *InvalidProposalStateError) Error() string {
	return fmt.Sprintf("proposal %s is %s: only open proposals can transition", e.ProposalID, e.Status)
}

// DanglingReferenceError indicates an operation referenced a change set,
// version, change, or file that does not exist.
type DanglingReferenceError struct {
	Kind string // "change_set", "version", "change", "file", "proposal", "label"
	ID   string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s %s does not exist", e.Kind, e.ID)
}

// PluginDiffError wraps an error thrown by a format plugin during
// settlement. It aborts only the offending queue entry.
type PluginDiffError struct {
	PluginKey string
	FileID    string
	Path      string
	Err       error
}

func (e *PluginDiffError) Error() string {
	return fmt.Sprintf("plugin %s failed to diff %s: %v", e.PluginKey, e.Path, e.Err)
}

func (e *PluginDiffError) Unwrap() error {
	return e.Err
}

// IsFrozen reports whether err is a FrozenChangeSetError.
func IsFrozen(err error) bool {
	var fe *FrozenChangeSetError
	return errors.As(err, &fe)
}

// IsDangling reports whether err is a DanglingReferenceError.
func IsDangling(err error) bool {
	var de *DanglingReferenceError
	return errors.As(err, &de)
}
