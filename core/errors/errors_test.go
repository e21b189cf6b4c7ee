package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestFrozenChangeSetError(t *testing.T) {
	err := &FrozenChangeSetError{ChangeSetID: "cs-1"}

	if !strings.Contains(err.Error(), "cs-1") {
		t.Errorf("message should name the change set: %s", err.Error())
	}
	if !IsFrozen(err) {
		t.Error("IsFrozen should match")
	}
	if !IsFrozen(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsFrozen should match through wrapping")
	}
	if IsFrozen(stderrors.New("other")) {
		t.Error("IsFrozen should not match unrelated errors")
	}
}

func TestDanglingReferenceError(t *testing.T) {
	err := &DanglingReferenceError{Kind: "change_set", ID: "missing"}

	if !strings.Contains(err.Error(), "change_set") {
		t.Errorf("message should name the kind: %s", err.Error())
	}
	if !IsDangling(fmt.Errorf("checkout: %w", err)) {
		t.Error("IsDangling should match through wrapping")
	}
}

func TestInvalidProposalStateError(t *testing.T) {
	err := &InvalidProposalStateError{ProposalID: "p-1", Status: "accepted"}

	var target *InvalidProposalStateError
	if !stderrors.As(err, &target) {
		t.Fatal("errors.As should match")
	}
	if target.Status != "accepted" {
		t.Errorf("status: got %s", target.Status)
	}
}

func TestPluginDiffErrorUnwrap(t *testing.T) {
	cause := stderrors.New("bad csv header")
	err := &PluginDiffError{PluginKey: "csv", Path: "data.csv", Err: cause}

	if !stderrors.Is(err, cause) {
		t.Error("should unwrap to cause")
	}
	if !strings.Contains(err.Error(), "data.csv") {
		t.Errorf("message should name the path: %s", err.Error())
	}
}

func TestDuplicateVersionNameError(t *testing.T) {
	err := &DuplicateVersionNameError{Name: "stage"}
	if !strings.Contains(err.Error(), "stage") {
		t.Errorf("message should name the version: %s", err.Error())
	}
}
