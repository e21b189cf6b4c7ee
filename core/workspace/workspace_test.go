package workspace

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/files"
	"github.com/plaitext/plait/core/version"
)

func openTestWorkspace(t *testing.T) *Workspace {
	t.Helper()

	ws, err := Init(context.Background(), t.TempDir(), Options{
		Logger: slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func stateFor(states []files.FileState, path string) ([]byte, bool) {
	for _, state := range states {
		if state.Path == path {
			return state.Data, true
		}
	}
	return nil, false
}

func TestInitBootstrapsMainVersion(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)

	active, err := ws.Versions().Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultVersionName, active.Name)

	// Re-opening must not reseed.
	require.NoError(t, ws.Close())

	reopened, err := Open(ctx, ws.Root(), Options{})
	require.NoError(t, err)
	defer reopened.Close()

	versions, err := reopened.Versions().List(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestOpenFailsOutsideWorkspace(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), Options{})
	require.Error(t, err)
}

func TestWriteSettlesIntoActiveHead(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)

	before, err := ws.Versions().Active(ctx)
	require.NoError(t, err)

	_, err = ws.Files().Insert(ctx, "config.json", []byte(`{"debug":true}`), nil)
	require.NoError(t, err)
	require.NoError(t, ws.Settled(ctx))

	after, err := ws.Versions().Active(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.ChangeSetID, after.ChangeSetID, "settlement should advance the head")

	states, err := ws.StateAt(ctx, after.ID)
	require.NoError(t, err)
	data, ok := stateFor(states, "config.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"debug":true}`, string(data))
}

func TestProposeAndAcceptLandsFileOnMain(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)

	main, err := ws.Versions().Active(ctx)
	require.NoError(t, err)

	stage, err := ws.Versions().Create(ctx, version.CreateVersionOptions{
		FromVersionID: main.ID,
		Name:          "stage",
	})
	require.NoError(t, err)
	require.NoError(t, ws.Switch(ctx, stage.ID))

	_, err = ws.Files().Insert(ctx, "feature.json", []byte(`{"on":true}`), nil)
	require.NoError(t, err)
	require.NoError(t, ws.Settled(ctx))

	// Main must not see the staged file yet.
	mainStates, err := ws.StateAt(ctx, main.ID)
	require.NoError(t, err)
	_, visible := stateFor(mainStates, "feature.json")
	require.False(t, visible, "unmerged work must be invisible on main")

	proposal, err := ws.Versions().CreateProposal(ctx, stage.ID, main.ID)
	require.NoError(t, err)
	require.NoError(t, ws.AcceptProposal(ctx, proposal.ID))

	mainStates, err = ws.StateAt(ctx, main.ID)
	require.NoError(t, err)
	data, visible := stateFor(mainStates, "feature.json")
	require.True(t, visible, "accepted work must be visible on main")
	assert.JSONEq(t, `{"on":true}`, string(data))

	// Accept keeps the source version around.
	_, err = ws.Versions().Get(ctx, stage.ID)
	assert.NoError(t, err)
}

func TestProposeAndRejectDiscardsStage(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)

	main, err := ws.Versions().Active(ctx)
	require.NoError(t, err)
	mainHead := main.ChangeSetID

	stage, err := ws.Versions().Create(ctx, version.CreateVersionOptions{
		FromVersionID: main.ID,
		Name:          "stage",
	})
	require.NoError(t, err)
	require.NoError(t, ws.Switch(ctx, stage.ID))

	_, err = ws.Files().Insert(ctx, "doomed.json", []byte(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, ws.Settled(ctx))

	proposal, err := ws.Versions().CreateProposal(ctx, stage.ID, main.ID)
	require.NoError(t, err)
	require.NoError(t, ws.RejectProposal(ctx, proposal.ID))

	// The stage version is gone and main's head is untouched.
	_, err = ws.Versions().Get(ctx, stage.ID)
	assert.True(t, plaiterrors.IsDangling(err))

	mainAfter, err := ws.Versions().Get(ctx, main.ID)
	require.NoError(t, err)
	assert.Equal(t, mainHead, mainAfter.ChangeSetID)

	states, err := ws.StateAt(ctx, main.ID)
	require.NoError(t, err)
	_, visible := stateFor(states, "doomed.json")
	assert.False(t, visible)

	// Rejecting the active source hands the active pointer back.
	active, err := ws.Versions().Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, main.ID, active.ID)

	// The raw file rows follow the pointer: a file that only ever
	// existed in the rejected history must be gone from the file table.
	_, err = ws.Files().GetByPath(ctx, "doomed.json")
	assert.True(t, plaiterrors.IsDangling(err), "rejected-only file left in the file table")

	tracked, err := ws.Files().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tracked)
}

func TestSwitchRematerializesFileRows(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)

	main, err := ws.Versions().Active(ctx)
	require.NoError(t, err)

	_, err = ws.Files().Insert(ctx, "shared.json", []byte(`{"v":1}`), nil)
	require.NoError(t, err)
	require.NoError(t, ws.Settled(ctx))

	main, err = ws.Versions().Get(ctx, main.ID)
	require.NoError(t, err)

	stage, err := ws.Versions().Create(ctx, version.CreateVersionOptions{
		FromVersionID: main.ID,
		Name:          "stage",
	})
	require.NoError(t, err)
	require.NoError(t, ws.Switch(ctx, stage.ID))

	shared, err := ws.Files().GetByPath(ctx, "shared.json")
	require.NoError(t, err)
	_, err = ws.Files().Update(ctx, shared.ID, []byte(`{"v":2}`), nil)
	require.NoError(t, err)
	require.NoError(t, ws.Settled(ctx))

	// Back on main the raw file rows show main's state again.
	require.NoError(t, ws.Switch(ctx, main.ID))

	onMain, err := ws.Files().GetByPath(ctx, "shared.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(onMain.Data))

	// And switching forward restores the staged edit.
	require.NoError(t, ws.Switch(ctx, stage.ID))

	onStage, err := ws.Files().GetByPath(ctx, "shared.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(onStage.Data))
}

func TestSwitchPreservesMetadata(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)

	main, err := ws.Versions().Active(ctx)
	require.NoError(t, err)

	meta := []byte(`{"owner":"docs-team"}`)
	inserted, err := ws.Files().Insert(ctx, "annotated.json", []byte(`{"v":1}`), meta)
	require.NoError(t, err)
	require.NoError(t, ws.Settled(ctx))

	stage, err := ws.Versions().Create(ctx, version.CreateVersionOptions{
		FromVersionID: main.ID,
		Name:          "stage",
	})
	require.NoError(t, err)

	// Round-trip through another version; the raw rows are rebuilt
	// twice but the metadata must survive.
	require.NoError(t, ws.Switch(ctx, stage.ID))
	require.NoError(t, ws.Switch(ctx, main.ID))

	file, err := ws.Files().Get(ctx, inserted.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(meta), string(file.Metadata))
}

func TestClosedWorkspaceRefusesWork(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)
	require.NoError(t, ws.Close())

	err := ws.Settled(ctx)
	assert.ErrorIs(t, err, plaiterrors.ErrWorkspaceClosed)

	_, err = ws.StateAt(ctx, "whatever")
	assert.ErrorIs(t, err, plaiterrors.ErrWorkspaceClosed)

	err = ws.Switch(ctx, "whatever")
	assert.ErrorIs(t, err, plaiterrors.ErrWorkspaceClosed)

	// Close twice is fine.
	assert.NoError(t, ws.Close())
}

func TestSecondOpenBlocksOnLock(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)

	_, err := Open(ctx, ws.Root(), Options{})
	require.Error(t, err, "a second handle must not share the workspace lock")
}
