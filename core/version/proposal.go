package version

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/events"
	"github.com/plaitext/plait/core/history"
)

// Proposal statuses. Open is the only non-terminal state.
const (
	ProposalStatusOpen     = "open"
	ProposalStatusAccepted = "accepted"
	ProposalStatusRejected = "rejected"
)

// Proposal is a pending merge of a source version's history into a
// target version.
type Proposal struct {
	ID              string
	SourceVersionID string
	TargetVersionID string
	Status          string
	CreatedAt       time.Time
}

// CreateProposal opens a proposal merging source into target. The two
// versions must be distinct and must exist.
func (m *Manager) CreateProposal(ctx context.Context, sourceVersionID, targetVersionID string) (*Proposal, error) {
	if sourceVersionID == targetVersionID {
		return nil, plaiterrors.ErrSourceEqualsTarget
	}
	if _, err := m.Get(ctx, sourceVersionID); err != nil {
		return nil, err
	}
	if _, err := m.Get(ctx, targetVersionID); err != nil {
		return nil, err
	}

	proposal := &Proposal{
		ID:              uuid.New().String(),
		SourceVersionID: sourceVersionID,
		TargetVersionID: targetVersionID,
		Status:          ProposalStatusOpen,
		CreatedAt:       time.Now(),
	}

	err := m.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO change_proposal (id, source_version_id, target_version_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			proposal.ID, proposal.SourceVersionID, proposal.TargetVersionID,
			proposal.Status, proposal.CreatedAt.Unix())
		return err
	})
	if err != nil {
		return nil, err
	}

	m.publish(&events.Event{
		ID:         uuid.New().String(),
		EventType:  events.EventTypeProposalCreated,
		Timestamp:  time.Now(),
		ProposalID: proposal.ID,
		VersionID:  sourceVersionID,
	})

	return proposal, nil
}

// GetProposal fetches a proposal by id.
func (m *Manager) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := m.pool.QueryRow(ctx,
		`SELECT id, source_version_id, target_version_id, status, created_at
		 FROM change_proposal WHERE id = ?`, id)

	proposal, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, &plaiterrors.DanglingReferenceError{Kind: "proposal", ID: id}
	}
	return proposal, err
}

// ListProposals returns all proposals, newest first.
func (m *Manager) ListProposals(ctx context.Context) ([]*Proposal, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT id, source_version_id, target_version_id, status, created_at
		 FROM change_proposal ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []*Proposal
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, proposal)
	}
	return proposals, rows.Err()
}

// AcceptProposal merges the source version's history into the target.
// When the target head is already an ancestor of the source head (or
// the two are equal) the target pointer fast-forwards; otherwise a
// merge change set is created with both heads as parents. The source
// version is left in place.
func (m *Manager) AcceptProposal(ctx context.Context, proposalID string) error {
	proposal, err := m.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if proposal.Status != ProposalStatusOpen {
		return &plaiterrors.InvalidProposalStateError{ProposalID: proposalID, Status: proposal.Status}
	}

	source, err := m.Get(ctx, proposal.SourceVersionID)
	if err != nil {
		return err
	}
	target, err := m.Get(ctx, proposal.TargetVersionID)
	if err != nil {
		return err
	}

	fastForward := source.ChangeSetID == target.ChangeSetID
	if !fastForward {
		fastForward, err = m.history.IsAncestorOf(ctx, target.ChangeSetID, source.ChangeSetID)
		if err != nil {
			return err
		}
	}

	err = m.pool.Transaction(ctx, func(tx *sql.Tx) error {
		newHead := source.ChangeSetID
		if !fastForward {
			merge, err := m.history.CreateChangeSetTx(ctx, tx, history.CreateChangeSetOptions{
				Parents:           []string{target.ChangeSetID, source.ChangeSetID},
				ImmutableElements: true,
			})
			if err != nil {
				return err
			}
			newHead = merge.ID
		}

		if err := m.moveHeadTx(ctx, tx, target.ID, newHead); err != nil {
			return err
		}
		return m.closeProposalTx(ctx, tx, proposalID, ProposalStatusAccepted)
	})
	if err != nil {
		return err
	}

	m.logger.Info("proposal accepted",
		slog.String("proposal_id", proposalID),
		slog.String("target_version", target.ID),
		slog.Bool("fast_forward", fastForward))

	m.publish(&events.Event{
		ID:         uuid.New().String(),
		EventType:  events.EventTypeProposalAccepted,
		Timestamp:  time.Now(),
		ProposalID: proposalID,
		VersionID:  target.ID,
	})
	return nil
}

// RejectProposal discards the source version without touching the
// target's head. Reject is pure cleanup, the asymmetry with accept is
// intentional.
func (m *Manager) RejectProposal(ctx context.Context, proposalID string) error {
	proposal, err := m.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if proposal.Status != ProposalStatusOpen {
		return &plaiterrors.InvalidProposalStateError{ProposalID: proposalID, Status: proposal.Status}
	}

	source, err := m.Get(ctx, proposal.SourceVersionID)
	if err != nil {
		return err
	}

	// A rejected source cannot stay active.
	active, err := m.Active(ctx)
	if err == nil && active.ID == source.ID {
		if err := m.Switch(ctx, proposal.TargetVersionID); err != nil {
			return err
		}
	}

	err = m.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if err := m.deleteTx(ctx, tx, source); err != nil {
			return err
		}
		return m.closeProposalTx(ctx, tx, proposalID, ProposalStatusRejected)
	})
	if err != nil {
		return err
	}

	m.publish(&events.Event{
		ID:         uuid.New().String(),
		EventType:  events.EventTypeProposalRejected,
		Timestamp:  time.Now(),
		ProposalID: proposalID,
		VersionID:  proposal.TargetVersionID,
	})
	return nil
}

func (m *Manager) closeProposalTx(ctx context.Context, tx *sql.Tx, proposalID, status string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE change_proposal SET status = ? WHERE id = ? AND status = ?`,
		status, proposalID, ProposalStatusOpen)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Raced with another transition.
		current, getErr := m.GetProposal(ctx, proposalID)
		if getErr != nil {
			return getErr
		}
		return &plaiterrors.InvalidProposalStateError{ProposalID: proposalID, Status: current.Status}
	}
	return nil
}

func scanProposal(row interface{ Scan(...any) error }) (*Proposal, error) {
	var proposal Proposal
	var createdAt int64

	err := row.Scan(&proposal.ID, &proposal.SourceVersionID, &proposal.TargetVersionID,
		&proposal.Status, &createdAt)
	if err != nil {
		return nil, err
	}

	proposal.CreatedAt = time.Unix(createdAt, 0)
	return &proposal, nil
}
