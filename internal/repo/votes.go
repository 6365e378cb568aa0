package repo

import (
	"context"
	"database/sql"

	"gamedex/internal/domain"
)

// InsertVote records one vote. Returns false when a vote for the same
// (proposal, voter) pair already exists; the primary key makes the check and
// the insert one atomic statement.
func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO votes(proposal_id,voter_id,value,created_at) VALUES (?,?,?,?)`,
		v.ProposalID, v.VoterID, v.Value, v.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListVotedProposalIDs returns the ids of the entry's proposals the voter has
// already voted on.
func (r Repo) ListVotedProposalIDs(ctx context.Context, entryID, voterID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT v.proposal_id FROM votes v
JOIN proposals p ON p.id=v.proposal_id
WHERE p.entry_id=? AND v.voter_id=?`, entryID, voterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SumVotes returns the recorded vote sum for a proposal, used to audit the
// tally against the ledger.
func (r Repo) SumVotes(ctx context.Context, proposalID string) (int, error) {
	var sum int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(value),0) FROM votes WHERE proposal_id=?`, proposalID).Scan(&sum)
	return sum, err
}

// InsertSubmissionVote records one approval vote for a pending entry. Returns
// false when the voter already voted on this entry.
func (r Repo) InsertSubmissionVote(ctx context.Context, tx *sql.Tx, v domain.SubmissionVote) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO submission_votes(entry_id,voter_id,created_at) VALUES (?,?,?)`,
		v.EntryID, v.VoterID, v.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteVotesForProposal drops a proposal's per-voter ledger rows. Retention
// only; callers must confirm the proposal is resolved first.
func (r Repo) DeleteVotesForProposal(ctx context.Context, tx *sql.Tx, proposalID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE proposal_id=?`, proposalID)
	return err
}
