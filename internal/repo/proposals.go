package repo

import (
	"context"
	"database/sql"
	"strings"

	"gamedex/internal/domain"
)

const proposalColumns = `id,entry_id,proposer_id,target_field,operation,original_json,suggested_json,vote_count,status,created_at,resolved_at`

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.EntryID, p.ProposerID, p.TargetField, p.Operation,
		nullableStringPtr(p.OriginalJSON), p.SuggestedJSON, p.VoteCount, p.Status, p.CreatedAt,
		nullableStringPtr(p.ResolvedAt))
	return err
}

func scanProposal(scan func(...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var original, resolved sql.NullString
	err := scan(&p.ID, &p.EntryID, &p.ProposerID, &p.TargetField, &p.Operation,
		&original, &p.SuggestedJSON, &p.VoteCount, &p.Status, &p.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if original.Valid {
		p.OriginalJSON = &original.String
	}
	if resolved.Valid {
		p.ResolvedAt = &resolved.String
	}
	return p, nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

// HasPendingProposal reports whether the proposer already has an outstanding
// proposal for the same field of the same entry.
func (r Repo) HasPendingProposal(ctx context.Context, tx *sql.Tx, entryID, proposerID, targetField string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM proposals WHERE entry_id=? AND proposer_id=? AND target_field=? AND status='pending' LIMIT 1`,
		entryID, proposerID, targetField)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type ProposalFilters struct {
	EntryID           string
	Status            string
	ExcludingProposer string
	Limit             int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	clauses := []string{"entry_id=?"}
	args := []any{f.EntryID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ExcludingProposer != "" {
		clauses = append(clauses, "proposer_id<>?")
		args = append(args, f.ExcludingProposer)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AddVoteDelta applies the vote delta and returns the new tally in a single
// statement so two concurrent votes never read-modify-write a stale count.
// Returns ErrNotFound when the proposal is absent or no longer pending.
func (r Repo) AddVoteDelta(ctx context.Context, tx *sql.Tx, proposalID string, delta int) (int, error) {
	var tally int
	err := tx.QueryRowContext(ctx, `UPDATE proposals SET vote_count = vote_count + ? WHERE id=? AND status='pending' RETURNING vote_count`,
		delta, proposalID).Scan(&tally)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return tally, err
}

// ResolveProposal transitions pending -> approved|rejected. Returns false when
// another resolution already won the check-and-set.
func (r Repo) ResolveProposal(ctx context.Context, tx *sql.Tx, proposalID, status, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, resolvedAt, proposalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
