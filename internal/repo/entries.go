package repo

import (
	"context"
	"database/sql"
	"strings"

	"gamedex/internal/domain"
)

func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.Entry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entries(id,title,slug,status,submitter_id,approval_votes,steam_deck_verified,controller_support,early_access,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Title, e.Slug, e.Status, e.SubmitterID, e.ApprovalVotes,
		boolToInt(e.SteamDeckVerified), boolToInt(e.ControllerSupport), boolToInt(e.EarlyAccess),
		e.CreatedAt, e.UpdatedAt)
	return err
}

func scanEntry(scan func(...any) error) (domain.Entry, error) {
	var e domain.Entry
	var deck, pad, ea int
	err := scan(&e.ID, &e.Title, &e.Slug, &e.Status, &e.SubmitterID, &e.ApprovalVotes, &deck, &pad, &ea, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.SteamDeckVerified = deck != 0
	e.ControllerSupport = pad != 0
	e.EarlyAccess = ea != 0
	return e, nil
}

const entryColumns = `id,title,slug,status,submitter_id,approval_votes,steam_deck_verified,controller_support,early_access,created_at,updated_at`

func (r Repo) GetEntry(ctx context.Context, id string) (domain.Entry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id)
	return scanEntry(row.Scan)
}

func (r Repo) GetEntryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id)
	return scanEntry(row.Scan)
}

type EntryFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEntries(ctx context.Context, f EntryFilters) ([]domain.Entry, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + entryColumns + ` FROM entries ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SetEntryFlag writes one boolean attribute column. The field name is mapped
// to its column here, never interpolated from caller input.
func (r Repo) SetEntryFlag(ctx context.Context, tx *sql.Tx, entryID, field string, value bool, updatedAt string) error {
	var column string
	switch field {
	case domain.FieldSteamDeckVerified:
		column = "steam_deck_verified"
	case domain.FieldControllerSupport:
		column = "controller_support"
	case domain.FieldEarlyAccess:
		column = "early_access"
	default:
		return ErrNotFound
	}
	res, err := tx.ExecContext(ctx, `UPDATE entries SET `+column+`=?, updated_at=? WHERE id=?`, boolToInt(value), updatedAt, entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApproveEntry flips a pending entry to approved. Returns false when the entry
// was already resolved (check-and-set, never re-derived).
func (r Repo) ApproveEntry(ctx context.Context, tx *sql.Tx, entryID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entries SET status='approved', updated_at=? WHERE id=? AND status='pending'`, updatedAt, entryID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncrementApprovalVotes applies the delta and returns the new count in one statement.
func (r Repo) IncrementApprovalVotes(ctx context.Context, tx *sql.Tx, entryID string) (int, error) {
	var votes int
	err := tx.QueryRowContext(ctx, `UPDATE entries SET approval_votes = approval_votes + 1 WHERE id=? AND status='pending' RETURNING approval_votes`, entryID).Scan(&votes)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return votes, err
}

// --- tags ---

func (r Repo) GetTagByName(ctx context.Context, tx *sql.Tx, name string) (domain.Tag, error) {
	var t domain.Tag
	err := tx.QueryRowContext(ctx, `SELECT id,name,created_at FROM tags WHERE name=?`, name).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTag(ctx context.Context, tx *sql.Tx, t domain.Tag) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tags(id,name,created_at) VALUES (?,?,?)`, t.ID, t.Name, t.CreatedAt)
	return err
}

// LinkTag attaches a tag to an entry. Linking twice is a no-op.
func (r Repo) LinkTag(ctx context.Context, tx *sql.Tx, entryID, tagID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entry_tags(entry_id, tag_id) VALUES (?,?)`, entryID, tagID)
	return err
}

// UnlinkTag detaches a tag from an entry. Unlinking an absent tag is a no-op.
func (r Repo) UnlinkTag(ctx context.Context, tx *sql.Tx, entryID, tagID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM entry_tags WHERE entry_id=? AND tag_id=?`, entryID, tagID)
	return err
}

func (r Repo) ListEntryTags(ctx context.Context, entryID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.name FROM entry_tags et JOIN tags t ON t.id=et.tag_id WHERE et.entry_id=? ORDER BY t.name`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (r Repo) ListTags(ctx context.Context) ([]domain.Tag, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- price listings ---

func (r Repo) InsertPriceListing(ctx context.Context, tx *sql.Tx, p domain.PriceListing) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO price_listings(id,entry_id,platform,store,price,url) VALUES (?,?,?,?,?,?)`,
		p.ID, p.EntryID, p.Platform, p.Store, p.Price, nullable(p.URL))
	return err
}

// UpdatePriceListing updates price and url on one listing. Returns false when
// the listing no longer exists.
func (r Repo) UpdatePriceListing(ctx context.Context, tx *sql.Tx, id string, price float64, url string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE price_listings SET price=?, url=? WHERE id=?`, price, nullable(url), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) DeletePriceListing(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM price_listings WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListPriceListings(ctx context.Context, entryID string) ([]domain.PriceListing, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entry_id,platform,store,price,COALESCE(url,'') FROM price_listings WHERE entry_id=? ORDER BY platform, store`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PriceListing
	for rows.Next() {
		var p domain.PriceListing
		if err := rows.Scan(&p.ID, &p.EntryID, &p.Platform, &p.Store, &p.Price, &p.URL); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- score listings ---

func (r Repo) InsertScoreListing(ctx context.Context, tx *sql.Tx, s domain.ScoreListing) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO score_listings(id,entry_id,source,score,url) VALUES (?,?,?,?,?)`,
		s.ID, s.EntryID, s.Source, s.Score, nullable(s.URL))
	return err
}

func (r Repo) UpdateScoreListing(ctx context.Context, tx *sql.Tx, id string, score float64, url string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE score_listings SET score=?, url=? WHERE id=?`, score, nullable(url), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) DeleteScoreListing(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM score_listings WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListScoreListings(ctx context.Context, entryID string) ([]domain.ScoreListing, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entry_id,source,score,COALESCE(url,'') FROM score_listings WHERE entry_id=? ORDER BY source`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScoreListing
	for rows.Next() {
		var s domain.ScoreListing
		if err := rows.Scan(&s.ID, &s.EntryID, &s.Source, &s.Score, &s.URL); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
