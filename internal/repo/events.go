package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gamedex/internal/domain"
)

// LatestEvents returns recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, entryID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, entryID, evtType, entityKind, entityID)
}

// LatestEventsFrom pages backwards through events using the id cursor.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, entryID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if entryID != "" {
		clauses = append(clauses, "entry_id=?")
		args = append(args, entryID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entry_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entry, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &entry, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entry.Valid {
			e.EntryID = entry.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
