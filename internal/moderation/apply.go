package moderation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gamedex/internal/domain"
	"gamedex/internal/repo"
)

// applyChange translates an approved proposal's payload into the concrete
// mutation of the target entry. Invoked exactly once per approved proposal:
// either synchronously at privileged creation, or when a vote crosses the
// approval threshold. The pending->approved check-and-set upstream guarantees
// it never runs twice for the same proposal.
func (e Engine) applyChange(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	suggested, err := ParsePayload(p.TargetField, []byte(p.SuggestedJSON))
	if err != nil {
		return err
	}
	var original Payload
	if p.OriginalJSON != nil {
		original, err = ParsePayload(p.TargetField, []byte(*p.OriginalJSON))
		if err != nil {
			return err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)

	switch p.TargetField {
	case domain.FieldSteamDeckVerified, domain.FieldControllerSupport, domain.FieldEarlyAccess:
		flag := suggested.(BoolPayload)
		return e.Repo.SetEntryFlag(ctx, tx, p.EntryID, p.TargetField, flag.Value, now)

	case domain.FieldTags:
		tag := suggested.(TagPayload)
		switch p.Operation {
		case domain.OpAdd:
			return e.addTag(ctx, tx, p.EntryID, tag.Name, now)
		case domain.OpRemove:
			return e.removeTag(ctx, tx, p.EntryID, tag.Name)
		}

	case domain.FieldPrices:
		price := suggested.(PricePayload)
		switch p.Operation {
		case domain.OpAdd:
			return e.Repo.InsertPriceListing(ctx, tx, domain.PriceListing{
				ID:       uuid.New().String(),
				EntryID:  p.EntryID,
				Platform: price.Platform,
				Store:    price.Store,
				Price:    price.Price,
				URL:      price.URL,
			})
		case domain.OpEdit:
			id, err := listingID(original)
			if err != nil {
				return err
			}
			ok, err := e.Repo.UpdatePriceListing(ctx, tx, id, price.Price, price.URL)
			if err != nil {
				return err
			}
			if !ok {
				return ErrTargetGone
			}
			return nil
		case domain.OpRemove:
			id, err := listingID(original)
			if err != nil {
				return err
			}
			ok, err := e.Repo.DeletePriceListing(ctx, tx, id)
			if err != nil {
				return err
			}
			if !ok {
				return ErrTargetGone
			}
			return nil
		}

	case domain.FieldScores:
		score := suggested.(ScorePayload)
		switch p.Operation {
		case domain.OpAdd:
			return e.Repo.InsertScoreListing(ctx, tx, domain.ScoreListing{
				ID:      uuid.New().String(),
				EntryID: p.EntryID,
				Source:  score.Source,
				Score:   score.Score,
				URL:     score.URL,
			})
		case domain.OpEdit:
			id, err := listingID(original)
			if err != nil {
				return err
			}
			ok, err := e.Repo.UpdateScoreListing(ctx, tx, id, score.Score, score.URL)
			if err != nil {
				return err
			}
			if !ok {
				return ErrTargetGone
			}
			return nil
		case domain.OpRemove:
			id, err := listingID(original)
			if err != nil {
				return err
			}
			ok, err := e.Repo.DeleteScoreListing(ctx, tx, id)
			if err != nil {
				return err
			}
			if !ok {
				return ErrTargetGone
			}
			return nil
		}
	}
	return fmt.Errorf("no applier for field %s operation %s", p.TargetField, p.Operation)
}

// addTag looks up or creates the tag, then links it idempotently.
func (e Engine) addTag(ctx context.Context, tx *sql.Tx, entryID, name, now string) error {
	tag, err := e.Repo.GetTagByName(ctx, tx, name)
	if errors.Is(err, repo.ErrNotFound) {
		tag = domain.Tag{ID: uuid.New().String(), Name: name, CreatedAt: now}
		if err := e.Repo.InsertTag(ctx, tx, tag); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return e.Repo.LinkTag(ctx, tx, entryID, tag.ID)
}

// removeTag unlinks the tag if it exists. Removing something already gone is
// not an error for a set-membership operation.
func (e Engine) removeTag(ctx context.Context, tx *sql.Tx, entryID, name string) error {
	tag, err := e.Repo.GetTagByName(ctx, tx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.Repo.UnlinkTag(ctx, tx, entryID, tag.ID)
}

// listingID extracts the targeted listing's identity from the original
// snapshot. A missing or empty identity means the target is gone.
func listingID(original Payload) (string, error) {
	switch o := original.(type) {
	case PricePayload:
		if o.ID != "" {
			return o.ID, nil
		}
	case ScorePayload:
		if o.ID != "" {
			return o.ID, nil
		}
	}
	return "", ErrTargetGone
}
