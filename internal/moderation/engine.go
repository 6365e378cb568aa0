package moderation

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gamedex/internal/config"
	"gamedex/internal/domain"
	"gamedex/internal/events"
	"gamedex/internal/repo"
)

// Engine owns the consensus and moderation lifecycle: proposals, votes,
// threshold resolution, and submission approval. Each request runs against
// the store with no cross-request in-process state; concurrent votes on one
// proposal are serialized by the atomic tally update.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Limiter RateLimiter
	Filter  ContentFilter
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Limiter: RateLimiter{Repo: r},
		Filter:  NewContentFilter(cfg.Moderation.BlockedWords),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// checkRateLimit throttles the action, keyed by actor or network origin per
// the configured key_by.
func (e Engine) checkRateLimit(ctx context.Context, action, actorKey, originKey string) error {
	rl, ok := e.Config.RateLimits[action]
	if !ok {
		return fmt.Errorf("no rate limit configured for %s", action)
	}
	identityKey := actorKey
	if rl.KeyBy == "origin" {
		identityKey = originKey
	}
	allowed, err := e.Limiter.CheckAndIncrement(ctx, identityKey, action,
		time.Duration(rl.WindowMinutes)*time.Minute, rl.MaxCount)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

// ProposalCreateOptions are parameters for creating a field-edit proposal.
type ProposalCreateOptions struct {
	EntryID     string
	ProposerID  string
	TargetField string
	Operation   string
	Original    json.RawMessage
	Suggested   json.RawMessage
	Privileged  bool
	// OriginKey is the network-origin identity, consulted when the
	// proposal.create limit is configured with key_by origin.
	OriginKey string
}

// CreateProposal validates and persists a change proposal. Ordinary proposals
// start pending with the creator's implicit approval; privileged proposals
// apply immediately and are persisted already approved with an audit-level
// vote count, never entering the pending queue.
func (e Engine) CreateProposal(ctx context.Context, opts ProposalCreateOptions) (domain.Proposal, error) {
	if e.Config == nil {
		return domain.Proposal{}, errors.New("config not loaded")
	}
	if opts.ProposerID == "" {
		return domain.Proposal{}, errors.New("proposer required")
	}
	if err := ValidateShape(opts.TargetField, opts.Operation, len(opts.Original) > 0); err != nil {
		return domain.Proposal{}, err
	}
	suggested, err := ParsePayload(opts.TargetField, opts.Suggested)
	if err != nil {
		return domain.Proposal{}, err
	}
	if len(opts.Original) > 0 {
		if _, err := ParsePayload(opts.TargetField, opts.Original); err != nil {
			return domain.Proposal{}, err
		}
	}
	if err := e.Filter.Check(suggested.FilterStrings()...); err != nil {
		return domain.Proposal{}, err
	}
	if !opts.Privileged {
		if err := e.checkRateLimit(ctx, config.ActionProposalCreate, opts.ProposerID, opts.OriginKey); err != nil {
			return domain.Proposal{}, err
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Proposal{
		ID:            uuid.New().String(),
		EntryID:       opts.EntryID,
		ProposerID:    opts.ProposerID,
		TargetField:   opts.TargetField,
		Operation:     opts.Operation,
		SuggestedJSON: string(opts.Suggested),
		VoteCount:     1,
		Status:        domain.ProposalPending,
		CreatedAt:     now,
	}
	if len(opts.Original) > 0 {
		original := string(opts.Original)
		p.OriginalJSON = &original
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetEntryTx(ctx, tx, opts.EntryID); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ProposerID, "user"); err != nil {
		return domain.Proposal{}, err
	}

	if opts.Privileged {
		// Instant mandate: apply first, persist already resolved.
		p.VoteCount = e.Config.Consensus.MandateSeed
		p.Status = domain.ProposalApproved
		p.ResolvedAt = &now
		if err := e.applyChange(ctx, tx, p); err != nil {
			return domain.Proposal{}, err
		}
	} else {
		dup, err := e.Repo.HasPendingProposal(ctx, tx, opts.EntryID, opts.ProposerID, opts.TargetField)
		if err != nil {
			return domain.Proposal{}, err
		}
		if dup {
			return domain.Proposal{}, ErrDuplicatePending
		}
	}
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	evtType := "proposal.created"
	if opts.Privileged {
		evtType = "proposal.mandated"
	}
	if err := e.Events.Append(ctx, tx, evtType, p.EntryID, "proposal", p.ID, opts.ProposerID, events.EventPayload{
		"target_field": p.TargetField,
		"operation":    p.Operation,
		"status":       p.Status,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// CastVote records one vote and recomputes the tally. When the new tally
// crosses a threshold the proposal resolves in the same transaction: approval
// applies the change, rejection applies nothing. A stale edit target at
// approval time commits the resolution but surfaces ErrTargetGone.
func (e Engine) CastVote(ctx context.Context, proposalID, voterID string, value int) (domain.Proposal, error) {
	if e.Config == nil {
		return domain.Proposal{}, errors.New("config not loaded")
	}
	if value != 1 && value != -1 {
		return domain.Proposal{}, ErrInvalidValue
	}
	if voterID == "" {
		return domain.Proposal{}, errors.New("voter required")
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status != domain.ProposalPending {
		return p, ErrNotPending
	}
	if err := e.Repo.EnsureActor(ctx, tx, voterID, "user"); err != nil {
		return p, err
	}
	inserted, err := e.Repo.InsertVote(ctx, tx, domain.Vote{
		ProposalID: proposalID,
		VoterID:    voterID,
		Value:      value,
		CreatedAt:  now,
	})
	if err != nil {
		return p, err
	}
	if !inserted {
		return p, ErrAlreadyVoted
	}
	tally, err := e.Repo.AddVoteDelta(ctx, tx, proposalID, value)
	if errors.Is(err, repo.ErrNotFound) {
		return p, ErrNotPending
	}
	if err != nil {
		return p, err
	}
	p.VoteCount = tally
	if err := e.Events.Append(ctx, tx, "vote.cast", p.EntryID, "proposal", p.ID, voterID, events.EventPayload{
		"value": value,
		"tally": tally,
	}); err != nil {
		return p, err
	}

	targetGone := false
	switch {
	case tally >= e.Config.Consensus.ApproveThreshold:
		won, err := e.Repo.ResolveProposal(ctx, tx, proposalID, domain.ProposalApproved, now)
		if err != nil {
			return p, err
		}
		if won {
			p.Status = domain.ProposalApproved
			p.ResolvedAt = &now
			if err := e.applyChange(ctx, tx, p); err != nil {
				if !errors.Is(err, ErrTargetGone) {
					return p, err
				}
				targetGone = true
			}
			if err := e.Events.Append(ctx, tx, "proposal.approved", p.EntryID, "proposal", p.ID, voterID, events.EventPayload{
				"tally":       tally,
				"target_gone": targetGone,
			}); err != nil {
				return p, err
			}
		}
	case tally <= -e.Config.Consensus.RejectThreshold:
		won, err := e.Repo.ResolveProposal(ctx, tx, proposalID, domain.ProposalRejected, now)
		if err != nil {
			return p, err
		}
		if won {
			p.Status = domain.ProposalRejected
			p.ResolvedAt = &now
			if err := e.Events.Append(ctx, tx, "proposal.rejected", p.EntryID, "proposal", p.ID, voterID, events.EventPayload{
				"tally": tally,
			}); err != nil {
				return p, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	if targetGone {
		return p, ErrTargetGone
	}
	return p, nil
}

// ListPendingProposals returns the review queue for an entry, excluding the
// viewer's own proposals, plus the ids of proposals the viewer already voted
// on. Hiding a user's own proposals from the queue is the first line against
// self-votes.
func (e Engine) ListPendingProposals(ctx context.Context, entryID, viewerID string) ([]domain.Proposal, []string, error) {
	proposals, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
		EntryID:           entryID,
		Status:            domain.ProposalPending,
		ExcludingProposer: viewerID,
	})
	if err != nil {
		return nil, nil, err
	}
	var voted []string
	if viewerID != "" {
		voted, err = e.Repo.ListVotedProposalIDs(ctx, entryID, viewerID)
		if err != nil {
			return nil, nil, err
		}
	}
	return proposals, voted, nil
}

// EntrySubmitOptions are parameters for submitting a new catalog entry.
type EntrySubmitOptions struct {
	Title       string
	Slug        string
	SubmitterID string
	// OriginKey is the network-origin identity used for the anonymous-abuse
	// rate limit on submissions.
	OriginKey string
}

// SubmitEntry persists a new catalog entry as pending. New entries stay out of
// ordinary listings until enough distinct users approve them.
func (e Engine) SubmitEntry(ctx context.Context, opts EntrySubmitOptions) (domain.Entry, error) {
	if e.Config == nil {
		return domain.Entry{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Entry{}, errors.New("title is required")
	}
	if opts.SubmitterID == "" {
		return domain.Entry{}, errors.New("submitter required")
	}
	if err := e.Filter.Check(opts.Title); err != nil {
		return domain.Entry{}, err
	}
	if err := e.checkRateLimit(ctx, config.ActionEntrySubmit, opts.SubmitterID, opts.OriginKey); err != nil {
		return domain.Entry{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	slug := opts.Slug
	if slug == "" {
		slug = slugify(opts.Title)
	}
	entry := domain.Entry{
		ID:          uuid.New().String(),
		Title:       opts.Title,
		Slug:        slug,
		Status:      domain.EntryPending,
		SubmitterID: opts.SubmitterID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entry{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, opts.SubmitterID, "user"); err != nil {
		return domain.Entry{}, err
	}
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		return domain.Entry{}, err
	}
	if err := e.Events.Append(ctx, tx, "entry.submitted", entry.ID, "entry", entry.ID, opts.SubmitterID, events.EventPayload{
		"title": entry.Title,
	}); err != nil {
		return domain.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entry{}, err
	}
	return entry, nil
}

// ApproveSubmission casts one positive-only approval vote on a pending entry.
// The submitter may never approve their own entry. On reaching the submission
// threshold the entry becomes approved and visible in ordinary listings.
func (e Engine) ApproveSubmission(ctx context.Context, entryID, voterID string) (bool, int, error) {
	if e.Config == nil {
		return false, 0, errors.New("config not loaded")
	}
	if voterID == "" {
		return false, 0, errors.New("voter required")
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	entry, err := e.Repo.GetEntryTx(ctx, tx, entryID)
	if err != nil {
		return false, 0, err
	}
	if entry.SubmitterID == voterID {
		return false, entry.ApprovalVotes, ErrSelfApproval
	}
	if entry.Status != domain.EntryPending {
		return false, entry.ApprovalVotes, ErrAlreadyResolved
	}
	if err := e.Repo.EnsureActor(ctx, tx, voterID, "user"); err != nil {
		return false, entry.ApprovalVotes, err
	}
	inserted, err := e.Repo.InsertSubmissionVote(ctx, tx, domain.SubmissionVote{
		EntryID:   entryID,
		VoterID:   voterID,
		CreatedAt: now,
	})
	if err != nil {
		return false, entry.ApprovalVotes, err
	}
	if !inserted {
		return false, entry.ApprovalVotes, ErrAlreadyVoted
	}
	votes, err := e.Repo.IncrementApprovalVotes(ctx, tx, entryID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, entry.ApprovalVotes, ErrAlreadyResolved
	}
	if err != nil {
		return false, entry.ApprovalVotes, err
	}
	if err := e.Events.Append(ctx, tx, "submission.vote", entryID, "entry", entryID, voterID, events.EventPayload{
		"votes": votes,
	}); err != nil {
		return false, votes, err
	}
	approved := false
	if votes >= e.Config.Consensus.SubmissionThreshold {
		approved, err = e.Repo.ApproveEntry(ctx, tx, entryID, now)
		if err != nil {
			return false, votes, err
		}
		if approved {
			if err := e.Events.Append(ctx, tx, "entry.approved", entryID, "entry", entryID, voterID, events.EventPayload{
				"votes": votes,
			}); err != nil {
				return false, votes, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return false, votes, err
	}
	return approved, votes, nil
}

// HydrateEntry loads the entry's tags, prices, and scores.
func (e Engine) HydrateEntry(ctx context.Context, entry domain.Entry) (domain.Entry, error) {
	tags, err := e.Repo.ListEntryTags(ctx, entry.ID)
	if err != nil {
		return entry, err
	}
	prices, err := e.Repo.ListPriceListings(ctx, entry.ID)
	if err != nil {
		return entry, err
	}
	scores, err := e.Repo.ListScoreListings(ctx, entry.ID)
	if err != nil {
		return entry, err
	}
	entry.Tags = tags
	entry.Prices = prices
	entry.Scores = scores
	return entry, nil
}

// ProvisionServiceIdentity creates the catalog-curator service actor and its
// API key once at provisioning time. It is never materialized lazily inside a
// request handler. Returns the plaintext key; only its hash is stored.
func (e Engine) ProvisionServiceIdentity(ctx context.Context) (string, error) {
	if e.Config == nil {
		return "", errors.New("config not loaded")
	}
	actorID := e.Config.ServiceIdentity.ActorID
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := "gdx_" + hex.EncodeToString(raw)
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, "service"); err != nil {
		return "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      "service identity",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "service.provisioned", "", "actor", actorID, actorID, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return key, nil
}

// PruneVotes deletes the vote ledger of a resolved proposal. The tally and the
// event trail survive; only the per-voter rows go. Pending proposals keep their
// ledger, it still decides the outcome.
func (e Engine) PruneVotes(ctx context.Context, proposalID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	if p.Status == domain.ProposalPending {
		return errors.New("cannot prune votes of a pending proposal")
	}
	if err := e.Repo.DeleteVotesForProposal(ctx, tx, proposalID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "proposal.votes_pruned", p.EntryID, "proposal", p.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a key for an actor. Returns the plaintext once; only the
// hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, error) {
	if actorID == "" {
		return "", errors.New("actor required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := "gdx_" + hex.EncodeToString(raw)
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, "user"); err != nil {
		return "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "actor", actorID, actorID, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return key, nil
}

func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
