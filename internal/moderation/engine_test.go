package moderation_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"gamedex/internal/config"
	"gamedex/internal/db"
	"gamedex/internal/domain"
	"gamedex/internal/migrate"
	"gamedex/internal/moderation"
)

type testEnv struct {
	Engine moderation.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("gamedex")
	eng := moderation.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func submitEntry(t *testing.T, env testEnv, title, submitter string) domain.Entry {
	t.Helper()
	entry, err := env.Engine.SubmitEntry(env.Ctx, moderation.EntrySubmitOptions{
		Title:       title,
		SubmitterID: submitter,
		OriginKey:   "test-origin",
	})
	if err != nil {
		t.Fatalf("submit entry: %v", err)
	}
	return entry
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestSubmissionApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Hollow Knight", "sam")

	// The submitter never approves their own entry.
	if _, _, err := env.Engine.ApproveSubmission(env.Ctx, entry.ID, "sam"); !errors.Is(err, moderation.ErrSelfApproval) {
		t.Fatalf("expected ErrSelfApproval, got %v", err)
	}

	for i := 1; i <= 5; i++ {
		approved, votes, err := env.Engine.ApproveSubmission(env.Ctx, entry.ID, fmt.Sprintf("voter-%d", i))
		if err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
		if votes != i {
			t.Fatalf("approve %d: votes %d", i, votes)
		}
		if approved != (i == 5) {
			t.Fatalf("approve %d: approved=%v", i, approved)
		}
	}

	got, err := env.Engine.Repo.GetEntry(env.Ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.EntryApproved {
		t.Fatalf("expected approved entry, got %s", got.Status)
	}

	// One vote per user, and no votes after resolution.
	if _, _, err := env.Engine.ApproveSubmission(env.Ctx, entry.ID, "voter-1"); !errors.Is(err, moderation.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestSubmissionDuplicateVote(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Celeste", "sam")

	if _, _, err := env.Engine.ApproveSubmission(env.Ctx, entry.ID, "voter-1"); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	_, votes, err := env.Engine.ApproveSubmission(env.Ctx, entry.ID, "voter-1")
	if !errors.Is(err, moderation.ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	if votes != 1 {
		t.Fatalf("duplicate vote must not change the count, got %d", votes)
	}
}

func TestProposalApprovalAppliesChange(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Hades", "sam")

	p, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldSteamDeckVerified,
		Operation:   domain.OpToggle,
		Suggested:   rawJSON(t, map[string]any{"value": true}),
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if p.VoteCount != 1 {
		t.Fatalf("creator's implicit approval missing, tally %d", p.VoteCount)
	}

	p, err = env.Engine.CastVote(env.Ctx, p.ID, "bob", 1)
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if p.Status != domain.ProposalPending || p.VoteCount != 2 {
		t.Fatalf("expected pending tally 2, got %s/%d", p.Status, p.VoteCount)
	}

	p, err = env.Engine.CastVote(env.Ctx, p.ID, "carol", 1)
	if err != nil {
		t.Fatalf("third vote: %v", err)
	}
	if p.Status != domain.ProposalApproved || p.VoteCount != 3 {
		t.Fatalf("expected approved at tally 3, got %s/%d", p.Status, p.VoteCount)
	}

	got, err := env.Engine.Repo.GetEntry(env.Ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.SteamDeckVerified {
		t.Fatal("approved toggle was not applied")
	}

	// Resolution is terminal.
	if _, err := env.Engine.CastVote(env.Ctx, p.ID, "dave", 1); !errors.Is(err, moderation.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestProposalRejectionAppliesNothing(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Factorio", "sam")

	p, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldEarlyAccess,
		Operation:   domain.OpToggle,
		Suggested:   rawJSON(t, map[string]any{"value": true}),
	})
	if err != nil {
		t.Fatal(err)
	}

	// 1 -> 0 -> -1 -> -2 -> -3 rejects.
	voters := []string{"bob", "carol", "dave", "erin"}
	for i, voter := range voters {
		p, err = env.Engine.CastVote(env.Ctx, p.ID, voter, -1)
		if err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}
	if p.Status != domain.ProposalRejected || p.VoteCount != -3 {
		t.Fatalf("expected rejected at -3, got %s/%d", p.Status, p.VoteCount)
	}

	got, err := env.Engine.Repo.GetEntry(env.Ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EarlyAccess {
		t.Fatal("rejected proposal must not change the entry")
	}
}

func TestVoteLedgerMatchesTally(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Terraria", "sam")

	p, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldControllerSupport,
		Operation:   domain.OpToggle,
		Suggested:   rawJSON(t, map[string]any{"value": true}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if p, err = env.Engine.CastVote(env.Ctx, p.ID, "bob", 1); err != nil {
		t.Fatal(err)
	}
	if p, err = env.Engine.CastVote(env.Ctx, p.ID, "carol", -1); err != nil {
		t.Fatal(err)
	}

	// Duplicate votes do not move the tally.
	if _, err := env.Engine.CastVote(env.Ctx, p.ID, "bob", -1); !errors.Is(err, moderation.ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}

	sum, err := env.Engine.Repo.SumVotes(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.VoteCount != 1+sum {
		t.Fatalf("tally %d != implicit 1 + ledger sum %d", got.VoteCount, sum)
	}
}

func TestInvalidVoteValue(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Rimworld", "sam")
	p, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldTags,
		Operation:   domain.OpAdd,
		Suggested:   rawJSON(t, map[string]any{"name": "colony-sim"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, p.ID, "bob", 0); !errors.Is(err, moderation.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, p.ID, "bob", 2); !errors.Is(err, moderation.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestDuplicatePendingProposal(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Stardew Valley", "sam")

	opts := moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldTags,
		Operation:   domain.OpAdd,
		Suggested:   rawJSON(t, map[string]any{"name": "farming"}),
	}
	if _, err := env.Engine.CreateProposal(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	opts.Suggested = rawJSON(t, map[string]any{"name": "cozy"})
	if _, err := env.Engine.CreateProposal(env.Ctx, opts); !errors.Is(err, moderation.ErrDuplicatePending) {
		t.Fatalf("expected ErrDuplicatePending, got %v", err)
	}
	// A different field is a different slot.
	opts.TargetField = domain.FieldEarlyAccess
	opts.Operation = domain.OpToggle
	opts.Suggested = rawJSON(t, map[string]any{"value": true})
	if _, err := env.Engine.CreateProposal(env.Ctx, opts); err != nil {
		t.Fatalf("different field should be allowed: %v", err)
	}
}

func TestPrivilegedMandateAppliesInstantly(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Dwarf Fortress", "sam")

	p, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "curator-1",
		TargetField: domain.FieldTags,
		Operation:   domain.OpAdd,
		Suggested:   rawJSON(t, map[string]any{"name": "roguelike"}),
		Privileged:  true,
	})
	if err != nil {
		t.Fatalf("privileged create: %v", err)
	}
	if p.Status != domain.ProposalApproved {
		t.Fatalf("mandate must persist approved, got %s", p.Status)
	}
	if p.VoteCount != env.Engine.Config.Consensus.MandateSeed {
		t.Fatalf("mandate vote count %d", p.VoteCount)
	}

	tags, err := env.Engine.Repo.ListEntryTags(env.Ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0] != "roguelike" {
		t.Fatalf("tag not applied: %v", tags)
	}

	// Mandates never enter the pending queue.
	queue, _, err := env.Engine.ListPendingProposals(env.Ctx, entry.ID, "someone-else")
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 0 {
		t.Fatalf("mandate leaked into the queue: %d items", len(queue))
	}
}

func TestTagRemoveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Noita", "sam")

	// Removing a tag the entry does not carry is a no-op, not an error.
	_, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "curator-1",
		TargetField: domain.FieldTags,
		Operation:   domain.OpRemove,
		Original:    rawJSON(t, map[string]any{"name": "missing"}),
		Suggested:   rawJSON(t, map[string]any{"name": "missing"}),
		Privileged:  true,
	})
	if err != nil {
		t.Fatalf("idempotent remove: %v", err)
	}
}

func TestStaleEditTargetSurfacesTargetGone(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Balatro", "sam")

	// The original snapshot points at a listing that no longer exists.
	p, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldPrices,
		Operation:   domain.OpEdit,
		Original:    rawJSON(t, map[string]any{"id": "gone", "platform": "pc", "store": "steam", "price": 14.99}),
		Suggested:   rawJSON(t, map[string]any{"platform": "pc", "store": "steam", "price": 9.99}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if p, err = env.Engine.CastVote(env.Ctx, p.ID, "bob", 1); err != nil {
		t.Fatal(err)
	}
	p, err = env.Engine.CastVote(env.Ctx, p.ID, "carol", 1)
	if !errors.Is(err, moderation.ErrTargetGone) {
		t.Fatalf("expected ErrTargetGone, got %v", err)
	}
	// The resolution itself still commits.
	got, gerr := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if got.Status != domain.ProposalApproved {
		t.Fatalf("resolution must commit despite the stale target, got %s", got.Status)
	}
}

func TestContentFilterBlocksSubmissionsAndProposals(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.SubmitEntry(env.Ctx, moderation.EntrySubmitOptions{
		Title:       "Totally Legit SPAMLINK Simulator",
		SubmitterID: "sam",
		OriginKey:   "test-origin",
	})
	var ce moderation.ContentError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContentError, got %v", err)
	}

	entry := submitEntry(t, env, "Outer Wilds", "sam")
	_, err = env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldTags,
		Operation:   domain.OpAdd,
		Suggested:   rawJSON(t, map[string]any{"name": "freecoins-here"}),
	})
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContentError, got %v", err)
	}
}

func TestQueueExcludesOwnProposals(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Subnautica", "sam")

	mine, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldTags,
		Operation:   domain.OpAdd,
		Suggested:   rawJSON(t, map[string]any{"name": "survival"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "bob",
		TargetField: domain.FieldEarlyAccess,
		Operation:   domain.OpToggle,
		Suggested:   rawJSON(t, map[string]any{"value": false}),
	})
	if err != nil {
		t.Fatal(err)
	}

	queue, voted, err := env.Engine.ListPendingProposals(env.Ctx, entry.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 || queue[0].ID != theirs.ID {
		t.Fatalf("queue should show only others' proposals: %+v", queue)
	}
	if len(voted) != 0 {
		t.Fatalf("alice has not voted yet: %v", voted)
	}

	if _, err := env.Engine.CastVote(env.Ctx, theirs.ID, "alice", 1); err != nil {
		t.Fatal(err)
	}
	_, voted, err = env.Engine.ListPendingProposals(env.Ctx, entry.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(voted) != 1 || voted[0] != theirs.ID {
		t.Fatalf("voted ids: %v", voted)
	}

	queue, _, err = env.Engine.ListPendingProposals(env.Ctx, entry.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 || queue[0].ID != mine.ID {
		t.Fatalf("bob's queue should show alice's proposal: %+v", queue)
	}
}

func TestPayloadShapeValidation(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Cuphead", "sam")

	var pe moderation.PayloadError
	_, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldTags,
		Operation:   domain.OpToggle,
		Suggested:   rawJSON(t, map[string]any{"value": true}),
	})
	if !errors.As(err, &pe) {
		t.Fatalf("toggle on a set field must fail, got %v", err)
	}

	_, err = env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldPrices,
		Operation:   domain.OpEdit,
		Suggested:   rawJSON(t, map[string]any{"platform": "pc", "store": "steam", "price": 9.99}),
	})
	if !errors.As(err, &pe) {
		t.Fatalf("edit without original must fail, got %v", err)
	}
}

func TestPruneVotes(t *testing.T) {
	env := newTestEnv(t)
	entry := submitEntry(t, env, "Return of the Obra Dinn", "sam")

	p, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     entry.ID,
		ProposerID:  "alice",
		TargetField: domain.FieldSteamDeckVerified,
		Operation:   domain.OpToggle,
		Suggested:   rawJSON(t, map[string]any{"value": true}),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Pending proposals keep their ledger.
	if err := env.Engine.PruneVotes(env.Ctx, p.ID, "admin"); err == nil {
		t.Fatal("pruning a pending proposal must fail")
	}

	for _, voter := range []string{"bob", "carol"} {
		if p, err = env.Engine.CastVote(env.Ctx, p.ID, voter, 1); err != nil {
			t.Fatal(err)
		}
	}
	if p.Status != domain.ProposalApproved {
		t.Fatalf("setup: proposal should be approved, got %s", p.Status)
	}

	if err := env.Engine.PruneVotes(env.Ctx, p.ID, "admin"); err != nil {
		t.Fatalf("prune: %v", err)
	}
	sum, err := env.Engine.Repo.SumVotes(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 0 {
		t.Fatalf("ledger not emptied, sum %d", sum)
	}
	// The resolved tally is untouched.
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.VoteCount != 3 || got.Status != domain.ProposalApproved {
		t.Fatalf("prune must not touch the resolution: %s/%d", got.Status, got.VoteCount)
	}
}

func TestProposalOnMissingEntry(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProposal(env.Ctx, moderation.ProposalCreateOptions{
		EntryID:     "no-such-entry",
		ProposerID:  "alice",
		TargetField: domain.FieldEarlyAccess,
		Operation:   domain.OpToggle,
		Suggested:   rawJSON(t, map[string]any{"value": true}),
	})
	if err == nil {
		t.Fatal("expected not found")
	}
}
