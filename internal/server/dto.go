package server

import (
	"encoding/json"

	"gamedex/internal/domain"
)

// Request payloads

type SubmitEntryRequest struct {
	Title string `json:"title"`
	Slug  string `json:"slug,omitempty"`
}

type CreateProposalRequest struct {
	TargetField string          `json:"target_field" enum:"steam_deck_verified,controller_support,early_access,tags,prices,scores"`
	Operation   string          `json:"operation" enum:"toggle,add,edit,remove"`
	Original    json.RawMessage `json:"original,omitempty"`
	Suggested   json.RawMessage `json:"suggested"`
}

type CastVoteRequest struct {
	Value int `json:"value" enum:"1,-1"`
}

// Response payloads

type EntryResponse struct {
	ID                string                 `json:"id"`
	Title             string                 `json:"title"`
	Slug              string                 `json:"slug"`
	Status            string                 `json:"status" enum:"pending,approved"`
	SubmitterID       string                 `json:"submitter_id"`
	ApprovalVotes     int                    `json:"approval_votes"`
	SteamDeckVerified bool                   `json:"steam_deck_verified"`
	ControllerSupport bool                   `json:"controller_support"`
	EarlyAccess       bool                   `json:"early_access"`
	Tags              []string               `json:"tags"`
	Prices            []PriceListingResponse `json:"prices"`
	Scores            []ScoreListingResponse `json:"scores"`
	CreatedAt         string                 `json:"created_at" format:"date-time"`
	UpdatedAt         string                 `json:"updated_at" format:"date-time"`
}

type PriceListingResponse struct {
	ID       string  `json:"id"`
	Platform string  `json:"platform"`
	Store    string  `json:"store"`
	Price    float64 `json:"price"`
	URL      string  `json:"url,omitempty"`
}

type ScoreListingResponse struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
	URL    string  `json:"url,omitempty"`
}

type ProposalResponse struct {
	ID          string         `json:"id"`
	EntryID     string         `json:"entry_id"`
	ProposerID  string         `json:"proposer_id"`
	TargetField string         `json:"target_field" enum:"steam_deck_verified,controller_support,early_access,tags,prices,scores"`
	Operation   string         `json:"operation" enum:"toggle,add,edit,remove"`
	Original    map[string]any `json:"original,omitempty"`
	Suggested   map[string]any `json:"suggested"`
	VoteCount   int            `json:"vote_count"`
	Status      string         `json:"status" enum:"pending,approved,rejected"`
	TargetGone  bool           `json:"target_gone,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ResolvedAt  *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type ApprovalResponse struct {
	EntryID  string `json:"entry_id"`
	Votes    int    `json:"votes"`
	Approved bool   `json:"approved"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntryID    string         `json:"entry_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEntries struct {
	Items      []EntryResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type proposalQueue struct {
	Items   []ProposalResponse `json:"items"`
	VotedOn []string           `json:"voted_on"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func entryResponse(e domain.Entry) EntryResponse {
	prices := make([]PriceListingResponse, 0, len(e.Prices))
	for _, p := range e.Prices {
		prices = append(prices, PriceListingResponse{ID: p.ID, Platform: p.Platform, Store: p.Store, Price: p.Price, URL: p.URL})
	}
	scores := make([]ScoreListingResponse, 0, len(e.Scores))
	for _, s := range e.Scores {
		scores = append(scores, ScoreListingResponse{ID: s.ID, Source: s.Source, Score: s.Score, URL: s.URL})
	}
	return EntryResponse{
		ID:                e.ID,
		Title:             e.Title,
		Slug:              e.Slug,
		Status:            e.Status,
		SubmitterID:       e.SubmitterID,
		ApprovalVotes:     e.ApprovalVotes,
		SteamDeckVerified: e.SteamDeckVerified,
		ControllerSupport: e.ControllerSupport,
		EarlyAccess:       e.EarlyAccess,
		Tags:              nonNilSlice(e.Tags),
		Prices:            prices,
		Scores:            scores,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:          p.ID,
		EntryID:     p.EntryID,
		ProposerID:  p.ProposerID,
		TargetField: p.TargetField,
		Operation:   p.Operation,
		Original:    decodeJSONMap(p.OriginalJSON),
		Suggested:   decodeJSONMap(strPtr(p.SuggestedJSON)),
		VoteCount:   p.VoteCount,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		ResolvedAt:  p.ResolvedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntryID:    e.EntryID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
