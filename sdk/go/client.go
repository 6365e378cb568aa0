package gamedexsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gamedex HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Entry represents the API entry model.
type Entry struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Slug              string   `json:"slug"`
	Status            string   `json:"status"`
	SubmitterID       string   `json:"submitter_id"`
	ApprovalVotes     int      `json:"approval_votes"`
	SteamDeckVerified bool     `json:"steam_deck_verified"`
	ControllerSupport bool     `json:"controller_support"`
	EarlyAccess       bool     `json:"early_access"`
	Tags              []string `json:"tags"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

// Proposal represents a suggested change to one entry field.
type Proposal struct {
	ID          string         `json:"id"`
	EntryID     string         `json:"entry_id"`
	ProposerID  string         `json:"proposer_id"`
	TargetField string         `json:"target_field"`
	Operation   string         `json:"operation"`
	Original    map[string]any `json:"original,omitempty"`
	Suggested   map[string]any `json:"suggested"`
	VoteCount   int            `json:"vote_count"`
	Status      string         `json:"status"`
	TargetGone  bool           `json:"target_gone,omitempty"`
	CreatedAt   string         `json:"created_at"`
	ResolvedAt  *string        `json:"resolved_at,omitempty"`
}

// Approval is the result of voting on a pending submission.
type Approval struct {
	EntryID  string `json:"entry_id"`
	Votes    int    `json:"votes"`
	Approved bool   `json:"approved"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntryID    string         `json:"entry_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEntries wraps entry listings with cursors.
type PaginatedEntries struct {
	Items      []Entry `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ProposalQueue is the pending review queue for an entry.
type ProposalQueue struct {
	Items   []Proposal `json:"items"`
	VotedOn []string   `json:"voted_on"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitEntry submits a new catalog entry for community approval.
func (c *Client) SubmitEntry(ctx context.Context, title string) (Entry, error) {
	body := map[string]any{"title": title}
	var resp Entry
	err := c.do(ctx, http.MethodPost, "v0/entries", body, &resp)
	return resp, err
}

// GetEntry fetches one entry with its tags, prices, and scores.
func (c *Client) GetEntry(ctx context.Context, id string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodGet, "v0/entries/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// EntriesPage returns a paginated entry listing.
func (c *Client) EntriesPage(ctx context.Context, status string, limit int, cursor string) (PaginatedEntries, error) {
	endpoint := "v0/entries"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEntries
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApproveEntry casts an approval vote on a pending submission.
func (c *Client) ApproveEntry(ctx context.Context, entryID string) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("v0/entries/%s/approve", url.PathEscape(entryID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// CreateProposal proposes a change to one entry field.
func (c *Client) CreateProposal(ctx context.Context, entryID, targetField, operation string, original, suggested any) (Proposal, error) {
	body := map[string]any{
		"target_field": targetField,
		"operation":    operation,
		"suggested":    suggested,
	}
	if original != nil {
		body["original"] = original
	}
	var resp Proposal
	endpoint := fmt.Sprintf("v0/entries/%s/proposals", url.PathEscape(entryID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Proposals returns the pending queue for an entry, excluding the caller's own.
func (c *Client) Proposals(ctx context.Context, entryID string) (ProposalQueue, error) {
	var resp ProposalQueue
	endpoint := fmt.Sprintf("v0/entries/%s/proposals", url.PathEscape(entryID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Vote casts a +1 or -1 vote on a proposal.
func (c *Client) Vote(ctx context.Context, proposalID string, value int) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s/votes", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"value": value}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
