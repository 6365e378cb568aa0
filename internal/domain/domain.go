package domain

// Target fields a proposal may mutate.
const (
	FieldSteamDeckVerified = "steam_deck_verified"
	FieldControllerSupport = "controller_support"
	FieldEarlyAccess       = "early_access"
	FieldTags              = "tags"
	FieldPrices            = "prices"
	FieldScores            = "scores"
)

// Proposal operations.
const (
	OpToggle = "toggle"
	OpAdd    = "add"
	OpEdit   = "edit"
	OpRemove = "remove"
)

// Entry statuses.
const (
	EntryPending  = "pending"
	EntryApproved = "approved"
)

// Proposal statuses. Approved and rejected are terminal.
const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
)

type Entry struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Slug              string         `json:"slug"`
	Status            string         `json:"status" enum:"pending,approved"`
	SubmitterID       string         `json:"submitter_id"`
	ApprovalVotes     int            `json:"approval_votes"`
	SteamDeckVerified bool           `json:"steam_deck_verified"`
	ControllerSupport bool           `json:"controller_support"`
	EarlyAccess       bool           `json:"early_access"`
	Tags              []string       `json:"tags,omitempty"`
	Prices            []PriceListing `json:"prices,omitempty"`
	Scores            []ScoreListing `json:"scores,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type Tag struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PriceListing struct {
	ID       string  `json:"id"`
	EntryID  string  `json:"entry_id"`
	Platform string  `json:"platform"`
	Store    string  `json:"store"`
	Price    float64 `json:"price"`
	URL      string  `json:"url,omitempty"`
}

type ScoreListing struct {
	ID      string  `json:"id"`
	EntryID string  `json:"entry_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	URL     string  `json:"url,omitempty"`
}

type Proposal struct {
	ID            string  `json:"id"`
	EntryID       string  `json:"entry_id"`
	ProposerID    string  `json:"proposer_id"`
	TargetField   string  `json:"target_field" enum:"steam_deck_verified,controller_support,early_access,tags,prices,scores"`
	Operation     string  `json:"operation" enum:"toggle,add,edit,remove"`
	OriginalJSON  *string `json:"original_json,omitempty"`
	SuggestedJSON string  `json:"suggested_json"`
	VoteCount     int     `json:"vote_count"`
	Status        string  `json:"status" enum:"pending,approved,rejected"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Vote struct {
	ProposalID string `json:"proposal_id"`
	VoterID    string `json:"voter_id"`
	Value      int    `json:"value"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type SubmissionVote struct {
	EntryID   string `json:"entry_id"`
	VoterID   string `json:"voter_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RateLimitWindow bounds how often one identity may perform a guarded action.
// One active row per (identity_key, action); expired rows are evicted lazily.
type RateLimitWindow struct {
	IdentityKey string `json:"identity_key"`
	Action      string `json:"action"`
	Count       int    `json:"count"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntryID    string `json:"entry_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Actor struct {
	ID        string `json:"id"`
	Kind      string `json:"kind" enum:"user,service"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
