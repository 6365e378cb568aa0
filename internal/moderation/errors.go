package moderation

import (
	"errors"
	"fmt"
)

// Policy violations are surfaced as distinct kinds so callers can render a
// precise message. None of them are retried automatically.
var (
	ErrAlreadyVoted     = errors.New("identity already voted on this proposal")
	ErrNotPending       = errors.New("proposal is no longer pending")
	ErrInvalidValue     = errors.New("vote value must be +1 or -1")
	ErrDuplicatePending = errors.New("a pending proposal for this field already exists")
	ErrRateLimited      = errors.New("rate limit exceeded for this action")
	ErrSelfApproval     = errors.New("submitter cannot approve their own entry")
	ErrAlreadyResolved  = errors.New("entry is already resolved")
	ErrTargetGone       = errors.New("the targeted listing no longer exists")
)

// ContentError reports which blocked word tripped the content filter.
type ContentError struct {
	Word string
}

func (e ContentError) Error() string {
	return fmt.Sprintf("content rejected: contains blocked word %q", e.Word)
}

// PayloadError reports an invalid suggested or original payload.
type PayloadError struct {
	Field  string
	Reason string
}

func (e PayloadError) Error() string {
	return fmt.Sprintf("invalid payload for %s: %s", e.Field, e.Reason)
}
