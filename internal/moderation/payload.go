package moderation

import (
	"encoding/json"

	"gamedex/internal/domain"
)

// Payload is the typed form of a proposal's suggested or original value. The
// concrete type is keyed by the proposal's target field, which keeps the
// change-applier dispatch exhaustive at compile time.
type Payload interface {
	// FilterStrings returns the user-supplied strings to run through the
	// content filter.
	FilterStrings() []string
}

type BoolPayload struct {
	Value bool `json:"value"`
}

func (BoolPayload) FilterStrings() []string { return nil }

type TagPayload struct {
	Name string `json:"name"`
}

func (p TagPayload) FilterStrings() []string { return []string{p.Name} }

type PricePayload struct {
	ID       string  `json:"id,omitempty"`
	Platform string  `json:"platform"`
	Store    string  `json:"store"`
	Price    float64 `json:"price"`
	URL      string  `json:"url,omitempty"`
}

func (p PricePayload) FilterStrings() []string { return []string{p.Platform, p.Store, p.URL} }

type ScorePayload struct {
	ID     string  `json:"id,omitempty"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
	URL    string  `json:"url,omitempty"`
}

func (p ScorePayload) FilterStrings() []string { return []string{p.Source, p.URL} }

func isBoolField(field string) bool {
	switch field {
	case domain.FieldSteamDeckVerified, domain.FieldControllerSupport, domain.FieldEarlyAccess:
		return true
	}
	return false
}

func isSetField(field string) bool {
	switch field {
	case domain.FieldTags, domain.FieldPrices, domain.FieldScores:
		return true
	}
	return false
}

// ValidateShape checks that the operation fits the target field: toggle only
// applies to boolean flags, add/edit/remove only to set-valued fields, and
// edit/remove require an original value to locate the element.
func ValidateShape(targetField, operation string, hasOriginal bool) error {
	switch operation {
	case domain.OpToggle:
		if !isBoolField(targetField) {
			return PayloadError{Field: targetField, Reason: "toggle applies only to boolean flags"}
		}
	case domain.OpAdd:
		if !isSetField(targetField) {
			return PayloadError{Field: targetField, Reason: "add applies only to set-valued fields"}
		}
	case domain.OpEdit, domain.OpRemove:
		if !isSetField(targetField) {
			return PayloadError{Field: targetField, Reason: operation + " applies only to set-valued fields"}
		}
		if !hasOriginal {
			return PayloadError{Field: targetField, Reason: "original value required to locate the element"}
		}
	default:
		return PayloadError{Field: targetField, Reason: "unknown operation " + operation}
	}
	return nil
}

// ParsePayload decodes raw JSON into the typed payload for the target field.
func ParsePayload(targetField string, raw []byte) (Payload, error) {
	switch targetField {
	case domain.FieldSteamDeckVerified, domain.FieldControllerSupport, domain.FieldEarlyAccess:
		var p BoolPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, PayloadError{Field: targetField, Reason: err.Error()}
		}
		return p, nil
	case domain.FieldTags:
		var p TagPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, PayloadError{Field: targetField, Reason: err.Error()}
		}
		if p.Name == "" {
			return nil, PayloadError{Field: targetField, Reason: "tag name required"}
		}
		return p, nil
	case domain.FieldPrices:
		var p PricePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, PayloadError{Field: targetField, Reason: err.Error()}
		}
		return p, nil
	case domain.FieldScores:
		var p ScorePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, PayloadError{Field: targetField, Reason: err.Error()}
		}
		return p, nil
	default:
		return nil, PayloadError{Field: targetField, Reason: "unknown target field"}
	}
}
