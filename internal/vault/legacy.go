package vault

import (
	"encoding/json"
	"time"
)

// UnmarshalJSON accepts both the structured secret shape and the legacy
// bare-string shape written by old vault files. A legacy string is
// decoded with an empty history and zero timestamps; it is rewritten to
// the structured form lazily, only when that exact secret is next
// mutated, never on unlock.
func (s *secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.ID = newID()
		s.Value = str
		s.ExpiresAt = nil
		s.CreatedAt = time.Time{}
		s.UpdatedAt = time.Time{}
		s.History = nil
		s.legacy = true
		return nil
	}

	type alias secret
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = secret(a)
	s.legacy = false
	if s.ID == "" {
		s.ID = newID()
	}
	if s.History == nil {
		s.History = []HistoryEntry{}
	}
	return nil
}

// MarshalJSON keeps the bare-string encoding for secrets still marked
// legacy, so persisting the document after an unrelated mutation does
// not upgrade untouched legacy secrets. Only SetSecret clears the flag,
// for the one secret it mutates; from then on this writes the
// structured shape.
func (s secret) MarshalJSON() ([]byte, error) {
	if s.legacy {
		return json.Marshal(s.Value)
	}
	type alias secret
	history := s.History
	if history == nil {
		history = []HistoryEntry{}
	}
	out := alias(s)
	out.History = history
	return json.Marshal(out)
}
