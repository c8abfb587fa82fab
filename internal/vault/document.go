package vault

import (
	"time"

	"github.com/google/uuid"
)

// DocumentVersion is the current on-disk schema version. Bumping the KDF
// parameters in internal/crypto requires bumping this too.
const DocumentVersion = "1.0.0"

// MaxHistory caps the number of prior values retained per secret.
const MaxHistory = 50

// document is the plaintext payload encrypted at rest as vault.enc.
type document struct {
	Version   string             `json:"version"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Projects  map[string]*project `json:"projects"`
	Favorites favorites          `json:"favorites"`
}

type project struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Secrets   map[string]*secret `json:"secrets"`
}

// secret is the structured on-disk and in-memory shape. Legacy string-form
// secrets are decoded into this shape with legacy=true; see legacy.go.
// The flag itself is never written out, but while set it keeps the
// on-disk encoding as the original bare string.
//
// ID is a stable identifier independent of the map key a project or
// secret happens to be stored under, so callers that need to track one
// across a rename aren't relying on its display name. Pre-existing
// (legacy or pre-ID) entries are assigned one lazily the first time
// they're loaded; see legacy.go.
type secret struct {
	ID        string         `json:"id"`
	Value     string         `json:"value"`
	ExpiresAt *string        `json:"expiresAt"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	History   []HistoryEntry `json:"history"`

	legacy bool
}

// HistoryEntry is one prior value of a secret. Index 0 in a secret's
// History is the most recent prior value.
type HistoryEntry struct {
	Value     string    `json:"value"`
	ExpiresAt *string   `json:"expiresAt"`
	ChangedAt time.Time `json:"changedAt"`
}

type favorites struct {
	Projects []string            `json:"projects"`
	Secrets  map[string][]string `json:"secrets"`
}

func newFavorites() favorites {
	return favorites{
		Projects: []string{},
		Secrets:  map[string][]string{},
	}
}

func newDocument() *document {
	now := time.Now().UTC()
	return &document{
		Version:   DocumentVersion,
		CreatedAt: now,
		UpdatedAt: now,
		Projects:  map[string]*project{},
		Favorites: newFavorites(),
	}
}

// SecretView is the history-excluding copy returned by public read
// operations. The legacy on-disk string shape never crosses this
// boundary; every caller always sees a structured SecretView.
type SecretView struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	ExpiresAt *string   `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *secret) view() SecretView {
	return SecretView{
		ID:        s.ID,
		Value:     s.Value,
		ExpiresAt: s.ExpiresAt,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// ProjectSummary is returned by GetProjects.
type ProjectSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SecretCount int       `json:"secretCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// newID returns a fresh stable identifier for a project or secret.
func newID() string {
	return uuid.NewString()
}

// HistoryView is returned by GetSecretHistory.
type HistoryView struct {
	Value     string    `json:"value"`
	ExpiresAt *string   `json:"expiresAt"`
	ChangedAt time.Time `json:"changedAt"`
	IsCurrent bool      `json:"isCurrent"`
}

// Statistics is returned by GetStatistics.
type Statistics struct {
	TotalProjects   int  `json:"totalProjects"`
	TotalSecrets    int  `json:"totalSecrets"`
	ExpiringSecrets int  `json:"expiringSecrets"`
	HasExpired      bool `json:"hasExpired"`
}

func expiresAtEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
