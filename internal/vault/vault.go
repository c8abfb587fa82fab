// Package vault implements the password-derived encrypted store of
// projects, secrets, version history and favorites.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lockboxhq/secretd/internal/crypto"
)

const (
	saltFileName  = "salt.txt"
	vaultFileName = "vault.enc"

	// autoSaveDelay is the debounce window for the background save timer;
	// each mutation resets the deadline.
	autoSaveDelay = 1 * time.Second

	filePerm = 0o600
	dirPerm  = 0o700
)

// Store is the encrypted vault of projects and secrets for one user. All
// mutating methods require the store to be unlocked; Exists does not.
// A single mutex serializes every mutation.
type Store struct {
	dir string

	mu       sync.Mutex
	unlocked bool
	salt     []byte
	key      []byte
	doc      *document

	saveTimer *time.Timer

	// onKeyChange, when set, is invoked with the content key on unlock/
	// setup and with nil on lock, so the logger can share the same
	// encryption key for the store's lifetime.
	onKeyChange func(key []byte)
}

// New returns a Store rooted at dir (created if necessary). The store
// starts locked.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("vault: create directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// OnKeyChange registers a callback invoked with the derived content key
// whenever the store transitions unlocked (non-nil key) or locked (nil).
func (s *Store) OnKeyChange(fn func(key []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeyChange = fn
}

func (s *Store) saltPath() string  { return filepath.Join(s.dir, saltFileName) }
func (s *Store) vaultPath() string { return filepath.Join(s.dir, vaultFileName) }

// Exists reports whether both on-disk vault files are present. It does
// not require (or grant) an unlock.
func (s *Store) Exists() bool {
	if _, err := os.Stat(s.saltPath()); err != nil {
		return false
	}
	if _, err := os.Stat(s.vaultPath()); err != nil {
		return false
	}
	return true
}

// Setup creates a brand-new vault protected by password and leaves it
// unlocked. It fails with ErrAlreadyExists if a vault is already present.
func (s *Store) Setup(password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Exists() {
		return ErrAlreadyExists
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.saltPath(), []byte(hexEncode(salt)), filePerm); err != nil {
		return fmt.Errorf("vault: write salt: %w", err)
	}

	s.salt = salt
	s.key = crypto.DeriveKey(password, salt)
	s.doc = newDocument()
	s.unlocked = true

	if err := s.persist(); err != nil {
		return err
	}
	s.notifyKeyChange()
	return nil
}

// Unlock decrypts the vault with password. It fails with
// ErrNotInitialized if no vault exists, ErrInvalidPassword if the
// authenticated decryption fails.
func (s *Store) Unlock(password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Exists() {
		return ErrNotInitialized
	}

	saltHex, err := os.ReadFile(s.saltPath())
	if err != nil {
		return fmt.Errorf("vault: read salt: %w", err)
	}
	salt, err := hexDecode(string(saltHex))
	if err != nil {
		return fmt.Errorf("vault: decode salt: %w", err)
	}

	key := crypto.DeriveKey(password, salt)

	envelope, err := os.ReadFile(s.vaultPath())
	if err != nil {
		return fmt.Errorf("vault: read vault file: %w", err)
	}

	var doc document
	if err := decryptDocument(envelope, key, &doc); err != nil {
		zero(key)
		return ErrInvalidPassword
	}

	normalize(&doc)

	s.salt = salt
	s.key = key
	s.doc = &doc
	s.unlocked = true

	if err := s.enforceFileModes(); err != nil {
		return err
	}

	s.notifyKeyChange()
	return nil
}

// Lock cancels any pending save, persists (synchronously or in the
// background per the sync flag), then wipes the in-memory document and
// derived key. Idempotent when already locked.
func (s *Store) Lock(sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockLocked(sync)
}

func (s *Store) lockLocked(sync bool) error {
	if !s.unlocked {
		return nil
	}

	s.cancelTimerLocked()

	if sync {
		if err := s.persist(); err != nil {
			return err
		}
	} else {
		// The write still happens; only its scheduling changes. The
		// goroutine gets its own key copy since s.key is zeroed below,
		// and the document pointer stays valid after s.doc is cleared.
		doc := s.doc
		key := append([]byte(nil), s.key...)
		go func() {
			if err := s.persistDocument(doc, key); err != nil {
				fmt.Fprintf(os.Stderr, "vault: lock flush failed: %v\n", err)
			}
			zero(key)
		}()
	}

	zero(s.key)
	s.key = nil
	s.doc = nil
	s.unlocked = false
	s.notifyKeyChange()
	return nil
}

func (s *Store) notifyKeyChange() {
	if s.onKeyChange == nil {
		return
	}
	if s.unlocked {
		s.onKeyChange(append([]byte(nil), s.key...))
	} else {
		s.onKeyChange(nil)
	}
}

// requireUnlocked must be called with s.mu held.
func (s *Store) requireUnlocked() error {
	if !s.unlocked {
		return ErrLocked
	}
	return nil
}

// IsUnlocked reports whether the store currently holds a derived key
// and in-memory document.
func (s *Store) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked
}

// GetProjects returns a summary of every project, in no particular order.
func (s *Store) GetProjects() ([]ProjectSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}

	out := make([]ProjectSummary, 0, len(s.doc.Projects))
	for _, p := range s.doc.Projects {
		out = append(out, ProjectSummary{
			ID:          p.ID,
			Name:        p.Name,
			SecretCount: len(p.Secrets),
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateProject adds a new, empty project. Fails with ErrProjectExists
// if name is already present.
func (s *Store) CreateProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return err
	}

	if _, ok := s.doc.Projects[name]; ok {
		return ErrProjectExists
	}

	now := time.Now().UTC()
	s.doc.Projects[name] = &project{
		ID:        newID(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Secrets:   map[string]*secret{},
	}
	s.touch(now)
	s.scheduleSave()
	return nil
}

// DeleteProject removes a project and cascades its removal from
// favorites. Fails with ErrProjectNotFound if absent.
func (s *Store) DeleteProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return err
	}

	if _, ok := s.doc.Projects[name]; !ok {
		return ErrProjectNotFound
	}

	delete(s.doc.Projects, name)
	s.removeFavoriteProject(name)
	s.touch(time.Now().UTC())
	s.scheduleSave()
	return nil
}

// GetSecretKeys returns the sorted key names in project without
// touching any secret values, so callers can build an approval request
// before the values themselves are accessed.
func (s *Store) GetSecretKeys(projectName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}

	p, ok := s.doc.Projects[projectName]
	if !ok {
		return nil, ErrProjectNotFound
	}

	keys := make([]string, 0, len(p.Secrets))
	for k := range p.Secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetSecrets returns every secret in project as a SecretView copy,
// keyed by secret key. History is excluded.
func (s *Store) GetSecrets(projectName string) (map[string]SecretView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}

	p, ok := s.doc.Projects[projectName]
	if !ok {
		return nil, ErrProjectNotFound
	}

	out := make(map[string]SecretView, len(p.Secrets))
	for k, sec := range p.Secrets {
		out[k] = sec.view()
	}
	return out, nil
}

// GetSecret returns one secret's SecretView. Fails with
// ErrProjectNotFound / ErrSecretNotFound as appropriate.
func (s *Store) GetSecret(projectName, key string) (SecretView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return SecretView{}, err
	}

	sec, err := s.lookupSecret(projectName, key)
	if err != nil {
		return SecretView{}, err
	}
	return sec.view(), nil
}

func (s *Store) lookupSecret(projectName, key string) (*secret, error) {
	p, ok := s.doc.Projects[projectName]
	if !ok {
		return nil, ErrProjectNotFound
	}
	sec, ok := p.Secrets[key]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return sec, nil
}

// SetSecret creates or updates a secret. An update pushes the previous
// (value, expiresAt) to history only when it actually changed, and
// truncates history to MaxHistory. The project must already exist;
// otherwise ErrProjectNotFound.
func (s *Store) SetSecret(projectName, key, value string, expiresAt *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return err
	}

	p, ok := s.doc.Projects[projectName]
	if !ok {
		return ErrProjectNotFound
	}

	now := time.Now().UTC()
	existing, had := p.Secrets[key]
	if !had {
		p.Secrets[key] = &secret{
			ID:        newID(),
			Value:     value,
			ExpiresAt: expiresAt,
			CreatedAt: now,
			UpdatedAt: now,
			History:   []HistoryEntry{},
		}
		p.UpdatedAt = now
		s.touch(now)
		s.scheduleSave()
		return nil
	}

	changed := existing.Value != value || !expiresAtEqual(existing.ExpiresAt, expiresAt)
	if !changed && !existing.legacy {
		return nil
	}

	if changed {
		existing.History = append([]HistoryEntry{{
			Value:     existing.Value,
			ExpiresAt: existing.ExpiresAt,
			ChangedAt: existing.UpdatedAt,
		}}, existing.History...)
		if len(existing.History) > MaxHistory {
			existing.History = existing.History[:MaxHistory]
		}
	}

	existing.Value = value
	existing.ExpiresAt = expiresAt
	existing.UpdatedAt = now
	existing.legacy = false
	if existing.CreatedAt.IsZero() {
		existing.CreatedAt = now
	}

	p.UpdatedAt = now
	s.touch(now)
	s.scheduleSave()
	return nil
}

// SetSecrets bulk-imports key/value pairs into project with expiresAt
// always nil, delegating per-entry to SetSecret's no-op/history rules.
func (s *Store) SetSecrets(projectName string, values map[string]string) error {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if err := s.SetSecret(projectName, k, values[k], nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSecret removes a secret and cascades its removal from favorites.
func (s *Store) DeleteSecret(projectName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return err
	}

	p, ok := s.doc.Projects[projectName]
	if !ok {
		return ErrProjectNotFound
	}
	if _, ok := p.Secrets[key]; !ok {
		return ErrSecretNotFound
	}

	delete(p.Secrets, key)
	s.removeFavoriteSecret(projectName, key)
	p.UpdatedAt = time.Now().UTC()
	s.touch(p.UpdatedAt)
	s.scheduleSave()
	return nil
}

// GetSecretHistory returns the current value plus history, most recent
// prior value first, with totalVersions = 1 (current) + len(history).
func (s *Store) GetSecretHistory(projectName, key string) (current HistoryView, history []HistoryView, totalVersions int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.requireUnlocked(); err != nil {
		return
	}

	sec, lookupErr := s.lookupSecret(projectName, key)
	if lookupErr != nil {
		err = lookupErr
		return
	}

	current = HistoryView{
		Value:     sec.Value,
		ExpiresAt: sec.ExpiresAt,
		ChangedAt: sec.UpdatedAt,
		IsCurrent: true,
	}
	history = make([]HistoryView, 0, len(sec.History))
	for _, h := range sec.History {
		history = append(history, HistoryView{
			Value:     h.Value,
			ExpiresAt: h.ExpiresAt,
			ChangedAt: h.ChangedAt,
			IsCurrent: false,
		})
	}
	totalVersions = 1 + len(sec.History)
	return
}

// RestoreSecretVersion makes history[index] the current value. It is
// implemented as a SetSecret call so the current value itself is pushed
// to history.
func (s *Store) RestoreSecretVersion(projectName, key string, index int) error {
	s.mu.Lock()
	sec, err := func() (*secret, error) {
		if uerr := s.requireUnlocked(); uerr != nil {
			return nil, uerr
		}
		return s.lookupSecret(projectName, key)
	}()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if index < 0 || index >= len(sec.History) {
		s.mu.Unlock()
		return ErrOutOfRange
	}
	target := sec.History[index]
	s.mu.Unlock()

	return s.SetSecret(projectName, key, target.Value, target.ExpiresAt)
}

// ToggleProjectFavorite flips whether name is a favorite project and
// reports the new state.
func (s *Store) ToggleProjectFavorite(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return false, err
	}
	if _, ok := s.doc.Projects[name]; !ok {
		return false, ErrProjectNotFound
	}

	if idx := indexOf(s.doc.Favorites.Projects, name); idx >= 0 {
		s.doc.Favorites.Projects = removeAt(s.doc.Favorites.Projects, idx)
		s.scheduleSave()
		return false, nil
	}
	s.doc.Favorites.Projects = append(s.doc.Favorites.Projects, name)
	s.scheduleSave()
	return true, nil
}

// ToggleSecretFavorite flips whether projectName/key is a favorite
// secret and reports the new state.
func (s *Store) ToggleSecretFavorite(projectName, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return false, err
	}
	if _, err := s.lookupSecret(projectName, key); err != nil {
		return false, err
	}

	list := s.doc.Favorites.Secrets[projectName]
	if idx := indexOf(list, key); idx >= 0 {
		s.doc.Favorites.Secrets[projectName] = removeAt(list, idx)
		s.scheduleSave()
		return false, nil
	}
	s.doc.Favorites.Secrets[projectName] = append(list, key)
	s.scheduleSave()
	return true, nil
}

// GetStatistics summarizes the vault's current contents.
func (s *Store) GetStatistics() (Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return Statistics{}, err
	}

	stats := Statistics{TotalProjects: len(s.doc.Projects)}
	now := time.Now().UTC()
	horizon := now.Add(7 * 24 * time.Hour)

	for _, p := range s.doc.Projects {
		stats.TotalSecrets += len(p.Secrets)
		for _, sec := range p.Secrets {
			if sec.ExpiresAt == nil {
				continue
			}
			expiry, ok := parseExpiry(*sec.ExpiresAt)
			if !ok {
				continue
			}
			if !expiry.After(horizon) {
				stats.ExpiringSecrets++
			}
			if expiry.Before(now) {
				stats.HasExpired = true
			}
		}
	}
	return stats, nil
}

func parseExpiry(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// SaveNow cancels any pending debounced save and writes synchronously,
// acting as a barrier: it returns only after the durable write completes.
func (s *Store) SaveNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return err
	}
	s.cancelTimerLocked()
	return s.persist()
}

func (s *Store) touch(now time.Time) {
	s.doc.UpdatedAt = now
}

func (s *Store) removeFavoriteProject(name string) {
	if idx := indexOf(s.doc.Favorites.Projects, name); idx >= 0 {
		s.doc.Favorites.Projects = removeAt(s.doc.Favorites.Projects, idx)
	}
	delete(s.doc.Favorites.Secrets, name)
}

func (s *Store) removeFavoriteSecret(projectName, key string) {
	list := s.doc.Favorites.Secrets[projectName]
	if idx := indexOf(list, key); idx >= 0 {
		s.doc.Favorites.Secrets[projectName] = removeAt(list, idx)
	}
}

// scheduleSave (debounced autosave) must be called with s.mu held.
func (s *Store) scheduleSave() {
	s.cancelTimerLocked()
	s.saveTimer = time.AfterFunc(autoSaveDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.unlocked {
			return
		}
		s.saveTimer = nil
		if err := s.persist(); err != nil {
			fmt.Fprintf(os.Stderr, "vault: autosave failed: %v\n", err)
		}
	})
}

func (s *Store) cancelTimerLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
}

// persist must be called with s.mu held and the store unlocked.
func (s *Store) persist() error {
	return s.persistDocument(s.doc, s.key)
}

// persistDocument writes doc sealed under key. It takes its inputs
// explicitly so the background flush in lockLocked can run after the
// store's own fields have been wiped.
func (s *Store) persistDocument(doc *document, key []byte) error {
	envelope, err := encryptDocument(doc, key)
	if err != nil {
		return err
	}

	tmp := s.vaultPath() + ".tmp"
	if err := os.WriteFile(tmp, envelope, filePerm); err != nil {
		return fmt.Errorf("vault: write vault file: %w", err)
	}
	if err := os.Rename(tmp, s.vaultPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vault: finalize vault file: %w", err)
	}
	return os.Chmod(s.vaultPath(), filePerm)
}

func (s *Store) enforceFileModes() error {
	if err := os.Chmod(s.saltPath(), filePerm); err != nil {
		return err
	}
	return os.Chmod(s.vaultPath(), filePerm)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}

func removeAt(list []string, idx int) []string {
	return append(list[:idx:idx], list[idx+1:]...)
}
