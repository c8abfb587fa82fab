// Package logger implements the encrypted, append-capped event log
// shared by the vault store and the approval broker.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lockboxhq/secretd/internal/crypto"
)

// MaxEntries caps the number of log entries retained in the primary log
// file; older entries are dropped from the head once the cap is exceeded.
const MaxEntries = 1000

const logFileName = "logs.enc"
const filePerm = 0o600

// Category classifies a log entry.
type Category string

const (
	CategoryApp    Category = "app"
	CategoryAccess Category = "access"
	CategoryLock   Category = "lock"
	CategoryInfo   Category = "info"
)

// Entry is one recorded event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
}

// Logger appends masked, encrypted events to logs.enc. Writes are
// dropped with a stderr warning when no encryption key is set; reads
// return an empty list in that state.
type Logger struct {
	dir string

	mu  sync.Mutex
	key []byte
}

// New returns a Logger rooted at dir. It starts with no encryption key.
func New(dir string) *Logger {
	return &Logger{dir: dir}
}

func (l *Logger) path() string { return filepath.Join(l.dir, logFileName) }

// SetEncryptionKey arms the logger with the vault's content key. The
// vault is expected to call this from its OnKeyChange hook, sharing the
// key for its lifetime.
func (l *Logger) SetEncryptionKey(key []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.key = append([]byte(nil), key...)
}

// ClearEncryptionKey wipes the logger's copy of the key. The vault calls
// this before it wipes its own key, so the logger never outlives a lock
// holding a usable key.
func (l *Logger) ClearEncryptionKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.key {
		l.key[i] = 0
	}
	l.key = nil
}

// Log masks message, appends a category entry, truncates to MaxEntries,
// and persists the encrypted envelope. If no key is set, the write is
// dropped with a warning rather than failing the caller.
func (l *Logger) Log(category Category, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.key == nil {
		fmt.Fprintf(os.Stderr, "logger: dropped %s entry, no encryption key set\n", category)
		return
	}

	entries, err := l.readLocked()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: failed to read existing log: %v\n", err)
		entries = nil
	}

	entries = append(entries, Entry{
		Timestamp: time.Now().UTC(),
		Category:  category,
		Message:   Mask(message),
	})
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}

	if err := l.writeLocked(entries); err != nil {
		fmt.Fprintf(os.Stderr, "logger: failed to persist log: %v\n", err)
	}
}

// LogAccess, LogApp and LogLock are convenience categorizers.
func (l *Logger) LogAccess(action, project string, keys []string) {
	l.Log(CategoryAccess, fmt.Sprintf("%s project=%s keys=%s", action, project, joinKeys(keys)))
}

func (l *Logger) LogApp(event string)  { l.Log(CategoryApp, event) }
func (l *Logger) LogLock(event string) { l.Log(CategoryLock, event) }

func joinKeys(keys []string) string {
	return strings.Join(keys, ", ")
}

// GetLogs returns the full log in chronological order.
func (l *Logger) GetLogs() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key == nil {
		return nil
	}
	entries, err := l.readLocked()
	if err != nil {
		return nil
	}
	return entries
}

// GetFilteredLogs returns the most recent entries first, optionally
// restricted to one category, capped at limit (default 100 when <= 0).
func (l *Logger) GetFilteredLogs(category *Category, limit int) []Entry {
	if limit <= 0 {
		limit = 100
	}
	entries := l.GetLogs()

	reversed := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if category != nil && entries[i].Category != *category {
			continue
		}
		reversed = append(reversed, entries[i])
		if len(reversed) >= limit {
			break
		}
	}
	return reversed
}

// Stats summarizes the current log.
type Stats struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"byCategory"`
}

// GetLogStats returns totals and per-category counts.
func (l *Logger) GetLogStats() Stats {
	entries := l.GetLogs()
	stats := Stats{Total: len(entries), ByCategory: map[Category]int{}}
	for _, e := range entries {
		stats.ByCategory[e.Category]++
	}
	return stats
}

// ClearLogs deletes the log file entirely.
func (l *Logger) ClearLogs() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Remove(l.path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logger: clear: %w", err)
	}
	return nil
}

// ArchiveLogs splits the log by age: entries older than daysToKeep are
// moved to a dated sibling file, entries within the window remain in
// the primary log.
func (l *Logger) ArchiveLogs(daysToKeep int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.key == nil {
		return fmt.Errorf("logger: archive: no encryption key set")
	}

	entries, err := l.readLocked()
	if err != nil {
		return fmt.Errorf("logger: archive: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)
	var recent, older []Entry
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			older = append(older, e)
		} else {
			recent = append(recent, e)
		}
	}

	if len(older) == 0 {
		return nil
	}

	archivePath := filepath.Join(l.dir, fmt.Sprintf("logs_archive_%d.enc", time.Now().UnixMilli()))
	envelope, err := crypto.EncryptJSON(older, l.key)
	if err != nil {
		return fmt.Errorf("logger: archive encrypt: %w", err)
	}
	if err := os.WriteFile(archivePath, envelope, filePerm); err != nil {
		return fmt.Errorf("logger: archive write: %w", err)
	}

	return l.writeLocked(recent)
}

func (l *Logger) readLocked() ([]Entry, error) {
	data, err := os.ReadFile(l.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	if err := crypto.DecryptJSON(data, l.key, &entries); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

func (l *Logger) writeLocked(entries []Entry) error {
	envelope, err := crypto.EncryptJSON(entries, l.key)
	if err != nil {
		return err
	}
	tmp := l.path() + ".tmp"
	if err := os.WriteFile(tmp, envelope, filePerm); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path()); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Chmod(l.path(), filePerm)
}

// Masking patterns, applied in order.
var (
	skKeyPattern     = regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)
	longTokenPattern = regexp.MustCompile(`[A-Za-z0-9]{32,}`)
	passwordPattern  = regexp.MustCompile(`(?i)(password\s*[:=]\s*)(\S+)`)
	tokenPattern     = regexp.MustCompile(`(?i)(token\s*[:=]\s*)(\S+)`)
)

// Mask applies the four sensitive-value masking rules to message:
// sk-prefixed API keys first, then any long alphanumeric run, then
// password/token assignments.
func Mask(message string) string {
	message = skKeyPattern.ReplaceAllStringFunc(message, func(m string) string {
		return crypto.MaskValue(m, 6)
	})
	message = longTokenPattern.ReplaceAllStringFunc(message, func(m string) string {
		return crypto.MaskValue(m, 4)
	})
	message = passwordPattern.ReplaceAllString(message, "${1}***")
	message = tokenPattern.ReplaceAllString(message, "${1}***")
	return message
}
