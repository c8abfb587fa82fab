package vault_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/lockboxhq/secretd/internal/kernelerr"
	"github.com/lockboxhq/secretd/internal/vault"
)

func newTestStore(t *testing.T) *vault.Store {
	t.Helper()
	s, err := vault.New(t.TempDir())
	require.NoError(t, err)
	return s
}

// S1: Create-unlock-read.
func TestCreateUnlockRead(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))

	require.NoError(t, s.Lock(true))
	require.NoError(t, s.Unlock("hunter2"))

	got, err := s.GetSecret("app", "K")
	require.NoError(t, err)
	require.Equal(t, "v1", got.Value)
	require.Nil(t, got.ExpiresAt)
}

// S2: History and restore.
func TestHistoryAndRestore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))
	require.NoError(t, s.SetSecret("app", "K", "v2", nil))
	require.NoError(t, s.SetSecret("app", "K", "v3", nil))

	current, history, total, err := s.GetSecretHistory("app", "K")
	require.NoError(t, err)
	require.Equal(t, "v3", current.Value)
	require.True(t, current.IsCurrent)
	require.Len(t, history, 2)
	require.Equal(t, "v2", history[0].Value)
	require.Equal(t, "v1", history[1].Value)
	require.Equal(t, 3, total)

	require.NoError(t, s.RestoreSecretVersion("app", "K", 1)) // restore "v1"

	got, err := s.GetSecret("app", "K")
	require.NoError(t, err)
	require.Equal(t, "v1", got.Value)

	_, history, total, err = s.GetSecretHistory("app", "K")
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Equal(t, []string{"v3", "v2", "v1"}, historyValues(history))
}

func historyValues(hs []vault.HistoryView) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Value
	}
	return out
}

// S3: Wrong password.
func TestWrongPasswordLeavesLocked(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))
	require.NoError(t, s.Lock(true))

	err := s.Unlock("HUNTER2")
	require.ErrorIs(t, err, vault.ErrInvalidPassword)

	_, err = s.GetSecret("app", "K")
	require.ErrorIs(t, err, vault.ErrLocked)
}

func TestHistoryBound(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v0", nil))

	for i := 0; i < vault.MaxHistory+10; i++ {
		require.NoError(t, s.SetSecret("app", "K", strconv.Itoa(i), nil))
	}

	_, history, _, err := s.GetSecretHistory("app", "K")
	require.NoError(t, err)
	require.LessOrEqual(t, len(history), vault.MaxHistory)
}

func TestHistoryNoOpOnIdenticalWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))

	_, history, total, err := s.GetSecretHistory("app", "K")
	require.NoError(t, err)
	require.Empty(t, history)
	require.Equal(t, 1, total)
}

func TestFavoritesIntegrityAfterDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))

	fav, err := s.ToggleSecretFavorite("app", "K")
	require.NoError(t, err)
	require.True(t, fav)

	require.NoError(t, s.DeleteSecret("app", "K"))
	require.NoError(t, s.SaveNow())

	// Re-open to confirm the on-disk favorites were cleaned too.
	require.NoError(t, s.Lock(true))
	require.NoError(t, s.Unlock("hunter2"))

	_, err = s.GetSecret("app", "K")
	require.ErrorIs(t, err, vault.ErrSecretNotFound)
}

func TestDeleteProjectNotFound(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	err := s.DeleteProject("missing")
	require.ErrorIs(t, err, vault.ErrProjectNotFound)
	require.Equal(t, kernelerr.KindNotFound, kernelerr.KindOf(err))
}

func TestCreateProjectConflict(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	err := s.CreateProject("app")
	require.ErrorIs(t, err, vault.ErrProjectExists)
}

func TestSetupTwiceFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	err := s.Setup("hunter2")
	require.ErrorIs(t, err, vault.ErrAlreadyExists)
}

func TestUnlockWithoutSetupFails(t *testing.T) {
	s := newTestStore(t)
	err := s.Unlock("hunter2")
	require.ErrorIs(t, err, vault.ErrNotInitialized)
}

func TestRestoreOutOfRange(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))

	err := s.RestoreSecretVersion("app", "K", 5)
	require.ErrorIs(t, err, vault.ErrOutOfRange)
}

// Lock(false) must still persist a pending mutation; only the
// scheduling of the write is asynchronous.
func TestAsyncLockFlushesPendingMutation(t *testing.T) {
	dir := t.TempDir()
	s, err := vault.New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))
	require.NoError(t, s.SaveNow())

	before, err := os.ReadFile(filepath.Join(dir, "vault.enc"))
	require.NoError(t, err)

	require.NoError(t, s.SetSecret("app", "K", "v2", nil))
	require.NoError(t, s.Lock(false))

	require.Eventually(t, func() bool {
		after, err := os.ReadFile(filepath.Join(dir, "vault.enc"))
		return err == nil && !bytes.Equal(before, after)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Unlock("hunter2"))
	got, err := s.GetSecret("app", "K")
	require.NoError(t, err)
	require.Equal(t, "v2", got.Value)
}

func TestGetSecretKeysSorted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "B", "2", nil))
	require.NoError(t, s.SetSecret("app", "A", "1", nil))

	keys, err := s.GetSecretKeys("app")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, keys)

	_, err = s.GetSecretKeys("missing")
	require.ErrorIs(t, err, vault.ErrProjectNotFound)
}

func TestSetSecretsBulkImport(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))

	require.NoError(t, s.SetSecrets("app", map[string]string{"A": "1", "B": "2"}))

	secrets, err := s.GetSecrets("app")
	require.NoError(t, err)
	require.Len(t, secrets, 2)
	require.Equal(t, "1", secrets["A"].Value)
}

// Project and secret IDs are assigned once at creation and must survive
// a rename-by-recreation-elsewhere style reshuffle untouched; diffed
// with cmp rather than compared field-by-field so a future ProjectSummary
// field doesn't silently go unchecked.
func TestProjectIDsAreStableAndDistinct(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.CreateProject("web"))

	before, err := s.GetProjects()
	require.NoError(t, err)

	require.NoError(t, s.SetSecret("app", "K", "v1", nil))

	after, err := s.GetProjects()
	require.NoError(t, err)

	require.NotEmpty(t, before[0].ID)
	require.NotEqual(t, before[0].ID, before[1].ID)

	opts := []cmp.Option{
		cmpopts.IgnoreFields(vault.ProjectSummary{}, "SecretCount", "UpdatedAt"),
	}
	if diff := cmp.Diff(before, after, opts...); diff != "" {
		t.Errorf("project identity changed after an unrelated mutation (-before +after):\n%s", diff)
	}
}

func TestStatistics(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Setup("hunter2"))
	require.NoError(t, s.CreateProject("app"))
	require.NoError(t, s.SetSecret("app", "K", "v1", nil))

	stats, err := s.GetStatistics()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalProjects)
	require.Equal(t, 1, stats.TotalSecrets)
	require.False(t, stats.HasExpired)
}
