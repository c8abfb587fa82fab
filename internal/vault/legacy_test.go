package vault

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLegacySecretUnmarshal(t *testing.T) {
	var s secret
	require.NoError(t, json.Unmarshal([]byte(`"sk-old-value"`), &s))
	require.Equal(t, "sk-old-value", s.Value)
	require.True(t, s.legacy)
	require.Empty(t, s.History)
}

func TestStructuredSecretUnmarshal(t *testing.T) {
	var s secret
	raw := `{"value":"v","expiresAt":null,"createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z","history":[]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	require.False(t, s.legacy)
	require.Equal(t, "v", s.Value)
}

func TestSecretMarshalNeverNullHistory(t *testing.T) {
	s := secret{Value: "v"}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.Contains(t, string(data), `"history":[]`)
}

func TestLegacySecretMarshalsAsBareString(t *testing.T) {
	s := secret{Value: "legacy-value", legacy: true}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.Equal(t, `"legacy-value"`, string(data))
}

func TestUnrelatedWriteLeavesLegacySecretUntouched(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Setup("hunter2"))
	require.NoError(t, st.CreateProject("app"))

	st.doc.Projects["app"].Secrets["OLD"] = &secret{Value: "legacy-value", legacy: true}

	// Mutating a different secret persists the whole document; the
	// untouched legacy secret must keep its bare-string form through
	// that round trip.
	require.NoError(t, st.SetSecret("app", "NEW", "v1", nil))
	require.NoError(t, st.SaveNow())
	require.NoError(t, st.Lock(true))
	require.NoError(t, st.Unlock("hunter2"))

	require.True(t, st.doc.Projects["app"].Secrets["OLD"].legacy)
	got, err := st.GetSecret("app", "OLD")
	require.NoError(t, err)
	require.Equal(t, "legacy-value", got.Value)
}

func TestLegacySecretUpgradedOnNextWrite(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Setup("hunter2"))
	require.NoError(t, st.CreateProject("app"))

	// Inject a legacy bare-string secret directly, as if it had been
	// read from an old vault file.
	st.doc.Projects["app"].Secrets["K"] = &secret{Value: "legacy-value", legacy: true}

	got, err := st.GetSecret("app", "K")
	require.NoError(t, err)
	require.Equal(t, "legacy-value", got.Value)

	// Writing the *same* value still upgrades the shape (legacy=true
	// counts as a pending change even when the value text matches).
	require.NoError(t, st.SetSecret("app", "K", "legacy-value", nil))
	require.False(t, st.doc.Projects["app"].Secrets["K"].legacy)
}
