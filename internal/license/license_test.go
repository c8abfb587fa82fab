package license_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockboxhq/secretd/internal/license"
)

// fixedSeed pins a deterministic Ed25519 keypair so the canonicalization
// check below is a genuine fixed-vector test: the signature is computed
// once per test run from known bytes, not read from disk, but the seed
// and the licence are both fixed so a canonicalization regression
// breaks this test reliably rather than by chance.
var fixedSeed = []byte{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
}

func fixedKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(fixedSeed)
	return priv.Public().(ed25519.PublicKey), priv
}

func sign(t *testing.T, priv ed25519.PrivateKey, l license.Licence) string {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	require.NoError(t, enc.Encode(l))
	// json.Encoder.Encode always appends a trailing newline; trim it to
	// match the canonicalization license.go performs before verifying.
	canonical := bytes.TrimRight(buf.Bytes(), "\n")
	sig := ed25519.Sign(priv, canonical)
	return base64.StdEncoding.EncodeToString(sig)
}

func validLicence() license.Licence {
	return license.Licence{
		Product:  license.ProductTag,
		Issuer:   "lockboxhq",
		Licensee: "dev@example.com",
		IssuedAt: "2024-01-01T00:00:00Z",
	}
}

func TestVerifySignatureAcceptsValidSignature(t *testing.T) {
	pub, priv := fixedKeypair(t)
	license.SetPublicKey(pub)

	l := validLicence()
	sig := sign(t, priv, l)

	require.True(t, license.VerifySignature(l, sig))
}

func TestVerifySignatureRejectsTamperedLicence(t *testing.T) {
	pub, priv := fixedKeypair(t)
	license.SetPublicKey(pub)

	l := validLicence()
	sig := sign(t, priv, l)

	l.Licensee = "attacker@example.com"
	require.False(t, license.VerifySignature(l, sig))
}

func TestVerifySignatureRejectsGarbageBase64(t *testing.T) {
	pub, _ := fixedKeypair(t)
	license.SetPublicKey(pub)

	require.False(t, license.VerifySignature(validLicence(), "not-valid-base64!!"))
}

func TestCheckLocalLicenseNoFile(t *testing.T) {
	result := license.CheckLocalLicense(t.TempDir())
	require.False(t, result.Valid)
	require.Equal(t, license.ReasonNoLocalLicense, result.Reason)
}

func TestCheckLocalLicenseRoundTrip(t *testing.T) {
	pub, priv := fixedKeypair(t)
	license.SetPublicKey(pub)

	dir := t.TempDir()
	l := validLicence()
	sig := sign(t, priv, l)

	require.NoError(t, license.SaveLicense(dir, l, sig))

	result := license.CheckLocalLicense(dir)
	require.True(t, result.Valid)
	require.Equal(t, l.Licensee, result.Licence.Licensee)
}

func TestCheckLocalLicenseWrongProduct(t *testing.T) {
	pub, priv := fixedKeypair(t)
	license.SetPublicKey(pub)

	dir := t.TempDir()
	l := validLicence()
	l.Product = "some-other-product"
	sig := sign(t, priv, l)
	require.NoError(t, license.SaveLicense(dir, l, sig))

	result := license.CheckLocalLicense(dir)
	require.False(t, result.Valid)
	require.Equal(t, license.ReasonInvalidProduct, result.Reason)
}

func TestCheckLocalLicenseMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, license.SaveLicense(dir, validLicence(), "bogus"))
	// Corrupt the file so it no longer parses as JSON.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "license.json"), []byte("not json at all"), 0o600))

	result := license.CheckLocalLicense(dir)
	require.False(t, result.Valid)
	require.Equal(t, license.ReasonInvalidLicenseFormat, result.Reason)
}

func TestSaveLicenseFileMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, license.SaveLicense(dir, validLicence(), "sig"))

	info, err := os.Stat(filepath.Join(dir, "license.json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDeleteLicenseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, license.DeleteLicense(dir))
	require.NoError(t, license.SaveLicense(dir, validLicence(), "sig"))
	require.NoError(t, license.DeleteLicense(dir))
	require.NoError(t, license.DeleteLicense(dir))
}

func TestCheckLicenseWithServerSuccess(t *testing.T) {
	pub, priv := fixedKeypair(t)
	license.SetPublicKey(pub)

	l := validLicence()
	sig := sign(t, priv, l)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserKey  string `json:"userKey"`
			Password string `json:"password"`
			Program  string `json:"program"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, license.ProductTag, req.Program)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"licence":   l,
			"signature": sig,
		})
	}))
	defer srv.Close()

	result := license.CheckLicenseWithServer(context.Background(), srv.URL, "user-key", "pw")
	require.True(t, result.Success)
	require.Equal(t, l.Licensee, result.Licence.Licensee)
}

func TestCheckLicenseWithServerRejectsBadSignature(t *testing.T) {
	pub, _ := fixedKeypair(t)
	license.SetPublicKey(pub)

	l := validLicence()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"licence":   l,
			"signature": base64.StdEncoding.EncodeToString([]byte("not-a-real-signature-at-all-00")),
		})
	}))
	defer srv.Close()

	result := license.CheckLicenseWithServer(context.Background(), srv.URL, "user-key", "pw")
	require.False(t, result.Success)
	require.Equal(t, license.ErrInvalidSignature, result.Err)
}

func TestCheckLicenseWithServerSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_password"})
	}))
	defer srv.Close()

	result := license.CheckLicenseWithServer(context.Background(), srv.URL, "user-key", "wrong")
	require.False(t, result.Success)
	require.Equal(t, license.ActivationError("invalid_password"), result.Err)
}

func TestCheckLicenseWithServerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()

	result := license.CheckLicenseWithServer(ctx, srv.URL, "user-key", "pw")
	require.False(t, result.Success)
	require.Equal(t, license.ErrTimeout, result.Err)
}
