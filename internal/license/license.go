// Package license implements the offline Ed25519 entitlement check and
// the online activation fallback that gates the kernel on startup.
package license

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ProductTag is the compiled-in product identifier every verified
// licence's Product field must match.
const ProductTag = "secretd"

const licenseFileName = "license.json"
const filePerm = 0o600

// publicKey is the compiled-in Ed25519 verification key for the
// entitlement authority. Production builds would embed the real key at
// build time; this placeholder is swapped via SetPublicKey in tests and
// by the composition root before first use.
var publicKey ed25519.PublicKey

// SetPublicKey installs the verification key used by VerifySignature.
// The kernel calls this once at startup with the build's compiled-in key.
func SetPublicKey(key ed25519.PublicKey) {
	publicKey = key
}

// Licence is the entitlement payload signed by the issuing authority.
type Licence struct {
	Product   string `json:"product"`
	Issuer    string `json:"issuer"`
	Licensee  string `json:"licensee"`
	IssuedAt  string `json:"issuedAt"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// Reason enumerates the outcomes of a local license check.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonNoLocalLicense       Reason = "no_local_license"
	ReasonInvalidLicenseFormat Reason = "invalid_license_format"
	ReasonInvalidSignature     Reason = "invalid_signature"
	ReasonInvalidProduct       Reason = "invalid_product"
)

// CheckResult is the outcome of CheckLocalLicense.
type CheckResult struct {
	Valid   bool
	Reason  Reason
	Licence *Licence
}

// storedLicense is the on-disk shape at license.json.
type storedLicense struct {
	Licence   Licence `json:"licence"`
	Signature string  `json:"signature"`
	SavedAt   string  `json:"savedAt"`
}

func licensePath(dir string) string { return filepath.Join(dir, licenseFileName) }

// CheckLocalLicense loads license.json from dir and verifies it against
// the compiled-in public key, never touching the network.
func CheckLocalLicense(dir string) CheckResult {
	data, err := os.ReadFile(licensePath(dir))
	if err != nil {
		return CheckResult{Valid: false, Reason: ReasonNoLocalLicense}
	}

	var stored storedLicense
	if err := json.Unmarshal(data, &stored); err != nil {
		return CheckResult{Valid: false, Reason: ReasonInvalidLicenseFormat}
	}

	if !VerifySignature(stored.Licence, stored.Signature) {
		return CheckResult{Valid: false, Reason: ReasonInvalidSignature}
	}
	if stored.Licence.Product != ProductTag {
		return CheckResult{Valid: false, Reason: ReasonInvalidProduct}
	}

	licence := stored.Licence
	return CheckResult{Valid: true, Licence: &licence}
}

// VerifySignature checks signatureB64 (base64-encoded Ed25519
// signature) against the canonical-JSON encoding of licence, using the
// compiled-in public key.
func VerifySignature(licence Licence, signatureB64 string) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	canonical, err := canonicalize(licence)
	if err != nil {
		return false
	}
	return ed25519.Verify(publicKey, canonical, sig)
}

// canonicalize serializes licence the way the issuing authority does:
// insertion order of the struct's fields, no HTML-escaping, no
// trailing newline. This MUST stay byte-identical to the signer's
// encoding or every signature check fails.
func canonicalize(licence Licence) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(licence); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; the signer does not.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ActivationError is a structured failure from CheckLicenseWithServer.
type ActivationError string

const (
	ErrInvalidSignature ActivationError = "invalid_signature"
	ErrInvalidProduct   ActivationError = "invalid_product"
	ErrNetworkError     ActivationError = "network_error"
	ErrTimeout          ActivationError = "timeout"
	ErrParseError       ActivationError = "parse_error"
	ErrUnknownError     ActivationError = "unknown_error"
)

func (e ActivationError) Error() string { return string(e) }

// ActivationResult is the outcome of CheckLicenseWithServer.
type ActivationResult struct {
	Success   bool
	Licence   *Licence
	Signature string
	Err       error
}

type activationRequest struct {
	UserKey  string `json:"userKey"`
	Password string `json:"password"`
	Program  string `json:"program"`
}

type activationResponse struct {
	Licence   Licence `json:"licence"`
	Signature string  `json:"signature"`
	Error     string  `json:"error"`
}

// CheckLicenseWithServer posts credentials to the entitlement endpoint
// and, on success, re-verifies the returned licence exactly as
// CheckLocalLicense would.
func CheckLicenseWithServer(ctx context.Context, endpoint, userKey, password string) ActivationResult {
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	body, err := json.Marshal(activationRequest{UserKey: userKey, Password: password, Program: ProductTag})
	if err != nil {
		return ActivationResult{Success: false, Err: ErrUnknownError}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ActivationResult{Success: false, Err: ErrUnknownError}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ActivationResult{Success: false, Err: ErrTimeout}
		}
		return ActivationResult{Success: false, Err: ErrNetworkError}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ActivationResult{Success: false, Err: ErrNetworkError}
	}

	if resp.StatusCode != http.StatusOK {
		var srvErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &srvErr) == nil && srvErr.Error != "" {
			return ActivationResult{Success: false, Err: ActivationError(srvErr.Error)}
		}
		return ActivationResult{Success: false, Err: ErrUnknownError}
	}

	var parsed activationResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ActivationResult{Success: false, Err: ErrParseError}
	}

	if !VerifySignature(parsed.Licence, parsed.Signature) {
		return ActivationResult{Success: false, Err: ErrInvalidSignature}
	}
	if parsed.Licence.Product != ProductTag {
		return ActivationResult{Success: false, Err: ErrInvalidProduct}
	}

	licence := parsed.Licence
	return ActivationResult{Success: true, Licence: &licence, Signature: parsed.Signature}
}

// SaveLicense persists licence and its signature to license.json at 0600.
func SaveLicense(dir string, licence Licence, signature string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("license: mkdir: %w", err)
	}

	stored := storedLicense{
		Licence:   licence,
		Signature: signature,
		SavedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("license: marshal: %w", err)
	}

	tmp := licensePath(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("license: write: %w", err)
	}
	if err := os.Rename(tmp, licensePath(dir)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("license: rename: %w", err)
	}
	return os.Chmod(licensePath(dir), filePerm)
}

// DeleteLicense removes license.json. Deletion is idempotent.
func DeleteLicense(dir string) error {
	err := os.Remove(licensePath(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("license: delete: %w", err)
	}
	return nil
}
