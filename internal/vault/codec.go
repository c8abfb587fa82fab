package vault

import (
	"encoding/hex"
	"strings"

	"github.com/lockboxhq/secretd/internal/crypto"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimSpace(s))
}

func encryptDocument(doc *document, key []byte) ([]byte, error) {
	return crypto.EncryptJSON(doc, key)
}

func decryptDocument(envelope []byte, key []byte, out *document) error {
	return crypto.DecryptJSON(envelope, key, out)
}
