// Package codec provides field-level encryption for sensitive record fields.
//
// Which fields are sensitive is declared per table in the types catalog; the
// sync engine decrypts before push and re-encrypts before every local write,
// so plaintext never reaches disk and ciphertext never reaches the wire.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/clearledger/syncd/internal/types"
	"golang.org/x/crypto/argon2"
)

// valuePrefix marks an encrypted field value. The version segment allows a
// future algorithm change without re-encrypting everything at once.
const valuePrefix = "enc:v1:"

var (
	ErrInvalidKeySize = errors.New("codec: key must be 32 bytes")
	ErrMalformedValue = errors.New("codec: malformed encrypted value")
)

// Codec encrypts and decrypts the sensitive fields of a record payload.
type Codec interface {
	EncryptFields(table types.Table, fields map[string]any) (map[string]any, error)
	DecryptFields(table types.Table, fields map[string]any) (map[string]any, error)
}

// DeriveKey derives a 32-byte AES key from a passphrase using argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// AESCodec encrypts field values with AES-256-GCM. Each value gets a fresh
// random nonce, prepended to the ciphertext and base64-encoded together.
type AESCodec struct {
	aead cipher.AEAD
}

// NewAESCodec creates a codec from a 32-byte key, typically from DeriveKey.
func NewAESCodec(key []byte) (*AESCodec, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return &AESCodec{aead: aead}, nil
}

// EncryptFields returns a copy of fields with each sensitive field sealed.
// Already-encrypted and absent fields are left alone.
func (c *AESCodec) EncryptFields(table types.Table, fields map[string]any) (map[string]any, error) {
	out := cloneFields(fields)
	for _, name := range table.Spec().Sensitive {
		v, ok := out[name]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.HasPrefix(s, valuePrefix) {
			continue
		}
		sealed, err := c.seal(v)
		if err != nil {
			return nil, fmt.Errorf("codec: encrypt %s.%s: %w", table, name, err)
		}
		out[name] = sealed
	}
	return out, nil
}

// DecryptFields returns a copy of fields with each sealed sensitive field
// opened. Plaintext fields pass through untouched.
func (c *AESCodec) DecryptFields(table types.Table, fields map[string]any) (map[string]any, error) {
	out := cloneFields(fields)
	for _, name := range table.Spec().Sensitive {
		s, ok := out[name].(string)
		if !ok || !strings.HasPrefix(s, valuePrefix) {
			continue
		}
		v, err := c.open(s)
		if err != nil {
			return nil, fmt.Errorf("codec: decrypt %s.%s: %w", table, name, err)
		}
		out[name] = v
	}
	return out, nil
}

// seal JSON-encodes the value and encrypts it, so non-string field values
// (amounts, nested objects) round-trip with their types intact.
func (c *AESCodec) seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return valuePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCodec) open(s string) (any, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, valuePrefix))
	if err != nil {
		return nil, ErrMalformedValue
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, ErrMalformedValue
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Noop passes fields through unchanged, for stores without encryption and
// for tests.
type Noop struct{}

func (Noop) EncryptFields(_ types.Table, fields map[string]any) (map[string]any, error) {
	return cloneFields(fields), nil
}

func (Noop) DecryptFields(_ types.Table, fields map[string]any) (map[string]any, error) {
	return cloneFields(fields), nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
