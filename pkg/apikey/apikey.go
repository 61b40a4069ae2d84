// Package apikey issues and verifies opaque API trigger keys.
//
// A key is Prefix followed by the base64url encoding of a random nonce and the
// XChaCha20-Poly1305 sealed JSON claims. Any modification of a key makes it
// fail to decode.
package apikey

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Prefix marks connectflow secret keys.
const Prefix = "cf_sk_"

const keyInfo = "connectflow api key"

// ErrInvalidKey is returned for any key that cannot be decoded.
var ErrInvalidKey = errors.New("invalid api key")

// Claims identify the workflow a key may trigger and the user it acts as.
type Claims struct {
	UserID        string `json:"userId"`
	WorkflowID    string `json:"workflowId"`
	TriggerNodeID string `json:"triggerNodeId,omitempty"`
}

// Codec encrypts and decrypts keys with a secret-derived key.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the encryption key from secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("apikey: secret is required")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("apikey: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("apikey: init cipher: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Generate returns a new key for claims.
func (c *Codec) Generate(claims Claims) (string, error) {
	if claims.UserID == "" || claims.WorkflowID == "" {
		return "", errors.New("apikey: user id and workflow id are required")
	}

	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("apikey: encode claims: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("apikey: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(Prefix))
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode verifies key and returns its claims.
func (c *Codec) Decode(key string) (Claims, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(key), Prefix)
	if !ok {
		return Claims{}, ErrInvalidKey
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return Claims{}, ErrInvalidKey
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, []byte(Prefix))
	if err != nil {
		return Claims{}, ErrInvalidKey
	}

	var claims Claims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return Claims{}, ErrInvalidKey
	}
	if claims.UserID == "" || claims.WorkflowID == "" {
		return Claims{}, ErrInvalidKey
	}
	return claims, nil
}
