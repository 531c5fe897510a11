package bitmex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// expiryGrace is how long a signed request stays valid.
const expiryGrace = 5 * time.Second

// Signer handles BitMEX API-key authentication.
// The same HMAC is used for REST calls and the realtime handshake.
type Signer struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		now:       time.Now,
	}
}

// HasCredentials reports whether an API key is configured.
func (s *Signer) HasCredentials() bool {
	return s.apiKey != ""
}

// Expires returns the unix second at which a request signed now expires.
func (s *Signer) Expires() int64 {
	return s.now().Add(expiryGrace).Unix()
}

// Sign computes hex(HMAC_SHA256(secret, verb + path + expires + body)).
// path includes the query string, e.g. /api/v1/order?filter=...
func (s *Signer) Sign(verb, path string, expires int64, body string) string {
	return computeHmacSha256Hex(verb+path+strconv.FormatInt(expires, 10)+body, s.apiSecret)
}

// GenerateHeaders creates the necessary headers for a request
// verb: GET, POST, etc.
// path: /api/v1/order?filter=... (no host)
// body: json string (empty if none)
func (s *Signer) GenerateHeaders(verb, path, body string) map[string]string {
	expires := s.Expires()
	return map[string]string{
		"api-expires":   strconv.FormatInt(expires, 10),
		"api-key":       s.apiKey,
		"api-signature": s.Sign(verb, path, expires, body),
	}
}

func computeHmacSha256Hex(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
