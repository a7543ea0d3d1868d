package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// HeaderAPIKey carries the API key on mutating requests.
const HeaderAPIKey = "X-Api-Key"

// APIKeyAuth validates API keys against a static list.
type APIKeyAuth struct {
	keys [][]byte
}

// NewAPIKeyAuth creates an APIKeyAuth. Blank keys are ignored.
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	a := &APIKeyAuth{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// ValidateToken reports whether token matches a configured key. Every key is
// compared in constant time.
func (a *APIKeyAuth) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	candidate := []byte(token)
	ok := 0
	for _, k := range a.keys {
		ok |= subtle.ConstantTimeCompare(k, candidate)
	}
	return ok == 1
}

// FromRequest extracts the key from the X-Api-Key header, falling back to a
// Bearer Authorization header.
func FromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
