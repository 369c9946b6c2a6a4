package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// APIKeyHeader is accepted in place of an Authorization bearer token.
const APIKeyHeader = "X-API-Key"

var (
	errMissingKey    = errors.New("missing API key")
	errBadAuthHeader = errors.New("invalid Authorization header format")
)

// ValidateAPIKey compares keys in constant time. An empty configured key
// matches nothing.
func ValidateAPIKey(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// ExtractAPIKey reads the key from "Authorization: Bearer <key>" or, failing
// that, the X-API-Key header. A malformed Authorization header is an error
// even when X-API-Key is present.
func ExtractAPIKey(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		key, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", errBadAuthHeader
		}
		if key = strings.TrimSpace(key); key == "" {
			return "", errMissingKey
		}
		return key, nil
	}
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key, nil
	}
	return "", errMissingKey
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := ExtractAPIKey(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !ValidateAPIKey(key, s.config.APIKey) {
			s.logger.Warn("rejected API key", "path", r.URL.Path, "remote", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
