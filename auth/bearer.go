package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts the bearer credential from the Authorization
// header. The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, error) {
	token, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return "", ErrMissingToken
	}
	return token, nil
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
