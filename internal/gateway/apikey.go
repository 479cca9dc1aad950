package gateway

import (
	"net/http"
	"strings"
)

// ExtractAPIKey pulls the caller's identity for rate-limit bucketing and
// authorization: the X-API-Key header if present, otherwise a bearer token
// from Authorization.
func ExtractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return ""
}
