package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorized checks the shared token. An empty configured token disables
// auth (loopback-only deployments). The token is accepted either as a
// ?token= query parameter or as a bearer header; query form exists for
// websocket clients that cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	for _, candidate := range []string{
		strings.TrimSpace(r.URL.Query().Get("token")),
		bearerToken(r.Header.Get("Authorization")),
	} {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Token)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
