package api

import (
	"net/http"
	"strings"

	"hookrelay/internal/apperr"
	"hookrelay/internal/auth"
)

// Dev-mode identity header used when no bearer token is sent.
const headerUserID = "X-User-Id"

// getPrincipal resolves the caller.
// - Authorization: Bearer is checked with the configured verifier.
// - In dev mode the X-User-Id header is accepted as the owner.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		pr, err := s.Auth.Verify(tok)
		if err != nil {
			return auth.Principal{}, apperr.Unauthorized("invalid bearer token")
		}
		return pr, nil
	}
	if s.Auth == nil || s.Auth.Mode == auth.ModeDev {
		if owner := strings.TrimSpace(r.Header.Get(headerUserID)); owner != "" {
			return auth.Principal{Owner: owner, Role: auth.DefaultRole}, nil
		}
	}
	return auth.Principal{}, apperr.Unauthorized("authentication required")
}

// authorize fails with Forbidden unless p owns the resource. Admins may
// read and change anything.
func authorize(p auth.Principal, owner string) error {
	if p.IsAdmin() || p.Owner == owner {
		return nil
	}
	return apperr.Forbidden("resource belongs to another user")
}

// authed wraps handlers that need a principal.
func (s *Server) authed(h func(http.ResponseWriter, *http.Request, auth.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.getPrincipal(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, p)
	}
}
