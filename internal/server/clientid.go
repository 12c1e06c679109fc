package server

import (
	"errors"
	"net/http"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
	"github.com/jrmatherly/nexus-sub002/internal/clientid"
)

// identify extracts client identification when configured and attaches it
// to the request context for the rate limiter to key on. Runs before
// rateLimit, after authenticate, matching the original ordering (identity
// extraction is a prerequisite for per-client rate limiting).
func (s *server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.ClientID == nil || !s.deps.ClientID.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		id, err := clientid.Extract(r, *s.deps.ClientID)
		if err != nil {
			if errors.Is(err, gateway.ErrMissingIdentification) {
				writeJSON(w, http.StatusBadRequest, errorResponse("client identification is required"))
				return
			}
			if errors.Is(err, gateway.ErrUnauthorizedGroup) {
				writeJSON(w, http.StatusBadRequest, errorResponse("the specified group is not valid"))
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
			return
		}

		if id != nil {
			ctx := clientid.ContextWithIdentity(r.Context(), id)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}
