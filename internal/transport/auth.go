package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/roach88/convsync/internal/identity"
	"github.com/roach88/convsync/internal/protocol"
)

type ctxKey struct{}

// UserFrom returns the authenticated identity stored by authenticate.
func UserFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(identity.Identity)
	return id, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identity.TokenFromRequest(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, protocol.Error{Code: protocol.CodeUnauthorized, Message: "missing bearer token"})
			return
		}
		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			slog.Debug("authentication failed", "path", r.URL.Path, "error", err)
			writeJSON(w, http.StatusUnauthorized, protocol.Error{Code: protocol.CodeUnauthorized, Message: "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}
