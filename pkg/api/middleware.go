package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const (
	ctxTokenWarning contextKey = "token_warning"
	ctxUserID       contextKey = "user_id"
)

// nodeAuth validates the node bearer token against the registry. A token
// nearing expiry attaches a warning the heartbeat response carries back.
func (s *Server) nodeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID := chi.URLParam(r, "id")
		token := bearerToken(r)
		if nodeID == "" || token == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing node credentials"))
			return
		}

		warning, err := s.registry.ValidateToken(nodeID, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxTokenWarning, warning)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userAuth accepts either a JWT bearer token or a dc_ API key
func (s *Server) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing credentials"))
			return
		}

		var userID string
		if strings.HasPrefix(token, "dc_") {
			user, err := s.auth.ValidateAPIKey(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			userID = user.ID
		} else {
			id, err := s.auth.ValidateAccessToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			userID = id
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func tokenWarning(ctx context.Context) string {
	warning, _ := ctx.Value(ctxTokenWarning).(string)
	return warning
}

func requestUserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserID).(string)
	return id
}
