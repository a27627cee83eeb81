package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/friendfund/backend/ledger"
)

type ctxKey int

const userKey ctxKey = iota

// userFrom returns the authenticated user id, or "" for guests.
func userFrom(r *http.Request) ledger.UserID {
	id, _ := r.Context().Value(userKey).(ledger.UserID)
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(token), true
}

func (h *Handler) authenticate(r *http.Request, required bool) (*http.Request, error) {
	token, present := bearerToken(r)
	if !present {
		if required {
			return r, fmt.Errorf("missing bearer token: %w", ledger.ErrUnauthenticated)
		}
		return r, nil
	}
	user, err := h.Identity.ResolveSession(r.Context(), token)
	if err != nil {
		return r, err
	}
	return r.WithContext(context.WithValue(r.Context(), userKey, user)), nil
}

// RequireAuth rejects requests without a valid bearer token.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, err := h.authenticate(r, true)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OptionalAuth lets guests through but rejects a presented invalid token.
func (h *Handler) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, err := h.authenticate(r, false)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
