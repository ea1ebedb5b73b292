package server

import (
	"errors"
	"net/http"

	"github.com/dgellow/u5auth/internal/auth"
	jsonwriter "github.com/dgellow/u5auth/internal/json"
	"github.com/dgellow/u5auth/internal/storage"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type meResponse struct {
	ID      string         `json:"id"`
	Service string         `json:"service"`
	Subject string         `json:"subject"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// Token returns a live provider access token for the session's user
func (h *Handlers) Token(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	token, err := h.tokens.GetLiveToken(r.Context(), session)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	_ = jsonwriter.Write(w, tokenResponse{AccessToken: token, TokenType: "Bearer"})
}

// RefreshUserinfo re-reads the user's identity from the provider
func (h *Handlers) RefreshUserinfo(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	if _, err := h.tokens.RefreshUserinfo(r.Context(), session); err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me describes the logged-in user without exposing tokens
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())

	user, err := h.accounts.GetUser(r.Context(), session.UserID)
	if errors.Is(err, storage.ErrUserNotFound) {
		err = auth.ErrLoggedOut
	}
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	data, ok := user.Services[h.service]
	if !ok {
		h.writeAuthError(w, r, auth.ErrLoggedOut)
		return
	}

	_ = jsonwriter.Write(w, meResponse{
		ID:      user.ID,
		Service: h.service,
		Subject: data.ID,
		Claims:  data.Claims,
	})
}
