package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dgellow/u5auth/internal/auth"
	"github.com/dgellow/u5auth/internal/cookie"
	jsonwriter "github.com/dgellow/u5auth/internal/json"
	"github.com/dgellow/u5auth/internal/metrics"
)

// pendingLogin is signed into the login cookie between redirect and callback
type pendingLogin struct {
	CredentialToken string `json:"credentialToken"`
	ReturnTo        string `json:"returnTo"`
}

// safeReturnPath only lets local absolute paths through
func safeReturnPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	return p
}

// Login starts a login attempt and redirects to the provider
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.login.InitiateLogin(r.Context())
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	value, err := h.loginState.Sign(pendingLogin{
		CredentialToken: attempt.CredentialToken,
		ReturnTo:        safeReturnPath(r.URL.Query().Get("return")),
	})
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	cookie.SetLogin(w, value, auth.CredentialTokenTTL)

	h.logger.Debug("Redirecting to identity provider", map[string]any{
		"service": h.service,
	})
	http.Redirect(w, r, attempt.URL, http.StatusFound)
}

// Callback completes the login started by Login. Nothing is written to the
// store unless the whole handshake succeeds.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("service") != h.service {
		jsonwriter.WriteNotFound(w, "Unknown service")
		return
	}
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		cookie.ClearLogin(w)
		h.metrics.Login(metrics.LoginProvider)
		h.logger.Info("Identity provider returned an error", map[string]any{
			"service":     h.service,
			"error":       providerErr,
			"description": query.Get("error_description"),
		})
		jsonwriter.WriteError(w, http.StatusBadRequest, "provider_error", providerErr)
		return
	}

	pending, ok := h.pendingLogin(r, query.Get("state"))
	if !ok {
		cookie.ClearLogin(w)
		h.metrics.Login(metrics.LoginInvalidState)
		jsonwriter.WriteBadRequest(w, "Invalid or expired login attempt")
		return
	}
	cookie.ClearLogin(w)

	result, err := h.login.CompleteLogin(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	user, err := h.accounts.UpsertServiceUser(r.Context(), h.service, result.ServiceData, result.Profile)
	if err != nil {
		h.metrics.Login(metrics.LoginStore)
		h.writeAuthError(w, r, err)
		return
	}

	// A login replaces whatever session the browser had
	if previous, err := h.sessions.FromRequest(r); err == nil {
		if err := h.sessions.EndSession(r.Context(), previous.ID); err != nil {
			h.logger.Warn("Failed to end previous session", map[string]any{"error": err.Error()})
		}
	}

	session, err := h.sessions.EstablishSession(r.Context(), user.ID)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	if err := h.sessions.SetCookie(w, session); err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	h.logger.Info("User logged in", map[string]any{
		"service": h.service,
		"user_id": user.ID,
	})
	http.Redirect(w, r, pending.ReturnTo, http.StatusFound)
}

// pendingLogin checks that the login cookie belongs to the attempt named
// by state
func (h *Handlers) pendingLogin(r *http.Request, state string) (pendingLogin, bool) {
	raw, err := cookie.GetLogin(r)
	if err != nil {
		return pendingLogin{}, false
	}

	var pending pendingLogin
	if err := h.loginState.Verify(raw, &pending); err != nil {
		h.logger.Debug("Rejected login cookie", map[string]any{"error": err.Error()})
		return pendingLogin{}, false
	}

	credential, err := auth.DecodeState(state)
	if err != nil {
		return pendingLogin{}, false
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(pending.CredentialToken)) != 1 {
		return pendingLogin{}, false
	}
	pending.ReturnTo = safeReturnPath(pending.ReturnTo)
	return pending, true
}

// Logout ends the current session, if any
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if session, err := h.sessions.FromRequest(r); err == nil {
		if err := h.sessions.EndSession(r.Context(), session.ID); err != nil {
			h.writeAuthError(w, r, err)
			return
		}
		h.logger.Info("User logged out", map[string]any{"user_id": session.UserID})
	}
	cookie.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}
