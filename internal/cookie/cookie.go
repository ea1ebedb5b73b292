package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/u5auth/internal/envutil"
	"github.com/dgellow/u5auth/internal/log"
)

// Cookie names used by u5auth
const (
	SessionCookie = "u5auth_session"
	// LoginCookie carries the pending login attempt to the callback
	LoginCookie = "u5auth_login"
)

// LoginCookiePath scopes the login cookie to the callback routes
const LoginCookiePath = "/_oauth/"

// SetSession sets the session cookie with appropriate security settings
func SetSession(w http.ResponseWriter, value string, maxAge time.Duration) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge": maxAge.String(),
		"secure": secure,
	})
}

// SetLogin stores the pending login attempt. It must survive the top-level
// redirect back from the provider, hence SameSite=Lax.
func SetLogin(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     LoginCookie,
		Value:    value,
		Path:     LoginCookiePath,
		HttpOnly: true,
		Secure:   !envutil.IsDev(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

// expire removes a cookie by setting MaxAge to -1
func expire(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// ClearSession removes the session cookie
func ClearSession(w http.ResponseWriter) {
	expire(w, SessionCookie, "/")
	log.LogTraceWithFields("cookie", "Session cookie cleared", nil)
}

// ClearLogin removes the login cookie
func ClearLogin(w http.ResponseWriter) {
	expire(w, LoginCookie, LoginCookiePath)
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

// GetSession retrieves the session cookie value
func GetSession(r *http.Request) (string, error) {
	return Get(r, SessionCookie)
}

// GetLogin retrieves the login cookie value
func GetLogin(r *http.Request) (string, error) {
	return Get(r, LoginCookie)
}
