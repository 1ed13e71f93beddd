// security.go - Security headers and CSRF protection for the form flow.
package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"docgate/internal/access"
)

// securityHeadersMiddleware adds security headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// Prevent MIME sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Referrer Policy - don't leak tokens embedded in URLs
		w.Header().Set("Referrer-Policy", "no-referrer")

		csp := "default-src 'self'; " +
			"frame-ancestors 'none'; " +
			"base-uri 'self'; " +
			"form-action 'self'"
		w.Header().Set("Content-Security-Policy", csp)

		// Permissions Policy - disable unused browser features
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}

const (
	csrfCookieName = "dg_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfFieldName  = "csrf_token"
)

// csrfGuard implements double-submit-cookie CSRF protection: the token
// travels both as a cookie and as a header/form field, and the two must
// match. Stateless on the server, which fits the no-shared-state design.
type csrfGuard struct {
	secureCookies bool
}

func newCSRFGuard(secureCookies bool) *csrfGuard {
	return &csrfGuard{secureCookies: secureCookies}
}

// issue generates a fresh token and sets the cookie.
func (g *csrfGuard) issue(w http.ResponseWriter) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Secure:   g.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// valid reports whether the submitted token matches the cookie.
func (g *csrfGuard) valid(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	submitted := r.Header.Get(csrfHeaderName)
	if submitted == "" {
		submitted = r.PostFormValue(csrfFieldName)
	}
	if submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(submitted)) == 1
}

// handleCSRF issues a token for the form flow.
func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := s.csrf.issue(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "System error. Please contact technical support.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// requireCSRF wraps a handler with double-submit validation. Failures
// are recorded in the audit trail before the core is ever invoked.
func (s *Server) requireCSRF(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.csrf.valid(r) {
			s.svc.CSRFRejected(access.Request{
				Token:      r.PostFormValue("token"),
				RemoteAddr: r.RemoteAddr,
				Header:     r.Header,
			})
			writeError(w, http.StatusForbidden, "Invalid session. Please try again.")
			return
		}
		next(w, r)
	}
}
