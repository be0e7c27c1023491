package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

const tokenCookieName = "variantd_token"

// authMiddleware accepts the operator token as a bearer token, a query
// param or a cookie. A valid query param also sets the cookie so browser
// sessions need the token only once.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			bearer, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || !s.validToken(bearer) {
				s.unauthorized(w, r)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if queryToken := r.URL.Query().Get("token"); queryToken != "" {
			if !s.validToken(queryToken) {
				s.unauthorized(w, r)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     tokenCookieName,
				Value:    s.token,
				Path:     "/",
				HttpOnly: true,
				MaxAge:   int(24 * time.Hour / time.Second),
				SameSite: http.SameSiteLaxMode,
			})
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(tokenCookieName)
		if err != nil || !s.validToken(cookie.Value) {
			s.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="variantd"`)
	writeError(w, r, http.StatusUnauthorized, "unauthorized", "")
}
