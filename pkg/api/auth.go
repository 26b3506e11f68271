package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"socks-fleet/pkg/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) authEnabled() bool {
	return s.opt.Token != "" || s.opt.AdminPasswordHash != ""
}

// loginEnabled reports whether operator JWTs are issued and accepted.
func (s *Server) loginEnabled() bool {
	return s.opt.AdminPasswordHash != "" && s.issuer != nil
}

// authorized accepts the static token or an operator JWT, from X-Auth-Token,
// a Bearer header, or the token query parameter (browsers cannot set headers on websockets).
func (s *Server) authorized(r *http.Request) bool {
	if !s.authEnabled() {
		return true
	}
	tok := r.Header.Get("X-Auth-Token")
	if tok == "" {
		if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
			tok = strings.TrimPrefix(authz, "Bearer ")
		}
	}
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return false
	}
	if s.opt.Token != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(s.opt.Token)) == 1 {
		return true
	}
	if !s.loginEnabled() {
		return false
	}
	_, err := s.issuer.Parse(tok)
	return err == nil
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginEnabled() {
		writeError(w, http.StatusForbidden, "login disabled")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Username != s.opt.AdminUser || !auth.CheckPassword(s.opt.AdminPasswordHash, req.Password) {
		s.log.Warnf("failed login for %q from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.issuer.Generate(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
