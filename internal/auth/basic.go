package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

const Realm = "certmimic"

type Basic struct {
	Enabled  bool
	Username string
	Password string
}

// Check validates the Proxy-Authorization header, falling back to
// Authorization for clients that only send the latter.
func (b Basic) Check(r *http.Request) bool {
	if !b.Enabled {
		return true
	}
	u, p, ok := proxyCredentials(r)
	if !ok {
		return false
	}
	if b.Username == "" && b.Password == "" {
		return true
	}
	uok := subtle.ConstantTimeCompare([]byte(u), []byte(b.Username))
	pok := subtle.ConstantTimeCompare([]byte(p), []byte(b.Password))
	return uok&pok == 1
}

// Challenge writes a 407 asking for credentials.
func (b Basic) Challenge(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", `Basic realm="`+Realm+`"`)
	http.Error(w, "proxy auth required", http.StatusProxyAuthRequired)
}

func proxyCredentials(r *http.Request) (string, string, bool) {
	h := r.Header.Get("Proxy-Authorization")
	if h == "" {
		return r.BasicAuth()
	}
	const prefix = "Basic "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", "", false
	}
	c, err := base64.StdEncoding.DecodeString(h[len(prefix):])
	if err != nil {
		return "", "", false
	}
	u, p, ok := strings.Cut(string(c), ":")
	return u, p, ok
}
