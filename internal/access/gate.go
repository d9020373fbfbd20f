package access

import (
	"crypto/subtle"
	_ "embed"
	"encoding/hex"
	"html/template"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// SessionCookieName carries the session token issued after a correct password.
	SessionCookieName = "link_proxy_auth"

	// SessionTTL bounds the lifetime of a session cookie.
	SessionTTL = 3 * time.Hour

	// PasswordField is the form field the prompt posts.
	PasswordField = "password"

	tokenContext = "link-proxy session v1"
)

//go:embed prompt.html
var promptHTML string

var promptTemplate = template.Must(template.New("prompt").Parse(promptHTML))

// Gate is the optional password gate. A nil *Gate or one built from an empty
// secret lets every request through.
type Gate struct {
	secret []byte
	token  string
}

// NewGate precomputes the session token for secret.
func NewGate(secret string) *Gate {
	if secret == "" {
		return &Gate{}
	}
	return &Gate{secret: []byte(secret), token: SessionToken(secret)}
}

// SessionToken returns the keyed hash stored in the session cookie:
// BLAKE2b-256 keyed with the secret over a fixed context string, hex encoded.
func SessionToken(secret string) string {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes, which is hashed above.
		panic(err)
	}
	_, _ = io.WriteString(h, tokenContext)
	return hex.EncodeToString(h.Sum(nil))
}

// Enabled reports whether a secret is configured.
func (g *Gate) Enabled() bool {
	return g != nil && len(g.secret) > 0
}

// Authenticated reports whether r carries a valid session cookie.
func (g *Gate) Authenticated(r *http.Request) bool {
	if !g.Enabled() {
		return true
	}
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(g.token)) == 1
}

// CheckPassword compares a submitted password with the secret.
func (g *Gate) CheckPassword(password string) bool {
	if !g.Enabled() {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), g.secret) == 1
}

// SessionCookie returns the cookie issued after a successful login.
func (g *Gate) SessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    g.token,
		Path:     "/",
		MaxAge:   int(SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// RenderPrompt writes the password form. failed shows the error line.
func RenderPrompt(w io.Writer, failed bool) error {
	return promptTemplate.Execute(w, struct{ Failed bool }{failed})
}
