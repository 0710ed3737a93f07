package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"dominds/pkg/logger"
)

// SubprotocolPrefix carries the bearer key over the WebSocket handshake when
// an Authorization header cannot be set (browser clients).
const SubprotocolPrefix = "dominds-auth."

// Authenticator checks bearer-token auth on HTTP and WebSocket requests.
// The zero value is a disabled authenticator.
type Authenticator struct {
	key string
}

// NewAuthenticator resolves the effective auth key. Dev mode disables auth.
// In prod an unset key is generated and logged once; an explicitly empty key
// disables auth.
func NewAuthenticator(mode, key string, keySet bool) *Authenticator {
	if mode != "prod" {
		return &Authenticator{}
	}
	if keySet {
		if key == "" {
			logger.Warn().Msg("auth key explicitly empty, auth disabled in prod mode")
			return &Authenticator{}
		}
		return &Authenticator{key: key}
	}
	generated := generateKey()
	logger.Info().Str("key", generated).Msg("generated auth key")
	return &Authenticator{key: generated}
}

// generateKey produces an RFC 7230 tchar-safe random key.
func generateKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("gateway: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Enabled reports whether requests must carry the key.
func (a *Authenticator) Enabled() bool {
	return a.key != ""
}

// Key returns the effective key, empty when auth is disabled.
func (a *Authenticator) Key() string {
	return a.key
}

func (a *Authenticator) match(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(a.key)) == 1
}

// Authorize checks a request against the key: the Authorization header
// first, then the WebSocket subprotocol offers. It returns the subprotocol
// to echo back in the handshake, if that is how the key arrived.
func (a *Authenticator) Authorize(r *http.Request) (ok bool, subprotocol string) {
	if !a.Enabled() {
		return true, ""
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, found := strings.CutPrefix(h, "Bearer "); found && a.match(token) {
			return true, ""
		}
	}
	for _, offer := range websocketSubprotocols(r) {
		if token, found := strings.CutPrefix(offer, SubprotocolPrefix); found && a.match(token) {
			return true, offer
		}
	}
	return false, ""
}

func websocketSubprotocols(r *http.Request) []string {
	var offers []string
	for _, header := range r.Header["Sec-Websocket-Protocol"] {
		for _, part := range strings.Split(header, ",") {
			if p := strings.TrimSpace(part); p != "" {
				offers = append(offers, p)
			}
		}
	}
	return offers
}
