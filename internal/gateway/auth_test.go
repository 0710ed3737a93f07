package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthDisabledInDev(t *testing.T) {
	a := NewAuthenticator("dev", "whatever", true)
	assert.False(t, a.Enabled())

	ok, _ := a.Authorize(httptest.NewRequest("GET", "/ws", nil))
	assert.True(t, ok)
}

func TestAuthProdGeneratesKey(t *testing.T) {
	a := NewAuthenticator("prod", "", false)
	require.True(t, a.Enabled())
	assert.Len(t, a.Key(), 32)
}

func TestAuthProdExplicitEmptyDisables(t *testing.T) {
	a := NewAuthenticator("prod", "", true)
	assert.False(t, a.Enabled())
}

func TestAuthorizeBearerHeader(t *testing.T) {
	a := NewAuthenticator("prod", "sekret", true)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer sekret")
	ok, subprotocol := a.Authorize(r)
	assert.True(t, ok)
	assert.Empty(t, subprotocol)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	ok, _ = a.Authorize(r)
	assert.False(t, ok)
}

func TestAuthorizeSubprotocol(t *testing.T) {
	a := NewAuthenticator("prod", "sekret", true)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "dominds-auth.sekret, json")
	ok, subprotocol := a.Authorize(r)
	assert.True(t, ok)
	assert.Equal(t, "dominds-auth.sekret", subprotocol)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "dominds-auth.wrong")
	ok, _ = a.Authorize(r)
	assert.False(t, ok)
}

func TestAuthorizeMissingCredentials(t *testing.T) {
	a := NewAuthenticator("prod", "sekret", true)
	ok, _ := a.Authorize(httptest.NewRequest("GET", "/ws", nil))
	assert.False(t, ok)
}
