package origin

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, normalized, host string
		ok                   bool
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"https://[::1]:8443", "https://[::1]:8443", "[::1]:8443", true},
		{"null", "null", "", true},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com?x=1", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com#frag", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
		{"example.com", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		normalized, host, ok := Normalize(tc.in)
		assert.Equal(t, tc.ok, ok, "Normalize(%q) ok", tc.in)
		assert.Equal(t, tc.normalized, normalized, "Normalize(%q) normalized", tc.in)
		assert.Equal(t, tc.host, host, "Normalize(%q) host", tc.in)
	}
}

func TestPolicy_DefaultIsSameHost(t *testing.T) {
	p := NewPolicy(nil)

	assert.True(t, p.Allows("", "relay.example.com"), "missing Origin")
	assert.True(t, p.Allows("https://relay.example.com", "relay.example.com:443"), "same host with default port")
	assert.True(t, p.Allows("https://relay.example.com", "relay.example.com"), "same host behind TLS proxy")
	assert.False(t, p.Allows("https://evil.example.com", "relay.example.com"), "other host")
	assert.False(t, p.Allows("http://localhost:3000", "localhost:8080"), "port mismatch")
	assert.False(t, p.Allows("null", "relay.example.com"), "null origin")
	assert.False(t, p.Allows("not an origin", "relay.example.com"), "malformed origin")
}

func TestPolicy_AllowList(t *testing.T) {
	p := NewPolicy([]string{"https://app.example.com"})
	assert.True(t, p.Allows("https://APP.example.com:443", "relay.internal"), "listed origin")
	assert.False(t, p.Allows("https://relay.internal", "relay.internal"), "unlisted origin on same host")

	wildcard := NewPolicy([]string{"*"})
	assert.True(t, wildcard.Allows("http://anything.test:1234", "relay.internal"))
}

func TestPolicy_CheckOrigin(t *testing.T) {
	r := httptest.NewRequest("GET", "http://relay.test:8080/signal", nil)
	r.Header.Set("Origin", "http://relay.test:8080")
	assert.True(t, NewPolicy(nil).CheckOrigin(r), "same-origin upgrade")

	r.Header.Set("Origin", "http://other.test:8080")
	assert.False(t, NewPolicy(nil).CheckOrigin(r), "cross-origin upgrade")
}
