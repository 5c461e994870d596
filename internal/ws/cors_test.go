package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func originRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/graphql", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestCheckOriginAllowAll(t *testing.T) {
	c := CORSConfig{Mode: CORSAllowAll}
	assert.NoError(t, c.checkOrigin(originRequest("https://anything.test")))
	assert.NoError(t, c.checkOrigin(originRequest("")))
}

func TestCheckOriginAllowedDomains(t *testing.T) {
	c := CORSConfig{Mode: CORSAllowedOrigins, Domains: []string{"example.com"}}

	assert.NoError(t, c.checkOrigin(originRequest("https://example.com")))
	assert.NoError(t, c.checkOrigin(originRequest("https://EXAMPLE.com")))
	assert.Error(t, c.checkOrigin(originRequest("https://evil.test")))
	assert.Error(t, c.checkOrigin(originRequest("https://sub.example.com")))
	assert.Error(t, c.checkOrigin(originRequest("")))
	assert.Error(t, c.checkOrigin(originRequest("::notaurl")))
}

func TestCheckOriginWildcards(t *testing.T) {
	c := CORSConfig{Mode: CORSAllowedOrigins, Wildcards: []string{"example.com"}}

	assert.NoError(t, c.checkOrigin(originRequest("https://app.example.com")))
	assert.NoError(t, c.checkOrigin(originRequest("https://a.b.example.com")))
	assert.Error(t, c.checkOrigin(originRequest("https://example.com.evil.test")))
}

func TestFilterHeadersStripsCookieWhenDisabled(t *testing.T) {
	h := http.Header{}
	h.Set("Cookie", "session=1")
	h.Set("Authorization", "Bearer t")

	c := CORSConfig{Mode: CORSDisabled, ReadCookie: false}
	out := c.filterHeaders(h, zap.NewNop())
	assert.Empty(t, out.Get("Cookie"))
	assert.Equal(t, "Bearer t", out.Get("Authorization"))

	c = CORSConfig{Mode: CORSDisabled, ReadCookie: true}
	out = c.filterHeaders(h, zap.NewNop())
	assert.Equal(t, "session=1", out.Get("Cookie"))
}
