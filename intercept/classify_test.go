package intercept

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := Classifier{}

	tests := []struct {
		method string
		path   string
		query  string
		want   Strategy
	}{
		{http.MethodGet, "/static/app.css", "", CacheFirst},
		{http.MethodGet, "/static/app.js", "", CacheFirst},
		{http.MethodGet, "/fonts/inter.woff2", "", CacheFirst},
		{http.MethodGet, "/data/config.json", "", CacheFirst},
		{http.MethodPost, "/static/app.js", "", Bypass},
		{http.MethodHead, "/static/app.js", "", Bypass},
		{http.MethodGet, "/api/lists", "", Bypass},
		{http.MethodGet, "/api/static/app.js", "", Bypass},
		{http.MethodGet, "/index.html", "", Bypass},
		{http.MethodGet, "/notes/view.html", "", Bypass},
		{http.MethodGet, "/", "", Bypass},
		{http.MethodGet, "", "", Bypass},
		{http.MethodGet, "/static/app.js", "v=2", Bypass},
	}

	for _, tt := range tests {
		got := c.Classify(tt.method, tt.path, tt.query)
		assert.Equal(t, tt.want, got, "%s %s?%s", tt.method, tt.path, tt.query)
	}
}

func TestClassify_CustomAPIPrefix(t *testing.T) {
	c := Classifier{APIPrefix: "/v2/"}

	assert.Equal(t, Bypass, c.Classify(http.MethodGet, "/v2/items", ""))
	assert.Equal(t, CacheFirst, c.Classify(http.MethodGet, "/api/items", ""))
}

func TestCacheable(t *testing.T) {
	for _, p := range []string{"/a.css", "/a.js", "/a.png", "/a.jpg", "/a.svg", "/a.woff", "/a.woff2", "/A.CSS"} {
		assert.True(t, Cacheable(p), p)
	}
	for _, p := range []string{"/a.json", "/a.html", "/a.jpeg", "/a", "/a.gif"} {
		assert.False(t, Cacheable(p), p)
	}
}

func TestStrategy_String(t *testing.T) {
	assert.Equal(t, "bypass", Bypass.String())
	assert.Equal(t, "cache-first", CacheFirst.String())
}
