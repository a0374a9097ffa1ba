package intercept

import (
	"net/http"
	"path"
	"strings"
)

// DefaultAPIPrefix is the path prefix of the app's REST API.
const DefaultAPIPrefix = "/api/"

// Strategy is how a request is answered.
type Strategy int

const (
	// Bypass always goes to the network and never touches the cache.
	Bypass Strategy = iota

	// CacheFirst answers from the cache when possible and revalidates in the background.
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	default:
		return "bypass"
	}
}

// cacheableExtensions are the static asset types written to the cache.
var cacheableExtensions = map[string]struct{}{
	".css":   {},
	".js":    {},
	".png":   {},
	".jpg":   {},
	".svg":   {},
	".woff":  {},
	".woff2": {},
}

// Classifier decides the strategy for a request.
type Classifier struct {
	APIPrefix string
}

// Classify applies the rules in order; the first match wins.
func (c Classifier) Classify(method, urlPath, rawQuery string) Strategy {
	if method != http.MethodGet {
		return Bypass
	}

	prefix := c.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	switch {
	case strings.HasPrefix(urlPath, prefix),
		strings.HasSuffix(urlPath, ".html"),
		urlPath == "/" || urlPath == "",
		rawQuery != "":
		return Bypass
	}

	return CacheFirst
}

// ClassifyRequest classifies an inbound request.
func (c Classifier) ClassifyRequest(r *http.Request) Strategy {
	return c.Classify(r.Method, r.URL.Path, r.URL.RawQuery)
}

// Cacheable reports whether a successful response for urlPath may be stored.
func Cacheable(urlPath string) bool {
	_, ok := cacheableExtensions[strings.ToLower(path.Ext(urlPath))]
	return ok
}
