package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/offline-shell/intercept"
	"github.com/wolfeidau/offline-shell/telemetry"
	"golang.org/x/net/html"
)

// maxPageSize bounds the HTML shell read during discovery.
const maxPageSize = 2 * 1024 * 1024

// Discover fetches the app's HTML shell at page and returns the same-origin
// stylesheets, scripts, images and icons it references that the interceptor
// would cache.
func Discover(ctx context.Context, client *http.Client, origin, page string, classifier intercept.Classifier) ([]string, error) {
	base, err := url.Parse(strings.TrimSuffix(origin, "/") + page)
	if err != nil {
		return nil, fmt.Errorf("parsing page URL: %w", err)
	}

	req, err := http.NewRequestWithContext(telemetry.WithOperation(ctx, "discover"), http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", page, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", page, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	var refs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if ref := assetRef(n); ref != "" {
				refs = append(refs, ref)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var assets []string
	for _, ref := range refs {
		u, err := base.Parse(ref)
		if err != nil || u.Host != base.Host || u.Scheme != base.Scheme {
			continue
		}
		asset := u.EscapedPath()
		if u.RawQuery != "" {
			asset += "?" + u.RawQuery
		}
		if _, err := Normalize([]string{asset}, classifier); err != nil {
			continue
		}
		assets = append(assets, asset)
	}

	return assets, nil
}

// assetRef returns the referenced URL of an element that loads a static asset.
func assetRef(n *html.Node) string {
	attr := func(key string) string {
		for _, a := range n.Attr {
			if a.Key == key {
				return a.Val
			}
		}
		return ""
	}

	switch n.Data {
	case "script", "img":
		return attr("src")
	case "link":
		for _, rel := range strings.Fields(strings.ToLower(attr("rel"))) {
			switch rel {
			case "stylesheet", "icon", "apple-touch-icon", "preload", "modulepreload", "manifest":
				return attr("href")
			}
		}
	}
	return ""
}
