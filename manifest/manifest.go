// Package manifest loads the list of core assets that make up the offline
// application shell. Install fetches every entry before a generation can
// take control of requests.
package manifest

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/wolfeidau/offline-shell/intercept"
	"gopkg.in/yaml.v3"
)

// ErrInvalidAsset is returned when a manifest entry can never be served from the cache.
var ErrInvalidAsset = errors.New("manifest: invalid asset")

// Manifest is the ordered set of core asset paths.
type Manifest struct {
	Assets []string `yaml:"assets"`
}

// Load reads and validates a YAML manifest file.
func Load(path string, classifier intercept.Classifier) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(b, classifier)
}

// Parse decodes and validates a YAML manifest.
func Parse(data []byte, classifier intercept.Classifier) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	assets, err := Normalize(m.Assets, classifier)
	if err != nil {
		return nil, err
	}
	m.Assets = assets
	return &m, nil
}

// Normalize validates entries in order and drops duplicates. Entries must be
// root-relative and cacheable: anything the interceptor bypasses or refuses
// to store could never be answered offline.
func Normalize(assets []string, classifier intercept.Classifier) ([]string, error) {
	seen := make(map[string]struct{}, len(assets))
	out := make([]string, 0, len(assets))

	for idx, asset := range assets {
		asset = strings.TrimSpace(asset)
		if !strings.HasPrefix(asset, "/") || strings.HasPrefix(asset, "//") {
			return nil, fmt.Errorf("%w: assets[%d] %q must be a root-relative path", ErrInvalidAsset, idx, asset)
		}
		u, err := url.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("%w: assets[%d] %q: %w", ErrInvalidAsset, idx, asset, err)
		}
		if classifier.Classify(http.MethodGet, u.Path, u.RawQuery) != intercept.CacheFirst {
			return nil, fmt.Errorf("%w: assets[%d] %q is never served from cache", ErrInvalidAsset, idx, asset)
		}
		if !intercept.Cacheable(u.Path) {
			return nil, fmt.Errorf("%w: assets[%d] %q has no cacheable extension", ErrInvalidAsset, idx, asset)
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}

	return out, nil
}

// Merge appends discovered assets that are not already listed.
func (m *Manifest) Merge(assets []string) {
	seen := make(map[string]struct{}, len(m.Assets))
	for _, a := range m.Assets {
		seen[a] = struct{}{}
	}
	for _, a := range assets {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		m.Assets = append(m.Assets, a)
	}
}
