// Package secrets renders the shell's secrets file. The file is a YAML
// template whose functions pull values from the environment, local files or
// registered secret providers, so no secret has to be written to disk or
// passed on the command line.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	// maxTemplateSize bounds the secrets template and its rendered output.
	maxTemplateSize = 1 << 20
)

// ErrIncompleteVAPID is returned when only one half of the VAPID key pair is set.
var ErrIncompleteVAPID = errors.New("secrets: vapid public_key and private_key must be set together")

// Secrets holds the resolved secret values.
type Secrets struct {
	// AuthToken protects the operator endpoints.
	AuthToken string `yaml:"auth_token"`

	// APIToken authenticates calls to the app's REST API.
	APIToken string `yaml:"api_token"`

	// VAPID signs web push messages.
	VAPID VAPID `yaml:"vapid"`
}

// VAPID is the web push signing identity.
type VAPID struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	Subscriber string `yaml:"subscriber"`
}

// Validate checks that the VAPID pair is complete or absent.
func (s *Secrets) Validate() error {
	if (s.VAPID.PublicKey == "") != (s.VAPID.PrivateKey == "") {
		return ErrIncompleteVAPID
	}
	return nil
}

// Provider resolves a secret reference to its value.
type Provider func(ctx context.Context, ref string) (string, error)

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named provider as a template function.
func WithProvider(name string, p Provider) Option {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// Resolver renders a secrets template.
type Resolver struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver with the built-in functions env,
// envDefault, file and json plus any registered providers.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		providers: make(map[string]Provider),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "secrets")
	return r
}

// ResolveFile reads and resolves a secrets template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secrets file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return r.Resolve(ctx, f)
}

// Resolve renders a secrets template read from rd.
func (r *Resolver) Resolve(ctx context.Context, rd io.Reader) (*Secrets, error) {
	data, err := io.ReadAll(io.LimitReader(rd, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading secrets template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("secrets template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("secrets").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing secrets template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing secrets template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered secrets exceed maximum size of %d bytes", maxTemplateSize)
	}

	var s Secrets
	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding rendered secrets: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// funcs builds the template functions. Provider lookups are memoized for
// one render so a reference used twice is fetched once.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("quoting value: %w", err)
			}
			return string(b), nil
		},
	}

	memo := make(map[string]string)
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := memo[key]; ok {
				return val, nil
			}
			val, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			r.logger.Debug("resolved secret", "provider", name)
			memo[key] = val
			return val, nil
		}
	}
	return fm
}
