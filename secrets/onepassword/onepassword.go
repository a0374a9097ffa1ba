// Package onepassword resolves secrets with the 1Password CLI.
package onepassword

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/offline-shell/secrets"
)

// FuncName is the template function the provider is registered as.
const FuncName = "op"

// Provider reads op:// references with `op read`.
func Provider(ctx context.Context, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, "op", "read", "--no-newline", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// With registers the provider as the "op" template function.
func With() secrets.Option {
	return secrets.WithProvider(FuncName, Provider)
}
