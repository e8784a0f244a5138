// Package secrets resolves credential references found in configuration.
// A config value such as "env://ORCH_TOKEN" or "vault://secret/data/officebus#token"
// is replaced with the secret it names before any component reads it.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Secret holds resolved credential material. Never log Value.
type Secret struct {
	Value    string
	Metadata map[string]string // Backend-specific, e.g. path and field.
}

// Provider resolves a credential reference into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	Resolve(ctx context.Context, ref string) (*Secret, error)
	Name() string
}

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

var schemes = []string{"env://", "vault://"}

// IsReference reports whether v names a secret rather than holding one.
func IsReference(v string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(v, s) {
			return true
		}
	}
	return false
}

// Chain tries each provider in order. The first successful resolution wins.
type Chain []Provider

func (c Chain) Name() string { return "chain" }

func (c Chain) Resolve(ctx context.Context, ref string) (*Secret, error) {
	var lastErr error
	for _, p := range c {
		s, err := p.Resolve(ctx, ref)
		if err == nil {
			return s, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no provider for %q", ErrSecretNotFound, ref)
}

// New builds the provider chain. Vault is included only when vault is non-nil.
func New(vault *VaultConfig) (Provider, error) {
	chain := Chain{NewEnvProvider()}
	if vault != nil {
		vp, err := NewVaultProvider(*vault)
		if err != nil {
			return nil, err
		}
		chain = append(chain, vp)
	}
	return chain, nil
}

// ResolveFields replaces every field holding a reference with its secret.
// Plain values are left untouched.
func ResolveFields(ctx context.Context, p Provider, fields ...*string) error {
	for _, f := range fields {
		if f == nil || !IsReference(*f) {
			continue
		}
		s, err := p.Resolve(ctx, *f)
		if err != nil {
			scheme, _, _ := strings.Cut(*f, "://")
			return fmt.Errorf("resolving %s reference: %w", scheme, err)
		}
		*f = s.Value
	}
	return nil
}
