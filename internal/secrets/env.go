package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves "env://VARIABLE" references.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, ok := strings.CutPrefix(ref, "env://")
	if !ok {
		return nil, fmt.Errorf("%w: not an env reference: %q", ErrSecretNotFound, ref)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty variable name", ErrSecretNotFound)
	}
	value, set := os.LookupEnv(name)
	if !set || value == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrSecretNotFound, name)
	}
	return &Secret{Value: value, Metadata: map[string]string{"source": "env", "variable": name}}, nil
}
