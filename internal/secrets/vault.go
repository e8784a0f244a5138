package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
)

// VaultConfig configures the Vault KV v2 provider.
// Address, Token and Namespace are overridden by VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 5
	TLSSkipVerify  bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// VaultProvider resolves "vault://<kv v2 api path>#<field>" references.
// Without a field the whole data map is returned as JSON.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider creates a token-authenticated Vault provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	address := strings.TrimRight(goutils.Env("VAULT_ADDR", cfg.Address), "/")
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}
	token := goutils.Env("VAULT_TOKEN", cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set secrets.vault.token or VAULT_TOKEN)")
	}

	timeout := 5 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   address,
		token:     token,
		namespace: goutils.Env("VAULT_NAMESPACE", cfg.Namespace),
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	raw, ok := strings.CutPrefix(ref, "vault://")
	if !ok {
		return nil, fmt.Errorf("%w: not a vault reference: %q", ErrSecretNotFound, ref)
	}
	path, field, _ := strings.Cut(raw, "#")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q", path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	data := envelope.Data.Data
	if data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}

	meta := map[string]string{"source": "vault", "path": path}
	if field == "" {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding vault data: %w", err)
		}
		return &Secret{Value: string(b), Metadata: meta}, nil
	}

	meta["field"] = field
	val, ok := data[field].(string)
	if !ok {
		return nil, fmt.Errorf("%w: field %q missing or not a string in %q", ErrSecretNotFound, field, path)
	}
	return &Secret{Value: val, Metadata: meta}, nil
}
