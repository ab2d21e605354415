package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// SecretResolver resolves secret references (broker keys, vendor API keys,
// the telegram token) from Vault, falling back to environment variables when
// Vault is not configured or the path is absent. Refs look like
// "secret/data/pulse/broker#api_key"; the env fallback name is derived by
// uppercasing the fragment, e.g. PULSE_API_KEY.
type SecretResolver struct {
	client *vault.Client
	mount  string
}

// NewSecretResolver creates a resolver. A missing VAULT_ADDR is not an
// error: the resolver degrades to environment-only mode.
func NewSecretResolver() (*SecretResolver, error) {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		log.Info().Msg("VAULT_ADDR not set, secrets resolved from environment only")
		return &SecretResolver{}, nil
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	log.Info().Str("addr", addr).Msg("Vault secret resolver initialized")
	return &SecretResolver{client: client}, nil
}

// Resolve returns the secret value for a ref, or an error when neither Vault
// nor the environment can provide it.
func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty secret ref")
	}

	path, field := splitRef(ref)

	if r.client != nil {
		val, err := r.readVault(ctx, path, field)
		if err == nil && val != "" {
			return val, nil
		}
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Vault read failed, trying environment fallback")
		}
	}

	envKey := envFallbackKey(field)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("secret %q not found in vault or environment (%s)", ref, envKey)
}

// ResolveOptional returns the secret or empty without error when absent.
func (r *SecretResolver) ResolveOptional(ctx context.Context, ref string) string {
	val, err := r.Resolve(ctx, ref)
	if err != nil {
		return ""
	}
	return val
}

// readVault reads a KV v2 secret field.
func (r *SecretResolver) readVault(ctx context.Context, path, field string) (string, error) {
	secret, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %s empty", path)
	}

	// KV v2 nests the payload under "data".
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	val, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("field %q missing at %s", field, path)
	}
	return val, nil
}

// splitRef splits "path#field" into its parts; a ref without a fragment uses
// the last path segment as the field name.
func splitRef(ref string) (path, field string) {
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	segs := strings.Split(ref, "/")
	return ref, segs[len(segs)-1]
}

// envFallbackKey derives the environment variable name for a secret field.
func envFallbackKey(field string) string {
	return "PULSE_" + strings.ToUpper(strings.ReplaceAll(field, "-", "_"))
}
