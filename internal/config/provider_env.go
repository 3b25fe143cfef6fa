package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider implements SecretProvider by treating each reference as the
// name of another environment variable. References are upper-cased with
// '/', '-' and '.' folded to '_', so "billing/stripe-key" reads
// BILLING_STRIPE_KEY.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch resolves each key via os.LookupEnv. Missing keys are
// omitted from the result.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(envName(key)); ok {
			result[key] = val
		}
	}
	return result, nil
}

var refReplacer = strings.NewReplacer("/", "_", "-", "_", ".", "_")

func envName(ref string) string {
	return strings.ToUpper(refReplacer.Replace(strings.Trim(ref, "/")))
}
