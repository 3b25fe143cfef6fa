package config

import "context"

// SecretProvider abstracts the retrieval of secrets referenced by
// _SECRET_REF variables, so a managed secret store can be plugged in without
// touching the loader.
type SecretProvider interface {
	// GetParametersBatch resolves the given references in one call and
	// returns ref -> plaintext for every reference that was found.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
