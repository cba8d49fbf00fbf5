// Package secrets wraps the host platform's secret store to hold the
// forge auth token, with no plaintext fallback: if no backend is available,
// callers see core.ErrSecretsUnavailable rather than a degraded store.
package secrets

import (
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/archiveforge/git-archiver/internal/core"
)

const service = "git-archiver"

// Keeper is an opaque get/set store for the forge auth token.
type Keeper struct {
	// account namespaces multiple tokens under one service, e.g. one per
	// configured forge host. Defaults to "default" via NewKeeper.
	account string
}

// NewKeeper returns a Keeper scoped to account. Pass "" for the single
// default token.
func NewKeeper(account string) *Keeper {
	if account == "" {
		account = "default"
	}
	return &Keeper{account: account}
}

// Get returns the stored token. A missing entry is reported as
// core.ErrNotFound; an unsupported platform is reported as
// core.ErrSecretsUnavailable, and any other backend failure as a
// *core.SecretsError.
func (k *Keeper) Get() (string, error) {
	token, err := keyring.Get(service, k.account)
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, keyring.ErrNotFound):
		return "", core.ErrNotFound
	case errors.Is(err, keyring.ErrUnsupportedPlatform):
		return "", core.ErrSecretsUnavailable
	default:
		return "", &core.SecretsError{Err: err}
	}
}

// Set stores token, replacing any existing value.
func (k *Keeper) Set(token string) error {
	if err := keyring.Set(service, k.account, token); err != nil {
		if errors.Is(err, keyring.ErrUnsupportedPlatform) {
			return core.ErrSecretsUnavailable
		}
		return &core.SecretsError{Err: err}
	}
	return nil
}

// Delete removes the stored token, if any.
func (k *Keeper) Delete() error {
	if err := keyring.Delete(service, k.account); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		if errors.Is(err, keyring.ErrUnsupportedPlatform) {
			return core.ErrSecretsUnavailable
		}
		return &core.SecretsError{Err: err}
	}
	return nil
}
