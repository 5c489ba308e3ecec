package transport

import (
	"fmt"

	"github.com/danieljoos/wincred"
)

// KeychainPrefix marks an env value that names a stored secret instead of holding it.
const KeychainPrefix = "keychain:"

// SecretResolver turns a secret reference into its value.
type SecretResolver interface {
	Resolve(id string) (string, error)
}

// Keychain handles secure storage of credentials in the OS credential manager.
type Keychain struct {
	prefix string
}

// NewKeychain creates a keychain whose entries are namespaced by prefix.
func NewKeychain(prefix string) *Keychain {
	return &Keychain{prefix: prefix}
}

func (k *Keychain) target(id string) string {
	return fmt.Sprintf("%s:%s", k.prefix, id)
}

// Resolve retrieves a secret.
func (k *Keychain) Resolve(id string) (string, error) {
	cred, err := wincred.GetGenericCredential(k.target(id))
	if err != nil {
		return "", fmt.Errorf("failed to read secret %q: %w", id, err)
	}
	return string(cred.CredentialBlob), nil
}

// Store saves a secret for later resolution.
func (k *Keychain) Store(id, secret string) error {
	cred := wincred.NewGenericCredential(k.target(id))
	cred.CredentialBlob = []byte(secret)
	cred.Persist = wincred.PersistLocalMachine
	if err := cred.Write(); err != nil {
		return fmt.Errorf("failed to store secret %q: %w", id, err)
	}
	return nil
}

// Remove deletes a stored secret.
func (k *Keychain) Remove(id string) error {
	cred, err := wincred.GetGenericCredential(k.target(id))
	if err != nil {
		return fmt.Errorf("failed to read secret %q: %w", id, err)
	}
	return cred.Delete()
}

// StaticSecrets resolves references from a fixed map.
type StaticSecrets map[string]string

func (s StaticSecrets) Resolve(id string) (string, error) {
	v, ok := s[id]
	if !ok {
		return "", fmt.Errorf("secret %q not found", id)
	}
	return v, nil
}
