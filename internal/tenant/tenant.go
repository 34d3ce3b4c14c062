// Package tenant manages tenant accounts and their upstream registration
// lifecycle: local login credentials, the encrypted upstream API key, and
// the client credential pair handed to the upstream for pushing embeddings.
package tenant

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no tenant exists under the given id.
	ErrNotFound = errors.New("tenant not found")

	// ErrExists is returned when registering an id that is already taken.
	ErrExists = errors.New("tenant already exists")
)

// Tenant is the durable per-tenant record. It holds only one-way hashes
// and ciphertext: neither the login password, the upstream API key nor
// the client secret is ever persisted in cleartext.
type Tenant struct {
	ID string `json:"-"`

	// PasswordHash is the argon2id PHC hash of the login password.
	PasswordHash string `json:"password_hash"`

	// KDFSalt is the salt for deriving the tenant's vault key from the
	// login password. Fixed at registration, replaced on password change.
	KDFSalt []byte `json:"kdf_salt"`

	// KeyCheck is a fingerprint of the current vault key. Sessions carry
	// the key they were issued with; the fingerprint detects sessions
	// predating a password change before they can re-seal credentials
	// under a dead key.
	KeyCheck []byte `json:"key_check"`

	// EncryptedUpstreamKey is the vault-sealed upstream API key. Empty
	// until the tenant first registers upstream and after invalidation.
	EncryptedUpstreamKey string `json:"encrypted_upstream_key,omitempty"`

	// UpstreamURL is the base URL of the tenant's source-management
	// service.
	UpstreamURL string `json:"upstream_url"`

	// ClientID identifies this subsystem to the upstream when the
	// upstream pushes embeddings back.
	ClientID string `json:"client_id,omitempty"`

	// ClientSecretHash is the argon2id hash of the client secret issued
	// at upstream registration. Verification only; the plaintext is
	// transmitted exactly once.
	ClientSecretHash string `json:"client_secret_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable tenant store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the tenant or ErrNotFound.
	Get(id string) (*Tenant, error)

	// Put creates or replaces a tenant record.
	Put(t *Tenant) error

	// Delete removes a tenant. Deleting an absent tenant is not an error.
	Delete(id string) error

	// List returns all tenant ids in lexicographic order.
	List() ([]string, error)
}
