package tenant

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/config"
	"github.com/fyrsmithlabs/framesearch/internal/token"
	"github.com/fyrsmithlabs/framesearch/internal/upstream"
	"github.com/fyrsmithlabs/framesearch/internal/vault"
)

// ErrInvalidInput is returned when an id, password or URL fails the
// account validation rules.
var ErrInvalidInput = errors.New("invalid input")

// Manager owns the tenant lifecycle: local accounts, login, and the
// upstream registration state machine. All mutations of a tenant's
// credential state are serialized per tenant, so concurrent requests
// cannot double-register or interleave a rotation with a re-registration.
type Manager struct {
	store   Store
	vault   *vault.Vault
	issuer  *token.Issuer
	clients upstream.Factory
	auth    config.AuthConfig
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires the manager to its collaborators.
func NewManager(store Store, v *vault.Vault, issuer *token.Issuer, clients upstream.Factory, auth config.AuthConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		vault:   v,
		issuer:  issuer,
		clients: clients,
		auth:    auth,
		logger:  logger,
		locks:   map[string]*sync.Mutex{},
	}
}

// lockTenant returns the mutex serializing credential mutations for id.
func (m *Manager) lockTenant(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// keyFingerprint is stored per tenant to detect vault keys from sessions
// that predate a password change. One-way; reveals nothing about the key.
func keyFingerprint(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

func (m *Manager) checkSessionKey(t *Tenant, vaultKey []byte) error {
	if subtle.ConstantTimeCompare(keyFingerprint(vaultKey), t.KeyCheck) != 1 {
		return vault.ErrInvalidCredential
	}
	return nil
}

func (m *Manager) validateID(id string) error {
	if len(id) < m.auth.TenantIDMinLength || len(id) > m.auth.TenantIDMaxLength {
		return fmt.Errorf("%w: tenant id must be %d..%d characters",
			ErrInvalidInput, m.auth.TenantIDMinLength, m.auth.TenantIDMaxLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: tenant id may contain only letters, digits, '-' and '_'", ErrInvalidInput)
		}
	}
	return nil
}

func (m *Manager) validatePassword(password string) error {
	if len(password) < m.auth.PasswordMinLength || len(password) > m.auth.PasswordMaxLength {
		return fmt.Errorf("%w: password must be %d..%d characters",
			ErrInvalidInput, m.auth.PasswordMinLength, m.auth.PasswordMaxLength)
	}
	return nil
}

// Register creates a local account. No upstream call happens here; the
// tenant registers upstream lazily on first authenticated use.
func (m *Manager) Register(ctx context.Context, id, password, upstreamURL string) error {
	if err := m.validateID(id); err != nil {
		return err
	}
	if err := m.validatePassword(password); err != nil {
		return err
	}
	if upstreamURL == "" {
		return fmt.Errorf("%w: upstream url is required", ErrInvalidInput)
	}

	lock := m.lockTenant(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.store.Get(id); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	hash, err := m.vault.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	salt, err := m.vault.NewSalt()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	t := &Tenant{
		ID:           id,
		PasswordHash: hash,
		KDFSalt:      salt,
		KeyCheck:     keyFingerprint(m.vault.DeriveKey(password, salt)),
		UpstreamURL:  upstreamURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Put(t); err != nil {
		return err
	}

	m.logger.Info("tenant registered", zap.String("tenant_id", id))
	return nil
}

// Login verifies the password and issues a session token. The token
// carries the upstream API key current at this moment and the vault key
// derived from the password; neither is stored server-side.
//
// An unknown id and a wrong password are indistinguishable to the caller.
func (m *Manager) Login(ctx context.Context, id, password string) (string, *token.Session, error) {
	t, err := m.store.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, vault.ErrInvalidCredential
		}
		return "", nil, err
	}

	if err := m.vault.VerifyPassword(password, t.PasswordHash); err != nil {
		return "", nil, err
	}

	key := m.vault.DeriveKey(password, t.KDFSalt)

	upstreamKey := ""
	if t.EncryptedUpstreamKey != "" {
		upstreamKey, err = m.vault.Decrypt(t.EncryptedUpstreamKey, key)
		if err != nil {
			return "", nil, err
		}
	}

	signed, err := m.issuer.Issue(id, upstreamKey, key, 0)
	if err != nil {
		return "", nil, err
	}
	sess, err := m.issuer.Verify(signed)
	if err != nil {
		return "", nil, err
	}

	m.logger.Info("tenant logged in", zap.String("tenant_id", id))
	return signed, sess, nil
}

// EnsureRegistered makes sure the tenant holds a live upstream
// registration and returns the API key to use for upstream calls in this
// request. When the stored registration is still valid no upstream
// mutation happens; when it is absent or rejected, a fresh API key and
// client credential pair are minted, transmitted once, and persisted as
// ciphertext and hash only.
//
// The store, not the session, is authoritative: a session carrying a
// stale key picks up the key a concurrent re-registration already
// persisted instead of registering again.
func (m *Manager) EnsureRegistered(ctx context.Context, sess *token.Session) (string, error) {
	lock := m.lockTenant(sess.TenantID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.Get(sess.TenantID)
	if err != nil {
		return "", err
	}
	// A session from before a password change must not decrypt with, or
	// re-seal under, its outdated vault key.
	if err := m.checkSessionKey(t, sess.VaultKey); err != nil {
		return "", err
	}
	client := m.clients(t.UpstreamURL)

	if t.EncryptedUpstreamKey != "" {
		apiKey, err := m.vault.Decrypt(t.EncryptedUpstreamKey, sess.VaultKey)
		if err != nil {
			return "", err
		}
		registered, err := client.IsRegistered(ctx, apiKey)
		switch {
		case err == nil && registered:
			return apiKey, nil
		case err != nil && !errors.Is(err, upstream.ErrRejected):
			return "", err
		}
		// Rejected or reported unregistered: fall through and re-register.
	}

	apiKey := uuid.NewString()
	clientID := uuid.NewString()
	clientSecret := uuid.NewString()

	if err := client.Register(ctx, upstream.Registration{
		APIKey:       apiKey,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}); err != nil {
		return "", err
	}

	blob, err := m.vault.Encrypt(apiKey, sess.VaultKey)
	if err != nil {
		return "", err
	}
	secretHash, err := m.vault.HashPassword(clientSecret)
	if err != nil {
		return "", err
	}

	t.EncryptedUpstreamKey = blob
	t.ClientID = clientID
	t.ClientSecretHash = secretHash
	t.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(t); err != nil {
		return "", err
	}

	m.logger.Info("tenant registered upstream", zap.String("tenant_id", sess.TenantID))
	return apiKey, nil
}

// RotateSecret retires the tenant's upstream credential: the upstream
// reissues it, the replacement is sealed under the key derived from the
// password, persisted, and returned in plaintext exactly once so the
// caller can keep working in its live session. Tokens issued before the
// rotation still embed the retired key, and the upstream rejects it until
// their holders log in again. Requires the password; possession of a
// token alone is not enough to rotate.
func (m *Manager) RotateSecret(ctx context.Context, sess *token.Session, password string) (string, error) {
	lock := m.lockTenant(sess.TenantID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.Get(sess.TenantID)
	if err != nil {
		return "", err
	}
	if err := m.vault.VerifyPassword(password, t.PasswordHash); err != nil {
		return "", err
	}
	if t.EncryptedUpstreamKey == "" {
		return "", fmt.Errorf("%w: tenant has no upstream registration", ErrInvalidInput)
	}

	key := m.vault.DeriveKey(password, t.KDFSalt)
	apiKey, err := m.vault.Decrypt(t.EncryptedUpstreamKey, key)
	if err != nil {
		return "", err
	}

	newKey, err := m.clients(t.UpstreamURL).RotateSecret(ctx, apiKey)
	if err != nil {
		return "", err
	}

	blob, err := m.vault.Encrypt(newKey, key)
	if err != nil {
		return "", err
	}
	t.EncryptedUpstreamKey = blob
	t.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(t); err != nil {
		return "", err
	}

	m.logger.Info("upstream secret rotated", zap.String("tenant_id", sess.TenantID))
	return newKey, nil
}

// InvalidateSecret revokes the tenant's upstream registration and clears
// the stored credential state. Outstanding tokens keep carrying the dead
// key; the upstream rejects them, which forces their holders back through
// login, where EnsureRegistered establishes a fresh registration.
func (m *Manager) InvalidateSecret(ctx context.Context, sess *token.Session, password string) error {
	lock := m.lockTenant(sess.TenantID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.Get(sess.TenantID)
	if err != nil {
		return err
	}
	if err := m.vault.VerifyPassword(password, t.PasswordHash); err != nil {
		return err
	}

	if t.EncryptedUpstreamKey != "" {
		key := m.vault.DeriveKey(password, t.KDFSalt)
		apiKey, err := m.vault.Decrypt(t.EncryptedUpstreamKey, key)
		if err != nil {
			return err
		}
		err = m.clients(t.UpstreamURL).InvalidateSecret(ctx, apiKey)
		if err != nil && !errors.Is(err, upstream.ErrRejected) {
			// Already-rejected means the upstream no longer honors the
			// key, which is the state we want. Anything else aborts
			// before local state is cleared.
			return err
		}
	}

	t.EncryptedUpstreamKey = ""
	t.ClientID = ""
	t.ClientSecretHash = ""
	t.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(t); err != nil {
		return err
	}

	m.logger.Info("upstream credentials invalidated", zap.String("tenant_id", sess.TenantID))
	return nil
}

// ChangePassword re-hashes the login credential and re-seals the upstream
// key under a key derived from the new password. Tokens issued before the
// change carry the old vault key and stop being able to re-seal
// credentials, so their holders re-login within one TTL.
func (m *Manager) ChangePassword(ctx context.Context, sess *token.Session, oldPassword, newPassword string) error {
	if err := m.validatePassword(newPassword); err != nil {
		return err
	}

	lock := m.lockTenant(sess.TenantID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.Get(sess.TenantID)
	if err != nil {
		return err
	}
	if err := m.vault.VerifyPassword(oldPassword, t.PasswordHash); err != nil {
		return err
	}

	upstreamKey := ""
	if t.EncryptedUpstreamKey != "" {
		oldKey := m.vault.DeriveKey(oldPassword, t.KDFSalt)
		upstreamKey, err = m.vault.Decrypt(t.EncryptedUpstreamKey, oldKey)
		if err != nil {
			return err
		}
	}

	hash, err := m.vault.HashPassword(newPassword)
	if err != nil {
		return err
	}
	salt, err := m.vault.NewSalt()
	if err != nil {
		return err
	}

	newKey := m.vault.DeriveKey(newPassword, salt)
	t.PasswordHash = hash
	t.KDFSalt = salt
	t.KeyCheck = keyFingerprint(newKey)
	if upstreamKey != "" {
		blob, err := m.vault.Encrypt(upstreamKey, newKey)
		if err != nil {
			return err
		}
		t.EncryptedUpstreamKey = blob
	}
	t.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(t); err != nil {
		return err
	}

	m.logger.Info("password changed", zap.String("tenant_id", sess.TenantID))
	return nil
}

// VerifyPassword checks the password against the tenant's stored hash.
// Used by handlers that demand a fresh password on destructive actions.
func (m *Manager) VerifyPassword(tenantID, password string) error {
	t, err := m.store.Get(tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return vault.ErrInvalidCredential
		}
		return err
	}
	return m.vault.VerifyPassword(password, t.PasswordHash)
}

// VerifyClientSecret authenticates an inbound push from the upstream:
// the presented pair must match the tenant's issued client id and the
// stored secret hash.
func (m *Manager) VerifyClientSecret(tenantID, clientID, clientSecret string) error {
	t, err := m.store.Get(tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return vault.ErrInvalidCredential
		}
		return err
	}
	if t.ClientID == "" || t.ClientID != clientID || t.ClientSecretHash == "" {
		return vault.ErrInvalidCredential
	}
	return m.vault.VerifyPassword(clientSecret, t.ClientSecretHash)
}

// Unregister forgets the tenant upstream (best effort) and deletes the
// local record. Upstream failures are logged but do not keep the local
// account alive.
func (m *Manager) Unregister(ctx context.Context, sess *token.Session) error {
	lock := m.lockTenant(sess.TenantID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.Get(sess.TenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if t.EncryptedUpstreamKey != "" {
		apiKey, err := m.vault.Decrypt(t.EncryptedUpstreamKey, sess.VaultKey)
		if err == nil {
			if err := m.clients(t.UpstreamURL).Unregister(ctx, apiKey); err != nil {
				m.logger.Warn("upstream unregister failed",
					zap.String("tenant_id", sess.TenantID), zap.Error(err))
			}
		} else {
			m.logger.Warn("could not decrypt upstream key for unregister",
				zap.String("tenant_id", sess.TenantID), zap.Error(err))
		}
	}

	if err := m.store.Delete(sess.TenantID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.locks, sess.TenantID)
	m.mu.Unlock()

	m.logger.Info("tenant unregistered", zap.String("tenant_id", sess.TenantID))
	return nil
}

// UpstreamClient returns a client bound to the tenant's configured
// upstream, for read paths (frames, sources, coverage) that do not mutate
// credential state.
func (m *Manager) UpstreamClient(tenantID string) (upstream.Client, error) {
	t, err := m.store.Get(tenantID)
	if err != nil {
		return nil, err
	}
	return m.clients(t.UpstreamURL), nil
}
