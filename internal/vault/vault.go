// Package vault implements the credential vault: password hashing for local
// login and authenticated encryption of per-tenant upstream secrets.
//
// The vault is a pure transformation layer. It performs no I/O, keeps no
// state beyond its parameters, and never logs inputs. Upstream secrets are
// sealed under a key derived from the tenant's login password and the
// tenant's key-derivation salt, so the stored blob is useless without the
// password and the password is never recoverable from the blob.
//
// The derived key — not the password — is what flows through a session:
// login derives it once, and later session-scoped operations (secret
// rotation, lazy re-registration) re-encrypt under it without the password
// being present.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

var (
	// ErrInvalidCredential is returned when a password does not match a
	// stored hash, or when decryption fails authentication under a
	// well-formed blob (wrong key). Callers treat it as "require re-login".
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrCorruptBlob is returned when a stored ciphertext is structurally
	// broken (bad encoding, truncated). It forces re-login and is never
	// auto-repaired by discarding data.
	ErrCorruptBlob = errors.New("corrupt credential blob")

	// ErrMalformedHash is returned when a stored password hash cannot be
	// parsed. Indicates storage corruption, not a user error.
	ErrMalformedHash = errors.New("malformed password hash")
)

const (
	saltLen       = 16
	phcPrefix     = "$argon2id$"
	argon2Version = argon2.Version
)

// Vault hashes passwords and seals upstream secrets.
type Vault struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

// New creates a vault with the given argon2id parameters.
func New(cfg config.VaultConfig) *Vault {
	return &Vault{
		time:    cfg.Time,
		memory:  cfg.MemoryKiB,
		threads: cfg.Threads,
		keyLen:  cfg.KeyLen,
	}
}

// NewSalt draws a fresh key-derivation salt. One is fixed per tenant at
// registration and replaced on password change.
func (v *Vault) NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives the tenant's symmetric key from password and salt.
// Deterministic for a (password, salt) pair.
func (v *Vault) DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, v.time, v.memory, v.threads, v.keyLen)
}

// HashPassword derives a one-way, salted argon2id hash of password,
// encoded in PHC string format for storage. This hash is independent of
// the encryption key: it uses its own salt, so knowing it never helps
// decrypt a blob.
func (v *Vault) HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	sum := argon2.IDKey([]byte(password), salt, v.time, v.memory, v.threads, v.keyLen)

	encoded := fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		phcPrefix, argon2Version, v.memory, v.time, v.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	)
	return encoded, nil
}

// VerifyPassword checks password against a stored PHC-encoded hash.
// Returns ErrInvalidCredential on mismatch. The comparison is constant-time
// and re-derives with the parameters recorded in the hash, so stored
// hashes survive configuration changes.
func (v *Vault) VerifyPassword(password, encoded string) error {
	memory, time, threads, salt, sum, err := parsePHC(encoded)
	if err != nil {
		return err
	}

	derived := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(sum)))
	if subtle.ConstantTimeCompare(derived, sum) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

// Encrypt seals secret under key. The returned blob is
// base64(nonce || ciphertext) with a fresh random nonce per call, so
// sealing the same secret twice yields unrelated blobs.
func (v *Vault) Encrypt(secret string, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(secret), nil)

	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt with the same key.
//
// A structurally broken blob yields ErrCorruptBlob. A well-formed blob
// that fails authentication yields ErrInvalidCredential: with an
// authenticated cipher a wrong key and a flipped ciphertext bit are
// indistinguishable, so callers that have already verified the password
// against its hash should read ErrInvalidCredential here as corruption.
// Either way the operation fails closed; garbage is never returned.
func (v *Vault) Decrypt(blob string, key []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}

	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: blob too short", ErrCorruptBlob)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := raw[:chacha20poly1305.NonceSizeX]
	sealed := raw[chacha20poly1305.NonceSizeX:]

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCredential
	}
	return string(plain), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	c, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return c, nil
}

// parsePHC extracts parameters, salt and digest from a PHC argon2id string.
func parsePHC(encoded string) (memory, time uint32, threads uint8, salt, sum []byte, err error) {
	if !strings.HasPrefix(encoded, phcPrefix) {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}

	parts := strings.Split(encoded, "$")
	// ["", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash]
	if len(parts) != 6 {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2Version {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}

	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &p); err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	sum, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	return memory, time, p, salt, sum, nil
}
