package secrets

import (
	"context"
	"time"

	"github.com/AlexisLaporte/otomata-worker/internal/store"
)

// rowStore is the narrow store surface the vault needs.
type rowStore interface {
	GetSecretRow(ctx context.Context, key string, scope store.SecretScope, userID string) (*store.SecretRecord, error)
	UpsertSecret(ctx context.Context, key string, scope store.SecretScope, userID, encryptedValue, description string, expiresAt *time.Time) error
	DeleteSecret(ctx context.Context, key string, scope store.SecretScope, userID string) (bool, error)
	ListSecrets(ctx context.Context, scope store.SecretScope, userID string) ([]store.SecretRecord, error)
}

// Vault is the Secrets Vault: encrypted storage of platform/user-scoped
// values behind a single process-wide master key.
type Vault struct {
	store     rowStore
	masterKey []byte
}

// New creates a Vault. masterKey must be exactly 32 bytes (see
// DecodeMasterKey).
func New(s rowStore, masterKey []byte) *Vault {
	return &Vault{store: s, masterKey: masterKey}
}

// Metadata describes a stored secret without its value.
type Metadata struct {
	Key         string
	Scope       store.SecretScope
	UserID      string
	Description string
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Get resolves key, trying user scope first (if userID given), honoring
// expiry (an expired secret returns "", false without deleting the row),
// then falling back to platform scope.
func (v *Vault) Get(ctx context.Context, key, userID string) (string, bool, error) {
	if userID != "" {
		val, ok, err := v.getScoped(ctx, key, store.ScopeUser, userID)
		if err != nil || ok {
			return val, ok, err
		}
	}
	return v.getScoped(ctx, key, store.ScopePlatform, "")
}

func (v *Vault) getScoped(ctx context.Context, key string, scope store.SecretScope, userID string) (string, bool, error) {
	row, err := v.store.GetSecretRow(ctx, key, scope, userID)
	if err != nil {
		return "", false, err
	}
	if row == nil {
		return "", false, nil
	}
	if row.ExpiresAt != nil && row.ExpiresAt.Before(time.Now().UTC()) {
		return "", false, nil
	}
	plain, err := decryptBlob(row.EncryptedValue, v.masterKey)
	if err != nil {
		return "", false, err
	}
	return string(plain), true, nil
}

// SetOptions configures a Set call; zero values mean "unset".
type SetOptions struct {
	Scope       store.SecretScope // default ScopePlatform
	UserID      string            // required iff Scope == ScopeUser
	Description string
	ExpiresAt   *time.Time
}

// Set encrypts value and upserts it on (key, scope, userID).
func (v *Vault) Set(ctx context.Context, key, value string, opts SetOptions) error {
	scope := opts.Scope
	if scope == "" {
		scope = store.ScopePlatform
	}
	encrypted, err := encryptBlob([]byte(value), v.masterKey)
	if err != nil {
		return err
	}
	return v.store.UpsertSecret(ctx, key, scope, opts.UserID, encrypted, opts.Description, opts.ExpiresAt)
}

// Delete removes the row for (key, scope, userID).
func (v *Vault) Delete(ctx context.Context, key string, scope store.SecretScope, userID string) (bool, error) {
	return v.store.DeleteSecret(ctx, key, scope, userID)
}

// List returns metadata for stored secrets; never plaintext. When
// userID is given, returns that user's secrets plus all platform
// secrets; scope additionally narrows by scope.
func (v *Vault) List(ctx context.Context, scope store.SecretScope, userID string) ([]Metadata, error) {
	rows, err := v.store.ListSecrets(ctx, scope, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, len(rows))
	for i, r := range rows {
		out[i] = Metadata{
			Key: r.Key, Scope: r.Scope, UserID: r.UserID, Description: r.Description,
			ExpiresAt: r.ExpiresAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		}
	}
	return out, nil
}

// EncryptForStorage and DecryptFromStorage expose the vault's cipher
// directly for callers that need to store an encrypted blob outside the
// secrets table itself (the Identity Registry's cookie field uses the
// same master-key cipher as every vault-managed secret).
func (v *Vault) EncryptForStorage(value string) (string, error) {
	return encryptBlob([]byte(value), v.masterKey)
}

func (v *Vault) DecryptFromStorage(blob string) (string, error) {
	plain, err := decryptBlob(blob, v.masterKey)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// BulkGet resolves each of keys via Get, building a key→value map used
// by Executor Dispatch to build a task's environment. Keys that resolve
// to nothing are silently omitted (never set to "" or an error).
func (v *Vault) BulkGet(ctx context.Context, keys []string, userID string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		val, ok, err := v.Get(ctx, k, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = val
		}
	}
	return out, nil
}
