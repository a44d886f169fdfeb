// Package identity implements the Identity Registry: platform account
// selection by least-recent-use, optionally honoring rate limits, plus
// transparent cookie encryption through the Secrets Vault's cipher.
package identity

import (
	"context"

	"github.com/AlexisLaporte/otomata-worker/internal/store"
)

// limiter is the narrow rate-limiter surface the registry needs.
type limiter interface {
	CanRequest(ctx context.Context, identityID, action string) (bool, int, error)
}

// cipher is the narrow secrets-vault surface needed for cookie get/set;
// identity cookies are encrypted with the same cipher/master key as the
// vault's own secrets, not a separate key.
type cipher interface {
	EncryptForStorage(value string) (string, error)
	DecryptFromStorage(blob string) (string, error)
}

// rowStore is the narrow store surface the registry needs.
type rowStore interface {
	ListActiveIdentitiesByPlatform(ctx context.Context, platform string) ([]*store.Identity, error)
	GetIdentity(ctx context.Context, id string) (*store.Identity, error)
	GetIdentityByName(ctx context.Context, platform, name string) (*store.Identity, error)
	CreateIdentity(ctx context.Context, platform, name, userAgent, accountType, status string) (string, error)
	MarkIdentityUsed(ctx context.Context, id string) error
	MarkIdentityBlocked(ctx context.Context, id, reason string) error
	MarkIdentityActive(ctx context.Context, id string) error
	SetIdentityCookie(ctx context.Context, id, encryptedCookie string) error
	DeleteIdentity(ctx context.Context, id string) (bool, error)
	ListIdentities(ctx context.Context, platform, status string) ([]*store.Identity, error)
}

// Registry is the Identity Registry component.
type Registry struct {
	store   rowStore
	limiter limiter
	cipher  cipher
}

// New creates a Registry. limiter may be nil if action-aware selection
// is never used.
func New(s rowStore, l limiter, c cipher) *Registry {
	return &Registry{store: s, limiter: l, cipher: c}
}

// Available returns the best identity id for platform: the
// least-recently-used active identity, optionally filtered to the first
// one for which the rate limiter admits action. Returns "" if none
// qualify.
func (r *Registry) Available(ctx context.Context, platform, action string) (string, error) {
	identities, err := r.store.ListActiveIdentitiesByPlatform(ctx, platform)
	if err != nil {
		return "", err
	}
	if len(identities) == 0 {
		return "", nil
	}
	if action == "" {
		return identities[0].ID, nil
	}
	for _, id := range identities {
		ok, _, err := r.limiter.CanRequest(ctx, id.ID, action)
		if err != nil {
			return "", err
		}
		if ok {
			return id.ID, nil
		}
	}
	return "", nil
}

// GetByName resolves an identity by platform+name.
func (r *Registry) GetByName(ctx context.Context, platform, name string) (*store.Identity, error) {
	return r.store.GetIdentityByName(ctx, platform, name)
}

// GetByID resolves an identity by id.
func (r *Registry) GetByID(ctx context.Context, id string) (*store.Identity, error) {
	return r.store.GetIdentity(ctx, id)
}

// Create registers a new identity, encrypting cookie if given.
func (r *Registry) Create(ctx context.Context, platform, name, cookie, userAgent, accountType, status string) (string, error) {
	id, err := r.store.CreateIdentity(ctx, platform, name, userAgent, accountType, status)
	if err != nil {
		return "", err
	}
	if cookie != "" {
		if err := r.SetCookie(ctx, id, cookie); err != nil {
			return "", err
		}
	}
	return id, nil
}

// MarkUsed stamps the identity's last_used_at.
func (r *Registry) MarkUsed(ctx context.Context, id string) error {
	return r.store.MarkIdentityUsed(ctx, id)
}

// MarkBlocked marks an identity blocked with a reason.
func (r *Registry) MarkBlocked(ctx context.Context, id, reason string) error {
	return r.store.MarkIdentityBlocked(ctx, id, reason)
}

// MarkActive clears an identity's blocked state.
func (r *Registry) MarkActive(ctx context.Context, id string) error {
	return r.store.MarkIdentityActive(ctx, id)
}

// GetCookie decrypts and returns the identity's stored cookie, if any.
func (r *Registry) GetCookie(ctx context.Context, id string) (string, error) {
	identity, err := r.store.GetIdentity(ctx, id)
	if err != nil {
		return "", err
	}
	if identity.CookieEncrypted == "" {
		return "", nil
	}
	return r.cipher.DecryptFromStorage(identity.CookieEncrypted)
}

// SetCookie encrypts and stores cookie for the identity.
func (r *Registry) SetCookie(ctx context.Context, id, cookie string) error {
	encrypted, err := r.cipher.EncryptForStorage(cookie)
	if err != nil {
		return err
	}
	return r.store.SetIdentityCookie(ctx, id, encrypted)
}

// Delete removes an identity.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	return r.store.DeleteIdentity(ctx, id)
}

// ListAll returns identities, optionally filtered by platform/status.
func (r *Registry) ListAll(ctx context.Context, platform, status string) ([]*store.Identity, error) {
	return r.store.ListIdentities(ctx, platform, status)
}
