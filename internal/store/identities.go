package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrIdentityNotFound is returned when an identity id has no matching row.
var ErrIdentityNotFound = errors.New("store: identity not found")

// Identity is an external-platform account.
type Identity struct {
	ID              string
	Platform        string
	Name            string
	AccountType     string
	Status          string
	CookieEncrypted string
	UserAgent       string
	LastUsedAt      *time.Time
	BlockedAt       *time.Time
	BlockedReason   string
	CreatedAt       time.Time
}

const identitySelectSQL = `
	SELECT id, platform, name, account_type, status, cookie_encrypted, user_agent,
	       last_used_at, blocked_at, blocked_reason, created_at
	FROM identities
`

func scanIdentityRow(row pgx.Row) (*Identity, error) {
	var id Identity
	var cookie, ua, reason *string
	err := row.Scan(&id.ID, &id.Platform, &id.Name, &id.AccountType, &id.Status, &cookie, &ua,
		&id.LastUsedAt, &id.BlockedAt, &reason, &id.CreatedAt)
	if err != nil {
		return nil, err
	}
	id.CookieEncrypted = derefStr(cookie)
	id.UserAgent = derefStr(ua)
	id.BlockedReason = derefStr(reason)
	return &id, nil
}

// CreateIdentity inserts a new identity and returns its id.
func (s *Store) CreateIdentity(ctx context.Context, platform, name, userAgent, accountType, status string) (string, error) {
	if accountType == "" {
		accountType = "free"
	}
	if status == "" {
		status = "active"
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (id, platform, name, account_type, status, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, platform, name, accountType, status, nullStr(userAgent))
	if err != nil {
		return "", fmt.Errorf("store: create identity: %w", err)
	}
	return id, nil
}

// ListActiveIdentitiesByPlatform returns active identities for platform
// ordered by last_used_at ascending with nulls first (unused identities
// are preferred over recently-used ones).
func (s *Store) ListActiveIdentitiesByPlatform(ctx context.Context, platform string) ([]*Identity, error) {
	rows, err := s.pool.Query(ctx, identitySelectSQL+`
		WHERE platform = $1 AND status = 'active'
		ORDER BY last_used_at ASC NULLS FIRST
	`, platform)
	if err != nil {
		return nil, fmt.Errorf("store: list active identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		id, err := scanIdentityRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetIdentity fetches an identity by id.
func (s *Store) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	identity, err := scanIdentityRow(s.pool.QueryRow(ctx, identitySelectSQL+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get identity: %w", err)
	}
	return identity, nil
}

// GetIdentityByName fetches an identity by platform+name.
func (s *Store) GetIdentityByName(ctx context.Context, platform, name string) (*Identity, error) {
	identity, err := scanIdentityRow(s.pool.QueryRow(ctx, identitySelectSQL+" WHERE platform = $1 AND name = $2", platform, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get identity by name: %w", err)
	}
	return identity, nil
}

// MarkIdentityUsed stamps last_used_at = now.
func (s *Store) MarkIdentityUsed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE identities SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// MarkIdentityBlocked sets status=blocked and records the reason/timestamp.
func (s *Store) MarkIdentityBlocked(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET status = 'blocked', blocked_at = now(), blocked_reason = $1
		WHERE id = $2
	`, reason, id)
	return err
}

// MarkIdentityActive sets status=active and clears block fields.
func (s *Store) MarkIdentityActive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET status = 'active', blocked_at = NULL, blocked_reason = NULL
		WHERE id = $1
	`, id)
	return err
}

// SetIdentityCookie stores the (already-encrypted) cookie blob.
func (s *Store) SetIdentityCookie(ctx context.Context, id, encryptedCookie string) error {
	_, err := s.pool.Exec(ctx, `UPDATE identities SET cookie_encrypted = $1 WHERE id = $2`, encryptedCookie, id)
	return err
}

// DeleteIdentity removes an identity. Returns false if absent.
func (s *Store) DeleteIdentity(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete identity: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListIdentities returns identities, optionally filtered by platform
// and/or status, ordered by platform then name.
func (s *Store) ListIdentities(ctx context.Context, platform, status string) ([]*Identity, error) {
	q := identitySelectSQL + " WHERE 1=1"
	args := []any{}
	if platform != "" {
		args = append(args, platform)
		q += fmt.Sprintf(" AND platform = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY platform ASC, name ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		id, err := scanIdentityRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
