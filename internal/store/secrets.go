package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SecretScope distinguishes a platform-wide secret from one scoped to a
// specific user.
type SecretScope string

const (
	ScopePlatform SecretScope = "platform"
	ScopeUser     SecretScope = "user"
)

// SecretRecord is one row of the secrets table. EncryptedValue is opaque
// ciphertext; callers in internal/secrets decrypt it.
type SecretRecord struct {
	ID             int64
	Key            string
	Scope          SecretScope
	UserID         string // "" sentinel for platform scope / no user
	EncryptedValue string
	Description    string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GetSecretRow fetches the row for (key, scope, userID), honoring the
// "" sentinel for platform-scope/no-user rows.
func (s *Store) GetSecretRow(ctx context.Context, key string, scope SecretScope, userID string) (*SecretRecord, error) {
	var r SecretRecord
	var scopeStr string
	var description *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, key, scope, user_id, encrypted_value, description, expires_at, created_at, updated_at
		FROM secrets WHERE key = $1 AND scope = $2 AND user_id = $3
	`, key, string(scope), userID).Scan(&r.ID, &r.Key, &scopeStr, &r.UserID, &r.EncryptedValue, &description, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get secret: %w", err)
	}
	r.Scope = SecretScope(scopeStr)
	r.Description = derefStr(description)
	return &r, nil
}

// UpsertSecret inserts or updates the row for (key, scope, userID).
func (s *Store) UpsertSecret(ctx context.Context, key string, scope SecretScope, userID, encryptedValue, description string, expiresAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secrets (key, scope, user_id, encrypted_value, description, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key, scope, user_id) DO UPDATE SET
			encrypted_value = EXCLUDED.encrypted_value,
			description = EXCLUDED.description,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`, key, string(scope), userID, encryptedValue, nullStr(description), expiresAt)
	if err != nil {
		return fmt.Errorf("store: upsert secret: %w", err)
	}
	return nil
}

// DeleteSecret removes the row for (key, scope, userID). Returns false if absent.
func (s *Store) DeleteSecret(ctx context.Context, key string, scope SecretScope, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE key = $1 AND scope = $2 AND user_id = $3`, key, string(scope), userID)
	if err != nil {
		return false, fmt.Errorf("store: delete secret: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSecrets returns metadata only (never encrypted_value/plaintext),
// optionally filtered by scope and/or userID ("" = no filter).
func (s *Store) ListSecrets(ctx context.Context, scope SecretScope, userID string) ([]SecretRecord, error) {
	q := `SELECT id, key, scope, user_id, description, expires_at, created_at, updated_at FROM secrets WHERE 1=1`
	args := []any{}
	if scope != "" {
		args = append(args, string(scope))
		q += fmt.Sprintf(" AND scope = $%d", len(args))
	}
	if userID != "" {
		args = append(args, userID, string(ScopePlatform))
		q += fmt.Sprintf(" AND (user_id = $%d OR scope = $%d)", len(args)-1, len(args))
	}
	q += " ORDER BY key ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	defer rows.Close()

	var out []SecretRecord
	for rows.Next() {
		var r SecretRecord
		var scopeStr string
		var description *string
		if err := rows.Scan(&r.ID, &r.Key, &scopeStr, &r.UserID, &description, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Scope = SecretScope(scopeStr)
		r.Description = derefStr(description)
		out = append(out, r)
	}
	return out, rows.Err()
}
