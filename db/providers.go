package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
)

const (
	providerColumns = `id, name, base_url, remote_identifier, provider_public_key_pem, server_private_key_pem, confirmed, created_at`

	sqlInsertProvider     = `INSERT INTO providers(` + providerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectProviderById = `SELECT ` + providerColumns + ` FROM providers WHERE id = ?`

	sqlInsertAccessToken     = `INSERT INTO access_tokens(id, account_id, token, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectAccessToken     = `SELECT id, account_id, token, created_at FROM access_tokens WHERE token = ? AND revoked = 0`
	sqlRevokeAccessToken     = `UPDATE access_tokens SET revoked = 1 WHERE id = ?`
	sqlSelectAccessTokenById = `SELECT id, account_id, token, created_at FROM access_tokens WHERE id = ? AND revoked = 0`
)

func (db *DB) CreateProvider(ctx context.Context, p *domain.Provider) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertProvider, p.Id, p.Name, p.BaseURL, p.RemoteIdentifier, p.ProviderPublicKeyPem, p.ServerPrivateKeyPem, p.Confirmed, p.CreatedAt)
		return err
	})
}

// FindProviderById returns nil and no error for unknown providers.
func (db *DB) FindProviderById(ctx context.Context, id uuid.UUID) (*domain.Provider, error) {
	var p domain.Provider
	err := db.db.QueryRowContext(ctx, sqlSelectProviderById, id).Scan(&p.Id, &p.Name, &p.BaseURL, &p.RemoteIdentifier,
		&p.ProviderPublicKeyPem, &p.ServerPrivateKeyPem, &p.Confirmed, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *DB) CreateAccessToken(ctx context.Context, t *domain.AccessToken) error {
	if t.Id == uuid.Nil {
		t.Id = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccessToken, t.Id, t.AccountId, t.Token, t.CreatedAt)
		return err
	})
}

// FindAccessToken returns nil for unknown or revoked tokens.
func (db *DB) FindAccessToken(ctx context.Context, token string) (*domain.AccessToken, error) {
	return db.findAccessToken(ctx, sqlSelectAccessToken, token)
}

func (db *DB) FindAccessTokenById(ctx context.Context, id uuid.UUID) (*domain.AccessToken, error) {
	return db.findAccessToken(ctx, sqlSelectAccessTokenById, id)
}

func (db *DB) findAccessToken(ctx context.Context, query string, arg any) (*domain.AccessToken, error) {
	var t domain.AccessToken
	err := db.db.QueryRowContext(ctx, query, arg).Scan(&t.Id, &t.AccountId, &t.Token, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *DB) RevokeAccessToken(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRevokeAccessToken, id)
		return err
	})
}
