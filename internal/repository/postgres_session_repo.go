package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/japinait/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.StoredSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, refresh_token_hash, recovery, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, s.RefreshTokenHash, s.Recovery, s.ExpiresAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) findActive(ctx context.Context, where string, arg string) (*model.StoredSession, error) {
	s := &model.StoredSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, refresh_token_hash, recovery, expires_at, created_at
		 FROM sessions
		 WHERE `+where+` = $1 AND revoked_at IS NULL AND expires_at > now()`,
		arg,
	).Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.Recovery, &s.ExpiresAt, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", translatePQError(err))
	}
	return s, nil
}

// FindActiveByID は失効・期限切れでないセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindActiveByID(ctx context.Context, id string) (*model.StoredSession, error) {
	return r.findActive(ctx, "id", id)
}

// FindActiveByRefreshHash はリフレッシュトークンハッシュで有効なセッションを取得する。
func (r *PostgresSessionRepo) FindActiveByRefreshHash(ctx context.Context, hash string) (*model.StoredSession, error) {
	return r.findActive(ctx, "refresh_token_hash", hash)
}

// Rotate はリフレッシュトークンを差し替える。
// 同じトークンでの並行リフレッシュは先着1件のみ成功する。
func (r *PostgresSessionRepo) Rotate(ctx context.Context, id, oldHash, newHash string, expiresAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET refresh_token_hash = $3, expires_at = $4
		 WHERE id = $1 AND refresh_token_hash = $2 AND revoked_at IS NULL`,
		id, oldHash, newHash, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rotate session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Revoke は指定セッションを失効させる。既に失効済みでもエラーにしない。
func (r *PostgresSessionRepo) Revoke(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeOthers は keepID 以外の有効セッションを失効させ、失効したIDを返す。
func (r *PostgresSessionRepo) RevokeOthers(ctx context.Context, userID, keepID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE sessions SET revoked_at = now()
		 WHERE user_id = $1 AND id <> $2 AND revoked_at IS NULL
		 RETURNING id`,
		userID, keepID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
