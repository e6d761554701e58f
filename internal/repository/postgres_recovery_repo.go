package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/japinait/internal/model"
)

// PostgresRecoveryTokenRepo はパスワード再設定トークンのリポジトリ。
type PostgresRecoveryTokenRepo struct {
	db *sql.DB
}

// NewPostgresRecoveryTokenRepo はPostgresRecoveryTokenRepoを生成する。
func NewPostgresRecoveryTokenRepo(db *sql.DB) *PostgresRecoveryTokenRepo {
	return &PostgresRecoveryTokenRepo{db: db}
}

// Create はトークンを保存する。
func (r *PostgresRecoveryTokenRepo) Create(ctx context.Context, t *model.RecoveryToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recovery_tokens (id, user_id, token_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recovery token: %w", err)
	}
	return nil
}

// Consume は未使用かつ有効期限内のトークンを1回だけ使用済みにする。
func (r *PostgresRecoveryTokenRepo) Consume(ctx context.Context, hash string) (*model.RecoveryToken, error) {
	t := &model.RecoveryToken{}
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`UPDATE recovery_tokens SET used_at = now()
		 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()
		 RETURNING id, user_id, token_hash, expires_at, used_at, created_at`,
		hash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &usedAt, &t.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume recovery token: %w", err)
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	return t, nil
}

// compile-time interface check
var _ RecoveryTokenRepository = (*PostgresRecoveryTokenRepo)(nil)
