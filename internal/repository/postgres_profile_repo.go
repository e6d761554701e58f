package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/japinait/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	p := &model.Profile{}
	var fullName, avatarURL sql.NullString
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, full_name, role, avatar_url, created_at, updated_at
		 FROM profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Email, &fullName, &role, &avatarURL, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}

	p.FullName = fullName.String
	p.AvatarURL = avatarURL.String
	p.Role = model.ParseRole(role)
	return p, nil
}

// Upsert はプロフィールを冪等に書き込む。
// サインアップ直後のクライアント側書き込みと競合しても1行に収束する。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, p *model.Profile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, email, full_name, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email,
		   full_name = EXCLUDED.full_name,
		   role = EXCLUDED.role,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.Email, p.FullName, string(p.Role), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("プロフィールのUPSERTに失敗しました: %w", translatePQError(err))
	}
	return nil
}

// List は新しい順にプロフィールを返す。
func (r *PostgresProfileRepo) List(ctx context.Context, limit int) ([]model.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, email, full_name, role, avatar_url, created_at, updated_at
		 FROM profiles ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("プロフィール一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var profiles []model.Profile
	for rows.Next() {
		var p model.Profile
		var fullName, avatarURL sql.NullString
		var role string
		if err := rows.Scan(&p.ID, &p.Email, &fullName, &role, &avatarURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("プロフィールの読み取りに失敗しました: %w", err)
		}
		p.FullName = fullName.String
		p.AvatarURL = avatarURL.String
		p.Role = model.ParseRole(role)
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
