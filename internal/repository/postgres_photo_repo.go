package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/japinait/internal/model"
)

// PostgresPhotoRepo は会場写真のリポジトリ。
type PostgresPhotoRepo struct {
	db *sql.DB
}

// NewPostgresPhotoRepo はPostgresPhotoRepoを生成する。
func NewPostgresPhotoRepo(db *sql.DB) *PostgresPhotoRepo {
	return &PostgresPhotoRepo{db: db}
}

// Create は写真を末尾に追加する。会場に写真がまだなければis_primaryにする。
// 採番されたorder_index・is_primary・created_atをphotoに書き戻す。
func (r *PostgresPhotoRepo) Create(ctx context.Context, photo *model.VenuePhoto) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO venue_photos (id, venue_id, photo_url, is_primary, order_index)
		 SELECT $1, $2, $3,
		        NOT EXISTS (SELECT 1 FROM venue_photos WHERE venue_id = $2),
		        COALESCE((SELECT max(order_index) + 1 FROM venue_photos WHERE venue_id = $2), 0)
		 RETURNING is_primary, order_index, created_at`,
		photo.ID, photo.VenueID, photo.PhotoURL,
	).Scan(&photo.IsPrimary, &photo.OrderIndex, &photo.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert venue photo: %w", translatePQError(err))
	}
	return nil
}

// compile-time interface check
var _ PhotoRepository = (*PostgresPhotoRepo)(nil)
