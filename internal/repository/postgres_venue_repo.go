package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/japinait/internal/model"
)

// PostgresVenueRepo は会場の審査・集計用リポジトリ。
// 一般的な参照・更新は汎用テーブル操作を通す。
type PostgresVenueRepo struct {
	db *sql.DB
}

// NewPostgresVenueRepo はPostgresVenueRepoを生成する。
func NewPostgresVenueRepo(db *sql.DB) *PostgresVenueRepo {
	return &PostgresVenueRepo{db: db}
}

const venueColumns = `id, owner_id, name, address, status, average_rating, total_reviews, total_favorites, view_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVenue(row rowScanner) (*model.Venue, error) {
	v := &model.Venue{}
	var status string
	err := row.Scan(&v.ID, &v.OwnerID, &v.Name, &v.Address, &status, &v.AverageRating,
		&v.TotalReviews, &v.TotalFavorites, &v.ViewCount, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.Status = model.VenueStatus(status)
	return v, nil
}

// FindByID は指定IDの会場を取得する。見つからない場合はnilを返す。
func (r *PostgresVenueRepo) FindByID(ctx context.Context, id string) (*model.Venue, error) {
	v, err := scanVenue(r.db.QueryRowContext(ctx,
		`SELECT `+venueColumns+` FROM venues WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		err = translatePQError(err)
		if errors.Is(err, ErrInvalidValue) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find venue: %w", err)
	}
	return v, nil
}

// List は審査状態を問わず新しい順に会場を返す。statusが空なら全件。
func (r *PostgresVenueRepo) List(ctx context.Context, status model.VenueStatus, limit int) ([]model.Venue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+venueColumns+` FROM venues
		 WHERE ($1::text = '' OR status = $1::text)
		 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list venues: %w", err)
	}
	defer rows.Close()

	var venues []model.Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan venue: %w", err)
		}
		venues = append(venues, *v)
	}
	return venues, rows.Err()
}

// Delete は会場を削除する。写真・イベント・お気に入り・レビューも連鎖削除される。
func (r *PostgresVenueRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM venues WHERE id = $1`, id)
	if err != nil {
		err = translatePQError(err)
		if errors.Is(err, ErrInvalidValue) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete venue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// TransitionStatus は現在のステータスがfromの場合に限りtoへ更新する。
func (r *PostgresVenueRepo) TransitionStatus(ctx context.Context, id string, from, to model.VenueStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE venues SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update venue status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// IsOwner は会場の所有者がuserIDかどうかを返す。
func (r *PostgresVenueRepo) IsOwner(ctx context.Context, venueID, userID string) (bool, error) {
	var owned bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM venues WHERE id = $1 AND owner_id = $2)`,
		venueID, userID,
	).Scan(&owned)
	if err != nil {
		err = translatePQError(err)
		if errors.Is(err, ErrInvalidValue) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check venue owner: %w", err)
	}
	return owned, nil
}

// Stats は管理画面向けの集計値を返す。
func (r *PostgresVenueRepo) Stats(ctx context.Context) (*model.AdminStats, error) {
	s := &model.AdminStats{}
	err := r.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT count(*) FROM profiles),
		   (SELECT count(*) FROM venues),
		   (SELECT count(*) FROM events),
		   (SELECT count(*) FROM venues WHERE status = 'pending')`,
	).Scan(&s.Users, &s.Venues, &s.Events, &s.PendingVenues)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	return s, nil
}

// RecomputeCounters はレビュー・お気に入りから集計カラムを再計算する。
// 値が変わる会場のみ更新する。
func (r *PostgresVenueRepo) RecomputeCounters(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE venues v SET
		   average_rating = c.avg_rating,
		   total_reviews = c.review_count,
		   total_favorites = c.favorite_count
		 FROM (
		   SELECT ve.id,
		          COALESCE((SELECT round(avg(rating)::numeric, 2) FROM reviews WHERE venue_id = ve.id), 0) AS avg_rating,
		          (SELECT count(*) FROM reviews WHERE venue_id = ve.id) AS review_count,
		          (SELECT count(*) FROM favorites WHERE venue_id = ve.id) AS favorite_count
		   FROM venues ve
		 ) c
		 WHERE v.id = c.id
		   AND (v.average_rating <> c.avg_rating
		        OR v.total_reviews <> c.review_count
		        OR v.total_favorites <> c.favorite_count)`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute venue counters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ VenueRepository = (*PostgresVenueRepo)(nil)
