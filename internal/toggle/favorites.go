package toggle

import (
	"context"
	"fmt"

	"github.com/hitoshi/japinait/internal/gateway"
	"github.com/hitoshi/japinait/internal/model"
)

// TableGateway はお気に入りストアが利用するゲートウェイのテーブル操作。
type TableGateway interface {
	Select(ctx context.Context, table string, filters []gateway.Filter, opts *gateway.SelectOptions) ([]gateway.Row, error)
	Insert(ctx context.Context, table string, rows ...gateway.Row) ([]gateway.Row, error)
	Delete(ctx context.Context, table string, filters []gateway.Filter) ([]gateway.Row, error)
}

// FavoriteStore は favorites テーブルを使うRelationStore。
type FavoriteStore struct {
	gw TableGateway
}

// NewFavoriteStore はFavoriteStoreを生成する。
func NewFavoriteStore(gw TableGateway) *FavoriteStore {
	return &FavoriteStore{gw: gw}
}

// NewFavorites はお気に入り用のToggleを生成する。
func NewFavorites(gw TableGateway) *Toggle {
	return New(NewFavoriteStore(gw))
}

func (s *FavoriteStore) Find(ctx context.Context, userID, venueID string) (string, bool, error) {
	rows, err := s.gw.Select(ctx, "favorites",
		[]gateway.Filter{gateway.Eq("user_id", userID), gateway.Eq("venue_id", venueID)},
		&gateway.SelectOptions{Limit: 1},
	)
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	id, err := rowID(rows[0])
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *FavoriteStore) Create(ctx context.Context, userID, venueID string) (string, error) {
	rows, err := s.gw.Insert(ctx, "favorites", gateway.Row{"user_id": userID, "venue_id": venueID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", model.NewNotPermittedError()
	}
	return rowID(rows[0])
}

// Remove は関連を削除する。すでに消えていた場合も成功とする。
// ゲートウェイは0件の削除をNOT_PERMITTEDで返すため、行が見えなくなっていれば削除済みとみなす。
func (s *FavoriteStore) Remove(ctx context.Context, relationID string) error {
	byID := []gateway.Filter{gateway.Eq("id", relationID)}
	_, err := s.gw.Delete(ctx, "favorites", byID)
	if err == nil || !gateway.IsCode(err, model.ErrCodeNotPermitted) {
		return err
	}
	rows, findErr := s.gw.Select(ctx, "favorites", byID, &gateway.SelectOptions{Limit: 1})
	if findErr != nil || len(rows) > 0 {
		return err
	}
	return nil
}

func rowID(row gateway.Row) (string, error) {
	id, ok := row["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("favorite row has no id: %v", row["id"])
	}
	return id, nil
}

// compile-time interface check
var _ RelationStore = (*FavoriteStore)(nil)
