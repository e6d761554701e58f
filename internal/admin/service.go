// Package admin は会場審査と管理画面集計のドメインロジックを提供する。
package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/repository"
)

// AccountCreator は管理者によるアカウント作成。auth.Service が実装する。
type AccountCreator interface {
	CreateUser(ctx context.Context, email, password string, meta model.UserMetadata) (*model.Profile, error)
}

// listLimit は管理画面の一覧で返す最大件数。
const listLimit = 500

// Service は管理者向け操作のサービス層。
// 呼び出し元が venue_admin であることはハンドラー側で保証する。
type Service struct {
	venueRepo   repository.VenueRepository
	profileRepo repository.ProfileRepository
	accounts    AccountCreator
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(venueRepo repository.VenueRepository, profileRepo repository.ProfileRepository, accounts AccountCreator) *Service {
	return &Service{venueRepo: venueRepo, profileRepo: profileRepo, accounts: accounts}
}

// ListVenues は審査状態を問わず会場を返す。statusが空なら全件。
func (s *Service) ListVenues(ctx context.Context, status model.VenueStatus) ([]model.Venue, error) {
	if status != "" && !status.Valid() {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("unknown venue status %q", status))
	}
	venues, err := s.venueRepo.List(ctx, status, listLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list venues: %w", err)
	}
	if venues == nil {
		venues = []model.Venue{}
	}
	return venues, nil
}

// DeleteVenue は会場を削除する。
func (s *Service) DeleteVenue(ctx context.Context, p *model.Principal, venueID string) error {
	if p == nil {
		return model.NewUnauthorizedError()
	}
	ok, err := s.venueRepo.Delete(ctx, venueID)
	if err != nil {
		return fmt.Errorf("failed to delete venue: %w", err)
	}
	if !ok {
		return model.NewInvalidRequestError("venue not found")
	}
	slog.Info("venue deleted", slog.String("venue_id", venueID), slog.String("by", p.UserID))
	return nil
}

// ListUsers は登録済みユーザーのプロフィールを新しい順に返す。
func (s *Service) ListUsers(ctx context.Context) ([]model.Profile, error) {
	profiles, err := s.profileRepo.List(ctx, listLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if profiles == nil {
		profiles = []model.Profile{}
	}
	return profiles, nil
}

// CreateUser はアカウントとプロフィールを作成する。
func (s *Service) CreateUser(ctx context.Context, p *model.Principal, email, password string, meta model.UserMetadata) (*model.Profile, error) {
	if p == nil {
		return nil, model.NewUnauthorizedError()
	}
	profile, err := s.accounts.CreateUser(ctx, email, password, meta)
	if err != nil {
		return nil, err
	}
	slog.Info("account created", slog.String("user_id", profile.ID), slog.String("by", p.UserID))
	return profile, nil
}

// SetVenueStatus は会場の審査状態を更新する。
// pending→approved と pending→rejected のみ許可し、それ以外は INVALID_STATUS_TRANSITION を返す。
func (s *Service) SetVenueStatus(ctx context.Context, p *model.Principal, venueID string, status model.VenueStatus) (*model.Venue, error) {
	if p == nil {
		return nil, model.NewUnauthorizedError()
	}
	if !status.Valid() {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("unknown venue status %q", status))
	}

	// 1. 現在の状態を取得
	venue, err := s.venueRepo.FindByID(ctx, venueID)
	if err != nil {
		return nil, fmt.Errorf("failed to find venue: %w", err)
	}
	if venue == nil {
		return nil, model.NewInvalidRequestError("venue not found")
	}

	// 2. 遷移可否を検証
	if !venue.Status.CanTransitionTo(status) {
		return nil, model.NewInvalidStatusTransitionError(venue.Status, status)
	}

	// 3. 現在の状態を条件に更新（同時審査で後勝ちにしない）
	ok, err := s.venueRepo.TransitionStatus(ctx, venueID, venue.Status, status)
	if err != nil {
		return nil, fmt.Errorf("failed to update venue status: %w", err)
	}
	if !ok {
		current, err := s.venueRepo.FindByID(ctx, venueID)
		if err != nil {
			return nil, fmt.Errorf("failed to find venue: %w", err)
		}
		from := venue.Status
		if current != nil {
			from = current.Status
		}
		return nil, model.NewInvalidStatusTransitionError(from, status)
	}

	slog.Info("venue status changed",
		slog.String("venue_id", venueID),
		slog.String("from", string(venue.Status)),
		slog.String("to", string(status)),
		slog.String("by", p.UserID),
	)

	venue.Status = status
	return venue, nil
}

// Stats は管理画面の集計値を返す。
func (s *Service) Stats(ctx context.Context) (*model.AdminStats, error) {
	stats, err := s.venueRepo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return stats, nil
}
