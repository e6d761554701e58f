// Package stats は会場の集計カラム（平均評価・レビュー数・お気に入り数）を
// 定期的に再計算するバッチジョブを提供する。
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CounterRecomputer は集計カラムの再計算を行うインターフェース。
// repository.VenueRepository が実装する。
type CounterRecomputer interface {
	RecomputeCounters(ctx context.Context) (int64, error)
}

// Recorder は再計算件数を記録するメトリクスのインターフェース。
type Recorder interface {
	RecordCountersRecomputed(count int64)
}

// BatchConfig はバッチジョブの設定パラメータ。
type BatchConfig struct {
	// Interval はバッチジョブの実行間隔（デフォルト: 10分）。
	Interval time.Duration
	// Timeout は1サイクルの最大実行時間（デフォルト: 1分）。
	Timeout time.Duration
}

// DefaultBatchConfig はデフォルトのバッチジョブ設定を返す。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Interval: 10 * time.Minute,
		Timeout:  time.Minute,
	}
}

// BatchJob は会場集計の再計算ジョブ。
// 連続して失敗した場合はバックオフして次のサイクルをスキップする。
type BatchJob struct {
	venues            CounterRecomputer
	recorder          Recorder
	logger            *slog.Logger
	config            BatchConfig
	consecutiveErrors int
	backoffUntil      time.Time
	now               func() time.Time
}

// NewBatchJob はBatchJobの新しいインスタンスを生成する。recorder は nil でもよい。
func NewBatchJob(venues CounterRecomputer, recorder Recorder, logger *slog.Logger, config BatchConfig) *BatchJob {
	return &BatchJob{
		venues:   venues,
		recorder: recorder,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Start はバッチジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (b *BatchJob) Start(ctx context.Context) {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	b.logger.Info("venue stats job started", slog.Duration("interval", b.config.Interval))

	// 起動直後に1回実行
	b.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("venue stats job stopped")
			return
		case <-ticker.C:
			b.runLogged(ctx)
		}
	}
}

func (b *BatchJob) runLogged(ctx context.Context) {
	if err := b.RunOnce(ctx); err != nil {
		b.logger.Error("venue stats cycle failed", slog.String("error", err.Error()))
	}
}

// RunOnce は1回の再計算サイクルを実行する。
func (b *BatchJob) RunOnce(ctx context.Context) error {
	start := b.now()

	// バックオフ中の場合はスキップ
	if !b.backoffUntil.IsZero() && start.Before(b.backoffUntil) {
		b.logger.Info("venue stats job is backing off",
			slog.Time("backoff_until", b.backoffUntil),
		)
		return nil
	}

	if b.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}

	updated, err := b.venues.RecomputeCounters(ctx)
	if err != nil {
		b.consecutiveErrors++
		if backoff := calculateErrorBackoff(b.consecutiveErrors); backoff > 0 {
			b.backoffUntil = start.Add(backoff)
			b.logger.Warn("applying backoff after consecutive failures",
				slog.Int("consecutive_errors", b.consecutiveErrors),
				slog.Duration("backoff_duration", backoff),
			)
		}
		return fmt.Errorf("failed to recompute venue counters: %w", err)
	}

	b.consecutiveErrors = 0
	b.backoffUntil = time.Time{}
	if b.recorder != nil {
		b.recorder.RecordCountersRecomputed(updated)
	}

	b.logger.Info("venue stats cycle completed",
		slog.Int64("updated_venues", updated),
		slog.Float64("duration_ms", float64(b.now().Sub(start).Milliseconds())),
	)
	return nil
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
