// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 開催日から保持期間を過ぎたイベント、期限切れ・失効済みのセッション、
// 使用済み・期限切れのパスワード再設定トークンを日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// target は1種類の削除対象。
type target struct {
	name  string
	query string
	args  func(j *CleanupJob) []interface{}
}

var targets = []target{
	{
		name:  "events",
		query: `DELETE FROM events WHERE event_date < now() - $1::interval`,
		args: func(j *CleanupJob) []interface{} {
			return []interface{}{fmt.Sprintf("%d seconds", int64(j.EventRetention.Seconds()))}
		},
	},
	{
		name:  "sessions",
		query: `DELETE FROM sessions WHERE expires_at < now() OR revoked_at IS NOT NULL`,
	},
	{
		name:  "recovery_tokens",
		query: `DELETE FROM recovery_tokens WHERE expires_at < now() OR used_at IS NOT NULL`,
	},
}

// CleanupJob は期限切れデータの自動削除ジョブ。
// 冪等な削除処理のみを行うため、多重実行されても結果は変わらない。
type CleanupJob struct {
	db             Executor
	logger         *slog.Logger
	EventRetention time.Duration // 開催日からイベントを保持する期間（デフォルト: 24時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:             db,
		logger:         logger,
		EventRetention: 24 * time.Hour,
	}
}

// Result は1回の実行で対象ごとに削除した件数。
type Result map[string]int64

// Run はすべての対象を順に削除する。
// ある対象で失敗しても残りの対象は処理し、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	result := make(Result, len(targets))

	var firstErr error
	for _, t := range targets {
		var args []interface{}
		if t.args != nil {
			args = t.args(j)
		}

		n, err := j.exec(ctx, t.query, args...)
		if err != nil {
			j.logger.Error("cleanup failed",
				slog.String("target", t.name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to clean up %s: %w", t.name, err)
			}
			continue
		}
		result[t.name] = n
	}

	j.logger.Info("cleanup completed",
		slog.Int64("deleted_events", result["events"]),
		slog.Int64("deleted_sessions", result["sessions"]),
		slog.Int64("deleted_recovery_tokens", result["recovery_tokens"]),
		slog.Duration("event_retention", j.EventRetention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, firstErr
}

func (j *CleanupJob) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Start はジョブを interval ごとに実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("cleanup job started", slog.Duration("interval", interval))
	_, _ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup job stopped")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
