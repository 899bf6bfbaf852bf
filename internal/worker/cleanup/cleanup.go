// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// ローカル認証バックエンドではsessionsテーブルに行が残り続けるため、
// expires_atを過ぎた行を一定間隔で削除する。
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

// Recorder は削除件数を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordSessionsCleaned(count int)
}

// CleanupJob は期限切れセッションの削除ジョブ。冪等な削除処理を保証する。
type CleanupJob struct {
	db       Executor
	logger   *slog.Logger
	recorder Recorder
	// GracePeriod は期限切れ後も行を残す期間。期限直後のリクエストとの競合を避ける。
	GracePeriod time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(db Executor, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:          db,
		logger:      logger,
		recorder:    recorder,
		GracePeriod: time.Hour,
	}
}

// Run は期限切れセッションを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	cutoff := start.Add(-j.GracePeriod)
	result, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordSessionsCleaned(int(deletedCount))
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start はintervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
// 起動直後に1回実行する。失敗はログに記録して次回に持ち越す。
// intervalが0以下の場合は何もせずに戻る。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		j.logger.Error("session cleanup not started: interval must be positive",
			slog.Duration("interval", interval),
		)
		return
	}
	j.logger.Info("session cleanup started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("session cleanup stopped")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
