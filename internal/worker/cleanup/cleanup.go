// Package cleanup は市民アクション記録の自動削除ジョブを提供する。
// 却下から保持期間を超過した記録と、開催が保持期間以上前に終わった記録を
// 日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/civicbridge/internal/repository"
)

// CleanupJob は保持期間を超過した市民アクション記録の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	actions       repository.ActionRepository
	logger        *slog.Logger
	RetentionDays int // 記録の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(actions repository.ActionRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		actions:       actions,
		logger:        logger,
		RetentionDays: 30,
	}
}

// Run は保持期間を超過した記録を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := time.Now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.actions.DeleteStale(ctx, cutoff, cutoff)
	if err != nil {
		j.logger.Error("記録クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("記録クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("記録クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// StartDaily は24時間間隔でクリーンアップジョブを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) StartDaily(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Int("retention_days", j.RetentionDays),
	)

	// 起動直後に1回実行
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
