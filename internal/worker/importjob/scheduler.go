// Package importjob はイベントインポートの定期実行を提供する。
package importjob

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/civicbridge/internal/importer"
)

// ImportRunner はインポートパスの実行インターフェース。
type ImportRunner interface {
	// Run は全組織のインポートパスを1回実行する。
	Run(ctx context.Context, orgIDs []string) (*importer.Result, error)
}

// Scheduler はインポートパスの定期実行を行う。
// 組織間の並列制御はインポーター側が持つため、ここでは周期の管理のみを行う。
type Scheduler struct {
	runner ImportRunner
	orgIDs []string
	logger *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(runner ImportRunner, orgIDs []string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		orgIDs: orgIDs,
		logger: logger,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("インポートスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("organizations", len(s.orgIDs)),
	)

	// 起動直後に1回実行
	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("インポートスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce はインポートパスを1回実行する。
func (s *Scheduler) runOnce(ctx context.Context) {
	if len(s.orgIDs) == 0 {
		s.logger.Info("インポート対象の組織が設定されていません")
		return
	}

	if _, err := s.runner.Run(ctx, s.orgIDs); err != nil {
		s.logger.Error("インポートパスの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
