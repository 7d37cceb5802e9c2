// Package moderation は市民アクション記録のモデレーション操作を提供する。
package moderation

import (
	"context"
	"log/slog"

	"github.com/hitoshi/civicbridge/internal/model"
	"github.com/hitoshi/civicbridge/internal/repository"
)

// Service はモデレーション状態機械を実装する。
// 遷移は pending → approved | rejected の一方向のみ。
// ピン留めと優先度は承認済み記録に対してのみ有効。
type Service struct {
	actions repository.ActionRepository
	logger  *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(actions repository.ActionRepository, logger *slog.Logger) *Service {
	return &Service{
		actions: actions,
		logger:  logger,
	}
}

// Approve は承認待ちの記録を承認する。
func (s *Service) Approve(ctx context.Context, id string) (*model.CivicAction, error) {
	return s.transition(ctx, id, model.ActionStatusApproved)
}

// Reject は承認待ちの記録を却下する。
func (s *Service) Reject(ctx context.Context, id string) (*model.CivicAction, error) {
	return s.transition(ctx, id, model.ActionStatusRejected)
}

// transition は記録をpendingからtoへ遷移させる。
// 遷移の原子性はストレージ層の条件付きUPDATEで担保し、
// 失敗時に現在の状態を読み直してエラーを決定する。
func (s *Service) transition(ctx context.Context, id string, to model.ActionStatus) (*model.CivicAction, error) {
	updated, err := s.actions.UpdateStatus(ctx, id, model.ActionStatusPending, to)
	if err != nil {
		return nil, err
	}
	if !updated {
		action, err := s.actions.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if action == nil {
			return nil, model.NewActionNotFoundError(id)
		}
		return nil, model.NewInvalidTransitionError(action.Status)
	}

	action, err := s.actions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, model.NewActionNotFoundError(id)
	}

	s.logger.Info("記録の状態を遷移させました",
		slog.String("action_id", id),
		slog.String("status", string(to)),
	)

	return action, nil
}

// SetPinned は承認済み記録のピン留めを設定する。
func (s *Service) SetPinned(ctx context.Context, id string, pinned bool) (*model.CivicAction, error) {
	updated, err := s.actions.SetPinned(ctx, id, pinned)
	if err != nil {
		return nil, err
	}
	return s.afterDisplayUpdate(ctx, id, updated)
}

// SetPriority は承認済み記録の表示優先度を設定する。範囲外の値は0〜100に丸める。
func (s *Service) SetPriority(ctx context.Context, id string, priority int) (*model.CivicAction, error) {
	updated, err := s.actions.SetPriority(ctx, id, model.ClampPriority(priority))
	if err != nil {
		return nil, err
	}
	return s.afterDisplayUpdate(ctx, id, updated)
}

// afterDisplayUpdate は表示属性の条件付きUPDATEの結果を解決する。
// 更新されなかった場合、記録の不存在か未承認かを読み直して区別する。
func (s *Service) afterDisplayUpdate(ctx context.Context, id string, updated bool) (*model.CivicAction, error) {
	action, err := s.actions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, model.NewActionNotFoundError(id)
	}
	if !updated {
		return nil, model.NewNotApprovedError(id)
	}
	return action, nil
}

// ListApproved は承認済み記録を表示順で返す。
// 順序: ピン留め優先 → 優先度降順 → 開催時刻昇順。
func (s *Service) ListApproved(ctx context.Context, limit int) ([]*model.CivicAction, error) {
	return s.actions.ListApproved(ctx, limit)
}
