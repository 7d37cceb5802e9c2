package model

import "time"

// ActionStatus は市民アクション記録のモデレーション状態を表す。
type ActionStatus string

const (
	// ActionStatusPending は承認待ち状態。
	ActionStatusPending ActionStatus = "pending"
	// ActionStatusApproved は公開承認された状態。
	ActionStatusApproved ActionStatus = "approved"
	// ActionStatusRejected は却下された状態。
	ActionStatusRejected ActionStatus = "rejected"
)

const (
	// PriorityMin は表示優先度の下限。
	PriorityMin = 0
	// PriorityMax は表示優先度の上限。
	PriorityMax = 100
)

// CivicAction はインポートまたは投稿された市民アクション（イベント）記録を表す。
// (Source, ExternalID) の組が外部イベントとローカル記録を1対1に対応付ける。
// Status / IsPinned / Priority はモデレーション操作のみが所有し、
// 再インポートで上書きされることはない。
type CivicAction struct {
	ID          string
	Source      string
	ExternalID  string
	Title       string
	Description string
	Category    string
	// StartsAt は判明している未来の開催時刻のうち最も早いもの。
	StartsAt  time.Time
	Location  string
	Sponsor   string
	URL       string
	Status    ActionStatus
	IsPinned  bool
	Priority  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClampPriority は優先度を0〜100の範囲に丸める。
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
