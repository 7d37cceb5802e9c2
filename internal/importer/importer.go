package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/civicbridge/internal/model"
	"github.com/hitoshi/civicbridge/internal/repository"
	"github.com/hitoshi/civicbridge/internal/security"
)

// sourceName はこのインポーターが取り込むイベントのソース識別子。
const sourceName = "mobilize"

// watermarkKey は最後に完走したインポートパスの時刻を記録するキー。
const watermarkKey = "civic_import_last_run"

// Result はインポートパス1回分の集計結果。
type Result struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// ImportMetricsRecorder はインポーターのメトリクス記録インターフェース。
type ImportMetricsRecorder interface {
	RecordImportSynced(count int)
	RecordImportSkipped(count int)
	RecordImportPageFailure()
	RecordImportDuration(duration time.Duration)
}

// Importer は第三者イベントAPIからの定期取り込みを実行する。
type Importer struct {
	client     *EventsClient
	actions    repository.ActionRepository
	watermarks repository.WatermarkRepository
	sanitizer  security.DescriptionSanitizerService
	metrics    ImportMetricsRecorder
	logger     *slog.Logger

	// maxConcurrent は同時に処理する組織数の上限。
	// 組織間は並行、組織内のページングはカーソル依存のため逐次。
	maxConcurrent int
}

// NewImporter はImporterの新しいインスタンスを生成する。
func NewImporter(
	client *EventsClient,
	actions repository.ActionRepository,
	watermarks repository.WatermarkRepository,
	sanitizer security.DescriptionSanitizerService,
	metrics ImportMetricsRecorder,
	logger *slog.Logger,
	maxConcurrent int,
) *Importer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Importer{
		client:        client,
		actions:       actions,
		watermarks:    watermarks,
		sanitizer:     sanitizer,
		metrics:       metrics,
		logger:        logger,
		maxConcurrent: maxConcurrent,
	}
}

// Run は全組織のインポートパスを1回実行し、集計結果を返す。
//
// ページ取得の失敗はErrorsに計上し、その組織のパスのみを打ち切る。
// 他の組織には影響しない。全組織の試行が終わった時点でウォーターマークを
// 現在時刻に更新する（失敗があっても「パスを完走した」事実の記録であり、
// 取り込みの正しさはウォーターマークに依存しない）。
func (i *Importer) Run(ctx context.Context, orgIDs []string) (*Result, error) {
	start := time.Now()

	if last, found, err := i.watermarks.Get(ctx, watermarkKey); err != nil {
		i.logger.Warn("前回実行時刻の取得に失敗しました", slog.String("error", err.Error()))
	} else if found {
		i.logger.Info("インポートパスを開始します",
			slog.Int("organizations", len(orgIDs)),
			slog.Time("last_run", time.Unix(last, 0).UTC()),
		)
	} else {
		i.logger.Info("インポートパスを開始します（初回実行）",
			slog.Int("organizations", len(orgIDs)),
		)
	}

	var synced, skipped, errCount atomic.Int64

	sem := make(chan struct{}, i.maxConcurrent)
	var wg sync.WaitGroup
	for _, orgID := range orgIDs {
		wg.Add(1)
		go func(orgID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			orgResult := i.runOrganization(ctx, orgID)
			synced.Add(int64(orgResult.Synced))
			skipped.Add(int64(orgResult.Skipped))
			errCount.Add(int64(orgResult.Errors))
		}(orgID)
	}
	wg.Wait()

	result := &Result{
		Synced:  int(synced.Load()),
		Skipped: int(skipped.Load()),
		Errors:  int(errCount.Load()),
	}

	if err := i.watermarks.Set(ctx, watermarkKey, time.Now().Unix()); err != nil {
		i.logger.Warn("実行時刻の記録に失敗しました", slog.String("error", err.Error()))
	}

	duration := time.Since(start)
	i.metrics.RecordImportSynced(result.Synced)
	i.metrics.RecordImportSkipped(result.Skipped)
	i.metrics.RecordImportDuration(duration)
	i.logger.Info("インポートパスが完了しました",
		slog.Int("synced", result.Synced),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return result, nil
}

// runOrganization は1組織分のページを逐次辿り、イベントを取り込む。
func (i *Importer) runOrganization(ctx context.Context, orgID string) Result {
	var result Result

	pageURL := i.client.FirstPageURL(orgID)
	pageNum := 0
	for pageURL != "" {
		pageNum++

		page, err := i.client.FetchPage(ctx, pageURL)
		if err != nil {
			result.Errors++
			i.metrics.RecordImportPageFailure()
			i.logger.Error("ページの取得に失敗したため組織のパスを打ち切ります",
				slog.String("organization_id", orgID),
				slog.Int("page", pageNum),
				slog.String("error", err.Error()),
			)
			return result
		}

		for _, event := range page.Data {
			if event == nil {
				continue
			}
			synced, err := i.importEvent(ctx, orgID, event)
			if err != nil {
				result.Errors++
				i.logger.Error("イベントの保存に失敗しました",
					slog.String("organization_id", orgID),
					slog.Int64("event_id", event.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if synced {
				result.Synced++
			} else {
				result.Skipped++
			}
		}

		pageURL = page.Next
	}

	i.logger.Debug("組織のパスが完了しました",
		slog.String("organization_id", orgID),
		slog.Int("pages", pageNum),
		slog.Int("synced", result.Synced),
		slog.Int("skipped", result.Skipped),
	)

	return result
}

// importEvent はイベント1件をローカル記録へUPSERTする。
// 未来の開催枠を持たないイベントはスキップ（false）。
// 既存記録のstatus / is_pinned / priorityはストレージ層のUPSERTが保護する。
func (i *Importer) importEvent(ctx context.Context, orgID string, event *remoteEvent) (bool, error) {
	startsAt, ok := event.earliestStart()
	if !ok || !startsAt.After(time.Now()) {
		return false, nil
	}

	now := time.Now()
	action := &model.CivicAction{
		ID:          uuid.New().String(),
		Source:      sourceName,
		ExternalID:  strconv.FormatInt(event.ID, 10),
		Title:       event.Title,
		Description: i.sanitizer.Sanitize(event.Description),
		Category:    event.EventType,
		StartsAt:    startsAt,
		Location:    composeLocation(event.Location),
		Sponsor:     sponsorName(event.Sponsor),
		URL:         event.BrowserURL,
		// 連携済みの信頼ソースからの取り込みは承認済みで開始する。
		// 既存記録の更新時にはこの値は使われない。
		Status:    model.ActionStatusApproved,
		Priority:  model.PriorityMin,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := i.actions.Upsert(ctx, action); err != nil {
		return false, fmt.Errorf("failed to upsert event %d for organization %s: %w", event.ID, orgID, err)
	}

	return true, nil
}

// composeLocation は会場・住所・市区町村・地域の空でない部分を", "で結合する。
func composeLocation(loc *remoteLocation) string {
	if loc == nil {
		return ""
	}

	var parts []string
	appendPart := func(s string) {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}

	appendPart(loc.Venue)
	for _, line := range loc.AddressLines {
		appendPart(line)
	}
	appendPart(loc.Locality)
	appendPart(loc.Region)

	return strings.Join(parts, ", ")
}

func sponsorName(s *sponsor) string {
	if s == nil {
		return ""
	}
	return s.Name
}
