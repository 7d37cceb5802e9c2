// Package importer は第三者イベントAPIからの市民活動イベント取り込みを提供する。
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/civicbridge/internal/security"
)

// eventPage はイベントAPIの1ページ分のレスポンス。
type eventPage struct {
	Count int            `json:"count"`
	Next  string         `json:"next"`
	Data  []*remoteEvent `json:"data"`
}

// remoteEvent はイベントAPIが返すイベント1件の表現。
type remoteEvent struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	EventType   string          `json:"event_type"`
	BrowserURL  string          `json:"browser_url"`
	Timeslots   []*timeslot     `json:"timeslots"`
	Sponsor     *sponsor        `json:"sponsor"`
	Location    *remoteLocation `json:"location"`
}

// timeslot はイベントの開催枠。時刻はUnix秒。
type timeslot struct {
	StartDate int64 `json:"start_date"`
	EndDate   int64 `json:"end_date"`
}

type sponsor struct {
	Name string `json:"name"`
}

type remoteLocation struct {
	Venue        string   `json:"venue"`
	AddressLines []string `json:"address_lines"`
	Locality     string   `json:"locality"`
	Region       string   `json:"region"`
}

// earliestStart は最も早い開催枠の開始時刻を返す。枠が無い場合はfalse。
func (e *remoteEvent) earliestStart() (time.Time, bool) {
	var earliest int64
	for _, ts := range e.Timeslots {
		if ts == nil || ts.StartDate == 0 {
			continue
		}
		if earliest == 0 || ts.StartDate < earliest {
			earliest = ts.StartDate
		}
	}
	if earliest == 0 {
		return time.Time{}, false
	}
	return time.Unix(earliest, 0).UTC(), true
}

// EventsClient はイベントAPIへのアクセスを提供する。
// nextカーソルはAPIが返す不透明なURLをそのまま辿る仕様のため、
// SSRF防止付きクライアントと事前URL検証を必ず通す。
type EventsClient struct {
	httpClient   *http.Client
	guard        security.SSRFGuardService
	base         string
	maxPageBytes int64
}

// NewEventsClient はEventsClientの新しいインスタンスを生成する。
func NewEventsClient(guard security.SSRFGuardService, base string, pageTimeout time.Duration, maxPageBytes int64) *EventsClient {
	return &EventsClient{
		httpClient:   guard.NewSafeClient(pageTimeout),
		guard:        guard,
		base:         base,
		maxPageBytes: maxPageBytes,
	}
}

// FirstPageURL は組織の最初のページのURLを返す。
func (c *EventsClient) FirstPageURL(orgID string) string {
	return fmt.Sprintf("%s/organizations/%s/events", c.base, url.PathEscape(orgID))
}

// FetchPage は1ページ分のイベントを取得する。
// pageURLは最初のページのURLまたは前ページのnextカーソル。
func (c *EventsClient) FetchPage(ctx context.Context, pageURL string) (*eventPage, error) {
	if err := c.guard.ValidateURL(pageURL); err != nil {
		return nil, fmt.Errorf("unsafe page URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxPageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read page body: %w", err)
	}
	if int64(len(body)) > c.maxPageBytes {
		return nil, fmt.Errorf("page body exceeds limit of %d bytes", c.maxPageBytes)
	}

	var page eventPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}

	return &page, nil
}
