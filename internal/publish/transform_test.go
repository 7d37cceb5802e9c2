package publish

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/civicbridge/internal/model"
)

func testArticle(title, excerpt, url string) *model.Article {
	return &model.Article{
		SourceID:     "article-1",
		Title:        title,
		Excerpt:      excerpt,
		CanonicalURL: url,
		AccountID:    "acct-1",
	}
}

// TestToProtocolPost_ShortArticle は上限内の記事がそのまま合成されることを検証する。
func TestToProtocolPost_ShortArticle(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	article := testArticle("新しい記事", "短い抜粋です。", "https://example.com/posts/1")

	record := ToProtocolPost(article, now)

	want := "新しい記事\n\n短い抜粋です。\n\nhttps://example.com/posts/1"
	if record.Text != want {
		t.Errorf("Text = %q, want %q", record.Text, want)
	}
	if !record.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", record.CreatedAt, now)
	}
}

// TestToProtocolPost_EmptyExcerpt は抜粋なしの記事で区切りが重複しないことを検証する。
func TestToProtocolPost_EmptyExcerpt(t *testing.T) {
	article := testArticle("タイトルのみ", "", "https://example.com/posts/2")

	record := ToProtocolPost(article, time.Now())

	want := "タイトルのみ\n\nhttps://example.com/posts/2"
	if record.Text != want {
		t.Errorf("Text = %q, want %q", record.Text, want)
	}
}

// TestToProtocolPost_TruncatesExcerpt は長い抜粋が切り詰められ省略記号が付くことを検証する。
func TestToProtocolPost_TruncatesExcerpt(t *testing.T) {
	longExcerpt := strings.Repeat("あ", 400)
	url := "https://example.com/posts/3"
	article := testArticle("タイトル", longExcerpt, url)

	record := ToProtocolPost(article, time.Now())

	if got := len([]rune(record.Text)); got > 300 {
		t.Errorf("rune length = %d, want <= 300", got)
	}
	if !strings.HasSuffix(record.Text, url) {
		t.Errorf("テキストは正規URLで終わらなければならない: %q", record.Text)
	}
	if !strings.Contains(record.Text, "…") {
		t.Error("切り詰め位置に省略記号が必要")
	}
	if !strings.HasPrefix(record.Text, "タイトル") {
		t.Errorf("タイトルは完全な形で残らなければならない: %q", record.Text)
	}
}

// TestToProtocolPost_DropsExcerptWhenNoBudget はタイトルとURLだけでほぼ上限の場合に
// 抜粋が丸ごと落とされることを検証する。
func TestToProtocolPost_DropsExcerptWhenNoBudget(t *testing.T) {
	title := strings.Repeat("T", 260)
	url := "https://example.com/" + strings.Repeat("x", 15) // 計35文字
	article := testArticle(title, "この抜粋は入る余地がない", url)

	record := ToProtocolPost(article, time.Now())

	if got := len([]rune(record.Text)); got > 300 {
		t.Errorf("rune length = %d, want <= 300", got)
	}
	if strings.Contains(record.Text, "抜粋") {
		t.Errorf("予算がない場合は抜粋を落とす: %q", record.Text)
	}
	if !strings.HasSuffix(record.Text, url) {
		t.Errorf("テキストは正規URLで終わらなければならない: %q", record.Text)
	}
	if !strings.Contains(record.Text, title) {
		t.Error("タイトルは完全な形で残らなければならない")
	}
}

// TestToProtocolPost_TruncatesTitleAsLastResort はタイトル単独で上限を超える場合に
// URLを保ったままタイトルが切り詰められることを検証する。
func TestToProtocolPost_TruncatesTitleAsLastResort(t *testing.T) {
	title := strings.Repeat("長", 400)
	url := "https://example.com/posts/5"
	article := testArticle(title, "抜粋", url)

	record := ToProtocolPost(article, time.Now())

	if got := len([]rune(record.Text)); got > 300 {
		t.Errorf("rune length = %d, want <= 300", got)
	}
	if !strings.HasSuffix(record.Text, url) {
		t.Errorf("URLは最後の手段でも不可侵: %q", record.Text)
	}
	if !strings.Contains(record.Text, "…") {
		t.Error("切り詰め位置に省略記号が必要")
	}
}

// TestToProtocolPost_MultibyteCounting は上限がバイト数ではなく文字数で
// 数えられることを検証する。
func TestToProtocolPost_MultibyteCounting(t *testing.T) {
	// 日本語280文字はUTF-8で840バイトだが文字数では上限内
	excerpt := strings.Repeat("本", 240)
	article := testArticle("見出し", excerpt, "https://example.com/p")

	record := ToProtocolPost(article, time.Now())

	if strings.Contains(record.Text, "…") {
		t.Errorf("文字数が上限内なら切り詰めてはならない: %d runes", len([]rune(record.Text)))
	}
	if !strings.Contains(record.Text, excerpt) {
		t.Error("抜粋は完全な形で残らなければならない")
	}
}
