// Package publish はCMS記事の外部プロトコルへの公開パイプラインを提供する。
// コンテンツ変換、Webhook署名検証、冪等な公開オーケストレーションを含む。
package publish

import (
	"strings"
	"time"

	"github.com/hitoshi/civicbridge/internal/bluesky"
	"github.com/hitoshi/civicbridge/internal/model"
)

const (
	// maxPostChars はプロトコルが強制する投稿テキストの最大文字数。
	maxPostChars = 300
	// ellipsis は切り詰め位置に付加する省略記号。
	ellipsis = "…"
	// separator はタイトル・抜粋・URLの区切り（空行）。
	separator = "\n\n"
)

// ToProtocolPost はCMS記事をプロトコル投稿レコードに変換する。純粋関数でI/Oを伴わない。
//
// テキストはタイトル・抜粋・正規URLをこの順に空行で連結して合成する。
// 合成結果が上限を超える場合は抜粋のみを切り詰めて省略記号を付加する。
// 末尾の正規URLは常に完全な形で残す（流入リンクを失うと機能の目的が消える）。
// タイトルだけで収まらない病的なケースでは最後の手段としてタイトルを切り詰める。
//
// CreatedAtは変換時点の現在時刻であり、記事の元の公開日時ではない
// （プロトコル投稿は「今投稿された」ことを表す）。
func ToProtocolPost(article *model.Article, now time.Time) bluesky.PostRecord {
	title := strings.TrimSpace(article.Title)
	excerpt := strings.TrimSpace(article.Excerpt)
	link := strings.TrimSpace(article.CanonicalURL)

	text := composeText(title, excerpt, link)
	if runeLen(text) > maxPostChars {
		text = truncateToFit(title, excerpt, link)
	}

	return bluesky.PostRecord{
		Text:      text,
		CreatedAt: now,
	}
}

// composeText は空でない部分のみを空行で連結する。
func composeText(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, separator)
}

// truncateToFit は上限に収まるように抜粋を切り詰めてテキストを再合成する。
func truncateToFit(title, excerpt, link string) string {
	// 抜粋なしの骨格（タイトル + URL）が占める文字数
	skeleton := composeText(title, link)
	skeletonLen := runeLen(skeleton)

	if excerpt != "" {
		// 抜粋に割ける予算: 上限 - 骨格 - 区切り - 省略記号
		budget := maxPostChars - skeletonLen - runeLen(separator) - runeLen(ellipsis)
		if budget > 0 {
			return composeText(title, truncateRunes(excerpt, budget)+ellipsis, link)
		}
		// 予算ゼロ以下: 抜粋を丸ごと落とす
	}

	if skeletonLen <= maxPostChars {
		return skeleton
	}

	// タイトルとURLだけで上限超過: URLは不可侵のためタイトルを切り詰める
	titleBudget := maxPostChars - runeLen(link) - runeLen(separator) - runeLen(ellipsis)
	if titleBudget < 0 {
		titleBudget = 0
	}
	return composeText(truncateRunes(title, titleBudget)+ellipsis, link)
}

// truncateRunes は文字列を最大nルーンに切り詰める。
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// runeLen は文字数（ルーン数）を返す。プロトコルの上限はバイト数ではなく文字数で数える。
func runeLen(s string) int {
	return len([]rune(s))
}
