// Package security はアプリケーションのセキュリティ機能を提供する。
//
// DescriptionSanitizerService は第三者イベントAPIから取得した説明文HTMLを
// サニタイズし、モデレーション画面と公開リストをXSSから保護する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// テキスト整形系のタグのみを通過させる。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// DescriptionSanitizerService はイベント説明文のサニタイズ機能のインターフェースを定義する。
// インポーターが記録を保存する前に使用する。
type DescriptionSanitizerService interface {
	// Sanitize は説明文HTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, strong, em）のみを通過させ、
	// script, iframe, style, img タグおよびon*イベント属性を除去する。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が自動付与される。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// descriptionSanitizer はDescriptionSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type descriptionSanitizer struct {
	policy *bluemonday.Policy
}

// NewDescriptionSanitizer はDescriptionSanitizerServiceの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, strong, em
//   - imgは許可しない（イベント一覧は外部画像を埋め込まない）
//   - aタグ: 絶対URLのみ、target="_blank" と rel="noopener noreferrer" を強制付与
func NewDescriptionSanitizer() *descriptionSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &descriptionSanitizer{
		policy: p,
	}
}

// Sanitize は説明文HTMLをサニタイズして安全なHTMLを返す。
func (s *descriptionSanitizer) Sanitize(raw string) string {
	return s.policy.Sanitize(raw)
}
