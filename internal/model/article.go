package model

// Article はCMSから届いた公開済み記事のペイロードを表す。
// Webhookまたは管理画面からの手動トリガーで渡される。
type Article struct {
	// SourceID はCMS側の記事ID。同期ログの冪等性キーとして使用する。
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	Excerpt  string `json:"excerpt"`
	// CanonicalURL は記事の正規URL。投稿テキストの末尾に必ず完全な形で残す。
	CanonicalURL string `json:"canonical_url"`
	// AccountID は投稿先の連携アカウントID。
	AccountID string `json:"account_id"`
}

// Validate は記事ペイロードの必須フィールドを検証する。
// 不足フィールドがある場合はValidation系のAPIErrorを返す。
func (a *Article) Validate() error {
	if a.SourceID == "" {
		return NewInvalidArticleError("source_id")
	}
	if a.Title == "" {
		return NewInvalidArticleError("title")
	}
	if a.CanonicalURL == "" {
		return NewInvalidArticleError("canonical_url")
	}
	if a.AccountID == "" {
		return NewInvalidArticleError("account_id")
	}
	return nil
}
