package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, data, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnsupportedOAuth = "UNSUPPORTED_PROVIDER"
	ErrCodeInvalidCategory  = "INVALID_CATEGORY"
	ErrCodeDataUnavailable  = "DATA_UNAVAILABLE"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeCSRFInvalid      = "CSRF_TOKEN_INVALID"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// NewAuthFailedError はIdPが拒否した認証操作のエラーを生成する。
// メッセージはIdPが返したものをそのまま使う。
func NewAuthFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: "auth",
		Action:   "入力内容を確認して、もう一度お試しください。",
	}
}

// NewUnauthenticatedError は未ログイン時のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト内容の検証エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnsupportedProviderError は未対応の外部IdPが指定された場合のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedOAuth,
		Message:  fmt.Sprintf("未対応のログインプロバイダです: %s", provider),
		Category: "validation",
		Action:   "google または github を指定してください。",
	}
}

// NewInvalidCategoryError は設定カテゴリが不正な場合のエラーを生成する。
func NewInvalidCategoryError(category string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCategory,
		Message:  fmt.Sprintf("無効なカテゴリです: %s", category),
		Category: "validation",
		Action:   "カテゴリには food、activity、accessibility のいずれかを指定してください。",
	}
}

// NewDataUnavailableError はデータストアの読み書きに失敗した場合のエラーを生成する。
func NewDataUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeDataUnavailable,
		Message:  "設定の読み込みまたは保存に失敗しました。",
		Category: "data",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFTokenInvalidError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンが無効です。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternalError,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// AuthError はIdPが認証・セッション操作を拒否したことを表す。
type AuthError struct {
	Op      string // 操作名（signup, login など）
	Code    string // IdPのエラーコード
	Message string // IdPが返したメッセージ
	Status  int    // IdPのHTTPステータス
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// NotFoundError はレコードが存在しないことを表す。
// 読み込み時はエラーではなく「未作成」として扱われる。
type NotFoundError struct {
	Resource string
	Key      string
}

// Error はerrorインターフェースを実装する。
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// DataError はデータストアの読み書き失敗を表す。
// Retryableがtrueの場合、同じ操作を再試行してよい。
type DataError struct {
	Op        string
	Retryable bool
	Err       error
}

// Error はerrorインターフェースを実装する。
func (e *DataError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *DataError) Unwrap() error {
	return e.Err
}

// IsNotFound はerrがNotFoundErrorを含むかを判定する。
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryable はerrが再試行可能なDataErrorを含むかを判定する。
func IsRetryable(err error) bool {
	var de *DataError
	return errors.As(err, &de) && de.Retryable
}
