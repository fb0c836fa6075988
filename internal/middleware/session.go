// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/letsmeetup/internal/model"
)

// browserCookieName はブラウザを識別するCookieの名前。
// 認証状態はこのIDごとにサーバー側で保持される。
const browserCookieName = "lmu_sid"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	browserIDContextKey = contextKey("browser_id")
	identityContextKey  = contextKey("identity")
	requestInfoKey      = contextKey("request_info")
)

// BrowserCookieConfig はブラウザ識別Cookieの設定。
type BrowserCookieConfig struct {
	Secure bool
	Domain string
	MaxAge int // 秒
}

// NewBrowserSessionMiddleware はブラウザ識別Cookieを読み取り、ブラウザIDをコンテキストに注入する。
// Cookieがない場合や形式が不正な場合は新しいIDを発行する。
func NewBrowserSessionMiddleware(config BrowserCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			browserID := ""
			if cookie, err := r.Cookie(browserCookieName); err == nil {
				if _, err := uuid.Parse(cookie.Value); err == nil {
					browserID = cookie.Value
				}
			}

			if browserID == "" {
				browserID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     browserCookieName,
					Value:    browserID,
					Path:     "/",
					Domain:   config.Domain,
					MaxAge:   config.MaxAge,
					HttpOnly: true,
					Secure:   config.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			next.ServeHTTP(w, r.WithContext(ContextWithBrowserID(r.Context(), browserID)))
		})
	}
}

// BrowserIDFromContext はリクエストコンテキストからブラウザIDを取得する。
func BrowserIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(browserIDContextKey).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("browser ID not found in context")
	}
	return id, nil
}

// ContextWithBrowserID はコンテキストにブラウザIDを注入する。
func ContextWithBrowserID(ctx context.Context, browserID string) context.Context {
	return context.WithValue(ctx, browserIDContextKey, browserID)
}

// IdentityFromContext は認証ミドルウェアが注入したIdentityを取得する。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.setUserID(identity.ID)
	}
	return context.WithValue(ctx, identityContextKey, identity)
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity, err := IdentityFromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("user ID not found in context")
	}
	return identity.ID, nil
}
