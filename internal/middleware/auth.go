package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/session"
	"github.com/hitoshi/letsmeetup/internal/supabase"
)

// defaultReadyTimeout は初回のセッション取得を待つ上限。
const defaultReadyTimeout = 5 * time.Second

// SessionSource はブラウザIDからセッションマネージャを取得するインターフェース。
// session.Registryが満たす。
type SessionSource interface {
	Get(ctx context.Context, browserID string) *session.Manager
}

// TokenVerifier はアクセストークンを検証するインターフェース。
type TokenVerifier interface {
	Verify(token string) (*supabase.Claims, error)
}

// AuthConfig は認証ミドルウェアの設定。
type AuthConfig struct {
	// Verifier がnilでない場合は、アクセストークンの署名とsubjectを検証する。
	Verifier     TokenVerifier
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// NewRequireAuthMiddleware はブラウザのセッションが認証済みであることを要求するミドルウェアを返す。
// 認証済みの場合はIdentityとデータアクセス用のアクセストークンをコンテキストに注入する。
// 未認証リクエストには401を返す。BrowserSessionミドルウェアの後に配置する。
func NewRequireAuthMiddleware(sessions SessionSource, config AuthConfig) func(next http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readyTimeout := config.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			browserID, err := BrowserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			m := sessions.Get(r.Context(), browserID)

			readyCtx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			snap, err := m.WaitReady(readyCtx)
			cancel()
			if err != nil || snap.Status != session.StatusAuthenticated || snap.Identity == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			token, err := m.AccessToken(r.Context())
			if err != nil {
				logger.Warn("アクセストークンの取得に失敗しました",
					slog.String("browser_id", browserID),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			if config.Verifier != nil {
				claims, err := config.Verifier.Verify(token)
				if err != nil || claims.Subject != snap.Identity.ID {
					logger.Warn("アクセストークンの検証に失敗しました",
						slog.String("browser_id", browserID),
						slog.Any("error", err),
					)
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
					return
				}
			}

			ctx := ContextWithIdentity(r.Context(), snap.Identity)
			ctx = supabase.WithAccessToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
