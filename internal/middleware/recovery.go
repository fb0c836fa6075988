package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラーのpanicを500レスポンスに変換するミドルウェアを返す。
// panicはエラーレベルで記録されるため、Sentryが有効な場合はそのまま送信される。
// 接続の中断を示すhttp.ErrAbortHandlerは再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				browserID, _ := BrowserIDFromContext(r.Context())
				logger.Error("ハンドラーでpanicが発生しました",
					slog.Any("error", fmt.Errorf("panic: %v", rec)),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("browser_id", browserID),
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("stack", string(debug.Stack())),
				)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
