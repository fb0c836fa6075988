package logger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry はSentryクライアントを初期化し、終了時に呼ぶフラッシュ関数を返す。
func InitSentry(dsn, environment string) (func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// SentryHandler はエラーレベル以上のログをSentryへ送信してから次のハンドラーへ渡す。
// "error"属性にerrorが設定されていれば例外として、なければメッセージとして送信する。
type SentryHandler struct {
	next  slog.Handler
	hub   *sentry.Hub
	attrs []slog.Attr
}

// NewSentryHandler はSentryHandlerを生成する。hubがnilの場合はカレントハブを使う。
func NewSentryHandler(next slog.Handler, hub *sentry.Hub) *SentryHandler {
	return &SentryHandler{next: next, hub: hub}
}

// Enabled は指定レベルのログを処理するかを返す。
func (h *SentryHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// WithAttrs は属性を追加したハンドラーを返す。
func (h *SentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &SentryHandler{next: h.next.WithAttrs(attrs), hub: h.hub, attrs: merged}
}

// WithGroup はグループ名を追加したハンドラーを返す。
func (h *SentryHandler) WithGroup(name string) slog.Handler {
	return &SentryHandler{next: h.next.WithGroup(name), hub: h.hub, attrs: h.attrs}
}

// Handle はエラーレベル以上のレコードをSentryへ送信する。
func (h *SentryHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= slog.LevelError {
		h.capture(record)
	}
	return h.next.Handle(ctx, record)
}

func (h *SentryHandler) capture(record slog.Record) {
	hub := h.hub
	if hub == nil {
		hub = sentry.CurrentHub()
	}

	var captured error
	extras := make(map[string]any)
	collect := func(a slog.Attr) {
		if err, ok := a.Value.Any().(error); ok && a.Key == "error" {
			captured = err
			return
		}
		extras[a.Key] = a.Value.String()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetExtras(extras)
		scope.SetTag("log_message", record.Message)
		if captured != nil {
			hub.CaptureException(fmt.Errorf("%s: %w", record.Message, captured))
			return
		}
		hub.CaptureMessage(record.Message)
	})
}
