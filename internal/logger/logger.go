// Package logger は構造化ログの設定を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options はロガーの設定。
type Options struct {
	// Level はdebug、info、warn、errorのいずれか。不明な値はinfoとして扱う。
	Level string
	// File が指定された場合は標準出力に加えてローテーション付きのファイルにも出力する。
	File string
	// Sentry がtrueの場合はエラーレベルのログをSentryへ送信する。
	Sentry bool
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	logger, _ := New(w, Options{})
	return logger
}

// New は設定に従ってslog.Loggerを生成する。
// 返されるio.Closerはログファイルを閉じる。ファイル出力がない場合も非nilを返す。
func New(w io.Writer, opts Options) (*slog.Logger, io.Closer) {
	if w == nil {
		w = os.Stdout
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(w, rotator)
		closer = rotator
	}

	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	})
	if opts.Sentry {
		handler = NewSentryHandler(handler, nil)
	}
	handler = NewMaskingHandler(handler)

	return slog.New(handler), closer
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w))
}

// ParseLevel はログレベル名をslog.Levelに変換する。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
