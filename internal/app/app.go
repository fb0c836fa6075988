// Package app はサブコマンドの解析、依存関係のワイヤリング、グレースフルシャットダウンを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/letsmeetup/internal/config"
	"github.com/hitoshi/letsmeetup/internal/database"
	"github.com/hitoshi/letsmeetup/internal/logger"
)

const (
	shutdownTimeout = 30 * time.Second

	// minWriteTimeout はレスポンス書き込みの上限の下限。
	minWriteTimeout = 15 * time.Second
	// writeTimeoutMargin は設定の読み込み・保存の上限に加えるレスポンス書き込みの余裕。
	writeTimeoutMargin = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
// 返される関数はログファイルのクローズとSentryのフラッシュを行う。
func Init(w io.Writer) (*config.Config, func(), error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルと環境変数から設定を読み込む
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, fmt.Errorf("failed to load dotenv: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定に従ってロガーを作り直す
	flush := func() {}
	if cfg.SentryDSN != "" {
		flush, err = logger.InitSentry(cfg.SentryDSN, cfg.AppEnv)
		if err != nil {
			return nil, nil, err
		}
	}
	l, closer := logger.New(w, logger.Options{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Sentry: cfg.SentryDSN != "",
	})
	slog.SetDefault(l)

	cleanup := func() {
		flush()
		_ = closer.Close()
	}
	return cfg, cleanup, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, cleanup, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer cleanup()

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("store_backend", cfg.StoreBackend),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, slog.Default())
}

// serve は依存関係を組み立ててHTTPサーバーとクリーンアップジョブを起動し、ctxの終了まで待つ。
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	go srv.sweepJob.Start(jobCtx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("APIサーバーを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("APIサーバーをシャットダウンします")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("APIサーバーを停止しました")
	return nil
}

// writeTimeout はREQUEST_TIMEOUTで打ち切られたエラーレスポンスを書き込めるだけの上限を返す。
func writeTimeout(cfg *config.Config) time.Duration {
	return max(cfg.RequestTimeout+writeTimeoutMargin, minWriteTimeout)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("データベースマイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("データベースマイグレーションが完了しました", slog.Uint64("version", uint64(status.Version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
