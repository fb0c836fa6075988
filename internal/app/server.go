package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/letsmeetup/internal/config"
	"github.com/hitoshi/letsmeetup/internal/database"
	"github.com/hitoshi/letsmeetup/internal/handler"
	"github.com/hitoshi/letsmeetup/internal/metrics"
	"github.com/hitoshi/letsmeetup/internal/middleware"
	"github.com/hitoshi/letsmeetup/internal/preference"
	"github.com/hitoshi/letsmeetup/internal/repository"
	"github.com/hitoshi/letsmeetup/internal/security"
	"github.com/hitoshi/letsmeetup/internal/session"
	"github.com/hitoshi/letsmeetup/internal/supabase"
	"github.com/hitoshi/letsmeetup/internal/worker/cleanup"
)

const (
	// connectTimeout はデータベースとRedisへの起動時の疎通確認の上限。
	connectTimeout = 5 * time.Second
	// redisKeyPrefix はブラウザごとのセッションを保存するRedisキーの接頭辞。
	redisKeyPrefix = "letsmeetup:auth:"
)

// server はHTTPハンドラーとバックグラウンドジョブ、およびその後始末をまとめたもの。
type server struct {
	handler  http.Handler
	registry *session.Registry
	editors  *preference.Editors
	sweepJob *cleanup.SweepJob
	closers  []func()
}

// close は登録と逆順にリソースを解放する。
func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// repositories はSTORE_BACKENDに応じて選択された永続化先。
type repositories struct {
	profiles repository.ProfileRepository
	prefs    repository.PreferencesRepository
	pinger   handler.Pinger
}

// newServer は設定から全依存関係をワイヤリングする。
// 途中で失敗した場合は、それまでに確保したリソースを解放してからエラーを返す。
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *server, err error) {
	s := &server{}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	// 1. 認証基盤とデータAPIのクライアント
	client := supabase.NewClient(supabase.Config{
		URL:     cfg.SupabaseURL,
		AnonKey: cfg.SupabaseAnonKey,
	}, logger)

	// 2. 永続化先
	repos, err := s.openRepositories(ctx, cfg, client, logger)
	if err != nil {
		return nil, err
	}

	// 3. ブラウザごとのセッション保存先
	storage, err := s.openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// 4. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 5. セッションマネージャと設定の同期
	s.registry = session.NewRegistry(
		func(browserID string) session.Provider {
			return supabase.NewAuthClient(client, storage, browserID)
		},
		cfg.SessionIdleTimeout,
		logger,
		session.WithTransitionRecorder(func(from, to session.Status) {
			collector.RecordSessionTransition(string(from), string(to))
		}),
		session.WithOperationRecorder(collector.RecordAuthOperation),
	)
	s.closers = append(s.closers, s.registry.Close)

	synchronizer := preference.NewSynchronizer(repos.profiles, repos.prefs, logger,
		preference.WithCallTimeout(cfg.RemoteCallTimeout),
		preference.WithRetries(cfg.RemoteCallRetries),
		preference.WithOperationTimeout(cfg.RequestTimeout),
		preference.WithOperationRecorder(collector.RecordPreferenceOperation),
	)
	s.editors = preference.NewEditors(synchronizer, cfg.SessionIdleTimeout)

	// 6. ルーター
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	s.closers = append(s.closers, rateLimiter.Stop)

	deps := &handler.RouterDeps{
		Logger: logger,
		BrowserCookie: middleware.BrowserCookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
			MaxAge: cfg.SessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure:   cfg.CookieSecure,
			CookieDomain:   cfg.CookieDomain,
			MaxAge:         cfg.SessionMaxAge,
			TrustedOrigins: cfg.CORSAllowedOrigins,
			Logger:         logger,
		},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		StatusRecorder:     collector,
		Sessions:           s.registry,
		Editors:            s.editors,
		Sanitizer:          security.NewTextSanitizer(),
		AuthConfig:         handler.AuthHandlerConfig{BaseURL: cfg.BaseURL},
		HealthPinger:       repos.pinger,
		MetricsHandler:     metrics.Handler(reg),
	}
	// 署名鍵がない場合はトークンの検証を行わない
	if cfg.SupabaseJWTSecret != "" {
		deps.TokenVerifier = supabase.NewTokenVerifier(cfg.SupabaseJWTSecret)
	}
	s.handler = handler.NewRouter(deps)

	// 7. アイドル状態のセッションと編集中フォームの破棄
	s.sweepJob = cleanup.NewSweepJob(s.registry, s.editors, collector, logger)

	return s, nil
}

// openRepositories はSTORE_BACKENDに応じてプロフィールと設定の永続化先を開く。
func (s *server) openRepositories(ctx context.Context, cfg *config.Config, client *supabase.Client, logger *slog.Logger) (repositories, error) {
	if cfg.StoreBackend != config.StoreBackendPostgres {
		rest := supabase.NewRestClient(client)
		return repositories{
			profiles: repository.NewRestProfileRepo(rest),
			prefs:    repository.NewRestPreferencesRepo(rest),
		}, nil
	}

	db, err := database.OpenWithPool(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    max(cfg.DBMaxOpenConns/2, 1),
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return repositories{}, err
	}
	s.closers = append(s.closers, func() { _ = db.Close() })

	if err := database.Ping(ctx, db, connectTimeout); err != nil {
		return repositories{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("データベースに接続しました")

	return repositories{
		profiles: repository.NewPostgresProfileRepo(db),
		prefs:    repository.NewPostgresPreferencesRepo(db),
		pinger:   db,
	}, nil
}

// openStorage はブラウザごとのセッション保存先を開く。
// REDIS_URLが未設定の場合はプロセス内のメモリに保存する。
func (s *server) openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (supabase.Storage, error) {
	if cfg.RedisURL == "" {
		return supabase.NewMemoryStorage(), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	s.closers = append(s.closers, func() { _ = rdb.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Redisに接続しました")

	return supabase.NewRedisStorage(rdb, redisKeyPrefix, time.Duration(cfg.SessionMaxAge)*time.Second), nil
}
