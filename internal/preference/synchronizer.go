package preference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/repository"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultRetries     = 1
	retryDelay         = 200 * time.Millisecond

	// defaultOperationTimeout は読み込み・保存1回全体の上限。
	defaultOperationTimeout = 20 * time.Second
)

var (
	// ErrNoIdentity はIdentityなしで読み込み・保存しようとした場合のエラー。
	ErrNoIdentity = errors.New("identity is required")
	// ErrInvalidForm はフォームの検証に失敗した場合のエラー。
	ErrInvalidForm = errors.New("invalid preference form")
)

// OperationRecorder は読み込み・保存の結果と所要時間を記録する。
type OperationRecorder func(op string, elapsed time.Duration, err error)

// Option はSynchronizerの設定を変更する。
type Option func(*Synchronizer)

// WithCallTimeout はリモート呼び出し1回あたりのタイムアウトを設定する。
func WithCallTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetries は再試行可能なエラーの最大再試行回数を設定する。
func WithRetries(n int) Option {
	return func(s *Synchronizer) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithOperationTimeout は読み込み・保存1回全体の上限を設定する。
// 再試行中でも上限に達した時点で*model.DataErrorを返す。
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithOperationRecorder は操作結果の記録先を設定する。
func WithOperationRecorder(r OperationRecorder) Option {
	return func(s *Synchronizer) { s.record = r }
}

// Synchronizer はプロフィールと設定のレコードをフォームとして読み込み・保存する。
//
// 同じユーザーへの同時読み込みは1回のリモート呼び出しにまとめ、
// 保存はユーザーごとに直列化する。リモート呼び出しは1回ごとにタイムアウトし、
// 再試行可能なエラーは設定回数まで再試行する。
type Synchronizer struct {
	profiles  repository.ProfileRepository
	prefs     repository.PreferencesRepository
	validate  *validator.Validate
	logger    *slog.Logger
	timeout   time.Duration
	opTimeout time.Duration
	retries   int
	record    OperationRecorder

	loads singleflight.Group
	locks keyedMutex
}

// NewSynchronizer はSynchronizerの新しいインスタンスを生成する。
func NewSynchronizer(profiles repository.ProfileRepository, prefs repository.PreferencesRepository, logger *slog.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		profiles:  profiles,
		prefs:     prefs,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		timeout:   defaultCallTimeout,
		opTimeout: defaultOperationTimeout,
		retries:   defaultRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type records struct {
	profile *model.UserProfile
	prefs   *model.UserPreferences
}

// Load はIdentityのプロフィールと設定を読み込み、フォームに統合して返す。
// レコードが存在しない場合はデフォルト値で補完する。
// 失敗した場合は*model.DataErrorを返す。
func (s *Synchronizer) Load(ctx context.Context, identity *model.Identity) (Form, error) {
	if identity == nil {
		return Form{}, ErrNoIdentity
	}

	// 共有される読み込みは呼び出し元のキャンセルを引き継がず、各呼び出しのタイムアウトで打ち切る
	start := time.Now()
	v, err, shared := s.loads.Do(identity.ID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
		defer cancel()
		return s.fetch(ctx, identity.ID)
	})
	s.observe("load", start, err)
	if err != nil {
		s.logger.Error("設定の読み込みに失敗しました",
			slog.String("user_id", identity.ID),
			slog.Bool("shared", shared),
			slog.String("error", err.Error()),
		)
		return Form{}, err
	}

	r := v.(records)
	return Merge(r.profile, r.prefs, identity), nil
}

// Save はフォームをプロフィール、設定の順に保存し、保存後の状態を読み込み直して返す。
//
// プロフィールの保存に失敗した場合は設定を保存しない。
// 設定の保存に失敗してもプロフィールの変更は取り消さない。
// 同じユーザーの保存は同時に1つだけ実行される。
func (s *Synchronizer) Save(ctx context.Context, identity *model.Identity, form Form) (Form, error) {
	if identity == nil {
		return Form{}, ErrNoIdentity
	}

	form = form.normalized()
	if err := s.validate.Struct(form); err != nil {
		return Form{}, fmt.Errorf("%w: %w", ErrInvalidForm, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	unlock := s.locks.Lock(identity.ID)
	defer unlock()

	start := time.Now()
	confirmed, err := s.save(ctx, identity, form)
	s.observe("save", start, err)
	if err != nil {
		s.logger.Error("設定の保存に失敗しました",
			slog.String("user_id", identity.ID),
			slog.String("error", err.Error()),
		)
		return Form{}, err
	}

	s.logger.Info("設定を保存しました", slog.String("user_id", identity.ID))
	return confirmed, nil
}

func (s *Synchronizer) save(ctx context.Context, identity *model.Identity, form Form) (Form, error) {
	profile, prefs := toRecords(identity, form)

	if err := s.call(ctx, "upsert_profile", func(ctx context.Context) error {
		return s.profiles.Upsert(ctx, profile)
	}); err != nil {
		return Form{}, err
	}

	if err := s.call(ctx, "upsert_preferences", func(ctx context.Context) error {
		return s.prefs.Upsert(ctx, prefs)
	}); err != nil {
		return Form{}, err
	}

	// 保存後の確認は共有された読み込みを使わず直接読み込む
	r, err := s.fetch(ctx, identity.ID)
	if err != nil {
		return Form{}, err
	}
	return Merge(r.profile, r.prefs, identity), nil
}

// fetch はプロフィールと設定を並行して取得する。
// NotFoundErrorはレコードなしとして扱い、もう一方の取得を中断しない。
func (s *Synchronizer) fetch(ctx context.Context, userID string) (records, error) {
	var r records
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.call(gctx, "load_profile", func(ctx context.Context) error {
			p, err := s.profiles.FindByID(ctx, userID)
			if err != nil {
				return err
			}
			r.profile = p
			return nil
		})
	})
	g.Go(func() error {
		return s.call(gctx, "load_preferences", func(ctx context.Context) error {
			p, err := s.prefs.FindByUserID(ctx, userID)
			if err != nil {
				return err
			}
			r.prefs = p
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		return records{}, err
	}
	return r, nil
}

// call は1回ごとにタイムアウトを設けてfnを実行し、再試行可能なエラーであれば再試行する。
// NotFoundErrorはnilとして返す。その他のエラーは*model.DataErrorとして返す。
func (s *Synchronizer) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("リモート呼び出しを再試行します",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return &model.DataError{Op: op, Err: ctx.Err()}
			case <-time.After(retryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil || model.IsNotFound(err) {
			return nil
		}
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
	}

	var dataErr *model.DataError
	if errors.As(err, &dataErr) {
		return dataErr
	}
	return &model.DataError{Op: op, Err: err}
}

// isRetryable は再試行してよいエラーかを判定する。1回分のタイムアウトも再試行対象とする。
func isRetryable(err error) bool {
	return model.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Synchronizer) observe(op string, start time.Time, err error) {
	if s.record != nil {
		s.record(op, time.Since(start), err)
	}
}

// keyedMutex はキーごとの排他ロック。使われなくなったキーは解放される。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock はkeyのロックを取得し、解放する関数を返す。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
