// Package session はブラウザごとの認証状態を管理する。
// IdPのセッション変更通知を唯一の正として状態を遷移させ、
// 登録・ログイン・ログアウトなどの操作をIdPへ委譲する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hitoshi/letsmeetup/internal/model"
)

// Status は認証状態。
type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// 外部IdPログインで利用できるプロバイダ
const (
	OAuthGoogle = "google"
	OAuthGitHub = "github"
)

var (
	// ErrNotAuthenticated はサインインしていない状態で資格情報を要求した場合のエラー。
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrUnsupportedProvider は未対応の外部IdPが指定された場合のエラー。
	ErrUnsupportedProvider = errors.New("unsupported oauth provider")
)

// Snapshot はある時点の認証状態。
type Snapshot struct {
	Status   Status
	Identity *model.Identity
	Loading  bool
}

// Provider はIdPとの境界インターフェース。
type Provider interface {
	// GetSession は現在のセッションを返す。セッションがない場合は(nil, nil)。
	GetSession(ctx context.Context) (*model.Session, error)
	// Subscribe はセッション変更通知を購読する。返される関数で購読を解除する。
	Subscribe() (<-chan model.AuthEvent, func())
	SignUp(ctx context.Context, email, password string, metadata map[string]any) error
	SignInWithPassword(ctx context.Context, email, password string) error
	SignOut(ctx context.Context) error
	// SignInWithOAuth は外部IdPログインの開始URLを返す。
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	ExchangeCodeForSession(ctx context.Context, code string) error
	UpdatePassword(ctx context.Context, password string) error
}

// TransitionRecorder は状態遷移を記録する。
type TransitionRecorder func(from, to Status)

// OperationRecorder は認証操作の結果を記録する。
type OperationRecorder func(op string, err error)

// Option はManagerの設定を変更する。
type Option func(*Manager)

// WithTransitionRecorder は状態遷移の記録先を設定する。
func WithTransitionRecorder(r TransitionRecorder) Option {
	return func(m *Manager) { m.recordTransition = r }
}

// WithOperationRecorder は認証操作の記録先を設定する。
func WithOperationRecorder(r OperationRecorder) Option {
	return func(m *Manager) { m.recordOperation = r }
}

// Manager は1つのブラウザの認証状態を保持する。
//
// 状態はunknownから始まり、初回のセッション取得またはIdPからの通知で
// authenticated/unauthenticatedに遷移する。通知は受信順に1件ずつ処理され、
// 通知を一度でも適用した後は初回取得の結果を無視する。
// 同じIdentity（またはなし）の再適用は何もしない。
type Manager struct {
	provider         Provider
	logger           *slog.Logger
	recordTransition TransitionRecorder
	recordOperation  OperationRecorder

	mu          sync.Mutex
	snapshot    Snapshot
	notified    bool
	running     bool
	unsubscribe func()
	watchers    map[uint64]chan Snapshot
	nextWatcher uint64

	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewManager はManagerの新しいインスタンスを生成する。Startを呼ぶまで状態はunknownのまま。
func NewManager(provider Provider, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		logger:   logger,
		snapshot: Snapshot{Status: StatusUnknown, Loading: true},
		watchers: make(map[uint64]chan Snapshot),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start は変更通知を購読し、現在のセッションを取得する。
// 購読を先に行うため、取得中に届いた通知を取りこぼさない。
// セッション取得に失敗した場合は未認証として扱い、エラーを返す。
// 2回目以降の呼び出しとClose後の呼び出しは何もしない。
func (m *Manager) Start(ctx context.Context) error {
	started := false
	m.startOnce.Do(func() {
		events, unsubscribe := m.provider.Subscribe()
		m.mu.Lock()
		m.unsubscribe = unsubscribe
		m.running = true
		m.mu.Unlock()
		go m.loop(events)
		started = true
	})
	if !started {
		return nil
	}

	s, err := m.provider.GetSession(ctx)
	if err != nil {
		m.logger.Warn("セッションの取得に失敗しました", slog.String("error", err.Error()))
		m.apply(nil, false)
		return fmt.Errorf("failed to fetch session: %w", err)
	}

	var identity *model.Identity
	if s != nil {
		user := s.User
		identity = &user
	}
	m.apply(identity, false)
	return nil
}

// Close は購読を解除し、通知処理の終了を待つ。何度呼んでもよい。
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		// Close後にStartされても購読しないようにする
		m.startOnce.Do(func() {})

		m.mu.Lock()
		running := m.running
		unsubscribe := m.unsubscribe
		for id, ch := range m.watchers {
			close(ch)
			delete(m.watchers, id)
		}
		m.mu.Unlock()

		close(m.stop)
		if unsubscribe != nil {
			unsubscribe()
		}
		if running {
			<-m.done
		}
	})
}

// loop は通知を受信順に1件ずつ適用する。
func (m *Manager) loop(events <-chan model.AuthEvent) {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ev.Identity(), true)
		}
	}
}

// apply はIdentity（nilは未認証）を状態に反映する。
// fromNotificationがfalseの場合、通知適用後であれば何もしない。
func (m *Manager) apply(identity *model.Identity, fromNotification bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fromNotification {
		m.notified = true
	} else if m.notified {
		return
	}

	next := Snapshot{Status: StatusUnauthenticated}
	if identity != nil {
		next = Snapshot{Status: StatusAuthenticated, Identity: identity}
	}

	prev := m.snapshot
	if prev.Status == next.Status && prev.Identity.Equal(next.Identity) {
		return
	}
	m.snapshot = next
	m.readyOnce.Do(func() { close(m.ready) })

	for _, ch := range m.watchers {
		publish(ch, next)
	}

	attrs := []any{slog.String("from", string(prev.Status)), slog.String("to", string(next.Status))}
	if identity != nil {
		attrs = append(attrs, slog.String("user_id", identity.ID))
	}
	m.logger.Info("認証状態が変化しました", attrs...)

	if m.recordTransition != nil {
		m.recordTransition(prev.Status, next.Status)
	}
}

// publish はチャネルの古いスナップショットを捨てて最新のものを入れる。
// 受信側が遅くても送信側はブロックしない。
func publish(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Snapshot は現在の認証状態を返す。
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Identity は現在のIdentityを返す。未認証の場合はnil。
func (m *Manager) Identity() *model.Identity {
	return m.Snapshot().Identity
}

// Watch は状態の変化を購読する。
// チャネルには直ちに現在の状態が入り、以降は最新の状態だけが保持される。
// 返される関数で購読を解除するとチャネルは閉じられる。Close時も閉じられる。
func (m *Manager) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	select {
	case <-m.stop:
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = ch
	ch <- m.snapshot
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(ch)
		}
	}
}

// Watching は購読中の呼び出し元があるかを返す。
func (m *Manager) Watching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers) > 0
}

// WaitReady は状態がunknownでなくなるまで待つ。
func (m *Manager) WaitReady(ctx context.Context) (Snapshot, error) {
	select {
	case <-m.ready:
		return m.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// AccessToken はデータアクセスに使うアクセストークンを返す。
// 有効期限が近い場合はIdP側で更新される。
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	s, err := m.provider.GetSession(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return "", ErrNotAuthenticated
	}
	return s.AccessToken, nil
}

// Register はメールアドレスとパスワードで新規登録する。
// 状態の遷移は後続の通知で行われる。
func (m *Manager) Register(ctx context.Context, email, password string, metadata map[string]any) error {
	return m.call("register", func() error {
		return m.provider.SignUp(ctx, email, password, metadata)
	})
}

// Login はメールアドレスとパスワードでログインする。
func (m *Manager) Login(ctx context.Context, email, password string) error {
	return m.call("login", func() error {
		return m.provider.SignInWithPassword(ctx, email, password)
	})
}

// Logout はログアウトする。
func (m *Manager) Logout(ctx context.Context) error {
	return m.call("logout", func() error {
		return m.provider.SignOut(ctx)
	})
}

// LoginWithProvider は外部IdPログインを開始し、リダイレクト先URLを返す。
// ログインの完了はCompleteProviderLoginで受け取る。
func (m *Manager) LoginWithProvider(ctx context.Context, provider, redirectTo string) (string, error) {
	if provider != OAuthGoogle && provider != OAuthGitHub {
		return "", ErrUnsupportedProvider
	}
	var redirectURL string
	err := m.call("oauth_"+provider, func() error {
		u, err := m.provider.SignInWithOAuth(ctx, provider, redirectTo)
		redirectURL = u
		return err
	})
	if err != nil {
		return "", err
	}
	return redirectURL, nil
}

// CompleteProviderLogin は外部IdPから受け取った認可コードをセッションに交換する。
func (m *Manager) CompleteProviderLogin(ctx context.Context, code string) error {
	if code == "" {
		return &model.AuthError{
			Op:      "exchange_code",
			Code:    "missing_code",
			Message: "authorization code is required",
			Status:  http.StatusBadRequest,
		}
	}
	return m.call("exchange_code", func() error {
		return m.provider.ExchangeCodeForSession(ctx, code)
	})
}

// ChangePassword はパスワードを変更する。
func (m *Manager) ChangePassword(ctx context.Context, newPassword string) error {
	return m.call("change_password", func() error {
		return m.provider.UpdatePassword(ctx, newPassword)
	})
}

// call はIdPへの操作を実行し、失敗を*model.AuthErrorとして返す。
// 操作は再試行しない。
func (m *Manager) call(op string, fn func() error) error {
	err := fn()
	if m.recordOperation != nil {
		m.recordOperation(op, err)
	}
	if err == nil {
		return nil
	}

	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		m.logger.Info("認証操作が拒否されました",
			slog.String("op", op),
			slog.String("code", authErr.Code),
			slog.Int("status", authErr.Status),
		)
		return authErr
	}

	m.logger.Error("認証操作に失敗しました",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return &model.AuthError{
		Op:      op,
		Code:    "request_failed",
		Message: "authentication service is unavailable",
		Status:  http.StatusServiceUnavailable,
	}
}
