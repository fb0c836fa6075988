package supabase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/letsmeetup/internal/model"
)

const (
	// refreshMargin は有効期限のこの時間前からセッションを更新する。
	refreshMargin = 60 * time.Second
	// subscriberBuffer は購読者ごとの通知バッファ数。
	subscriberBuffer = 16
	// verifierBytes はPKCEコード検証子の乱数バイト数（base64urlで64文字）。
	verifierBytes = 48
)

// StorageKey はブラウザIDからセッション保存キーを生成する。
func StorageKey(browserID string) string {
	return "sb-" + browserID + "-auth-token"
}

// sessionPayload はトークンエンドポイントのレスポンスであり、保存形式でもある。
type sessionPayload struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in,omitempty"`
	ExpiresAt    int64        `json:"expires_at,omitempty"`
	User         *userPayload `json:"user"`
}

// userPayload は認証基盤のユーザー表現。
type userPayload struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (p *sessionPayload) session() *model.Session {
	s := &model.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
	}
	if p.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(p.ExpiresAt, 0)
	}
	if p.User != nil {
		s.User = model.Identity{
			ID:       p.User.ID,
			Email:    p.User.Email,
			Metadata: p.User.UserMetadata,
		}
	}
	return s
}

type subscriber struct {
	ch   chan model.AuthEvent
	done chan struct{}
}

// AuthClient は1つのブラウザに対応する認証クライアント。
// セッションはStorageにブラウザ単位のキーで保存され、変更は購読者に通知される。
type AuthClient struct {
	client  *Client
	storage Storage
	key     string
	now     func() time.Time
	refresh singleflight.Group

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

// NewAuthClient はAuthClientの新しいインスタンスを生成する。
func NewAuthClient(client *Client, storage Storage, browserID string) *AuthClient {
	return &AuthClient{
		client:  client,
		storage: storage,
		key:     StorageKey(browserID),
		now:     time.Now,
		subs:    make(map[uint64]*subscriber),
	}
}

// Subscribe はセッション変更通知を購読する。
// 返される関数で購読を解除する。解除は何度呼んでもよい。
func (a *AuthClient) Subscribe() (<-chan model.AuthEvent, func()) {
	s := &subscriber{
		ch:   make(chan model.AuthEvent, subscriberBuffer),
		done: make(chan struct{}),
	}

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = s
	a.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			close(s.done)
		})
	}
}

// emit は全購読者にイベントを配送する。
// 購読解除された購読者への送信は破棄される。
func (a *AuthClient) emit(eventType model.AuthEventType, session *model.Session) {
	a.mu.Lock()
	subs := make([]*subscriber, 0, len(a.subs))
	for _, s := range a.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	ev := model.AuthEvent{Type: eventType, Session: session}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

// GetSession は保存済みのセッションを返す。
// 有効期限が近い場合はリフレッシュトークンで更新してから返す。
// セッションがない場合は(nil, nil)を返す。
func (a *AuthClient) GetSession(ctx context.Context) (*model.Session, error) {
	p, err := a.loadPayload(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	s := p.session()
	if !s.Expired(a.now(), refreshMargin) {
		return s, nil
	}
	return a.refreshSession(ctx, p.RefreshToken)
}

// refreshSession はリフレッシュトークンでセッションを更新する。
// 同じトークンでの同時更新は1回のリクエストにまとめる。
// トークンが拒否された場合はセッションを破棄し、サインアウトを通知する。
func (a *AuthClient) refreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	v, err, _ := a.refresh.Do(refreshToken, func() (any, error) {
		resp, err := a.client.do(ctx, http.MethodPost, authPath+"/token",
			url.Values{"grant_type": {"refresh_token"}}, nil, "",
			map[string]string{"refresh_token": refreshToken})
		if err != nil {
			return nil, fmt.Errorf("failed to refresh session: %w", err)
		}
		if resp.status >= http.StatusInternalServerError {
			return nil, newAuthError("refresh_token", resp)
		}
		if resp.status >= http.StatusBadRequest {
			if err := a.clearSession(ctx); err != nil {
				return nil, err
			}
			a.emit(model.AuthEventSignedOut, nil)
			return (*model.Session)(nil), nil
		}

		s, err := a.storeSession(ctx, resp.body)
		if err != nil {
			return nil, err
		}
		a.emit(model.AuthEventTokenRefreshed, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s, _ := v.(*model.Session)
	return s, nil
}

// SignUp はメールアドレスとパスワードで新規登録する。
// 確認メールが不要な設定の場合はそのままサインイン状態になる。
func (a *AuthClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	resp, err := a.client.do(ctx, http.MethodPost, authPath+"/signup", nil, nil, "", map[string]any{
		"email":    email,
		"password": password,
		"data":     metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to sign up: %w", err)
	}
	if resp.status >= http.StatusBadRequest {
		return newAuthError("signup", resp)
	}

	var p sessionPayload
	if err := json.Unmarshal(resp.body, &p); err != nil {
		return fmt.Errorf("failed to parse signup response: %w", err)
	}
	if p.AccessToken == "" {
		return nil
	}

	s, err := a.storeSession(ctx, resp.body)
	if err != nil {
		return err
	}
	a.emit(model.AuthEventSignedIn, s)
	return nil
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) error {
	resp, err := a.client.do(ctx, http.MethodPost, authPath+"/token",
		url.Values{"grant_type": {"password"}}, nil, "",
		map[string]string{"email": email, "password": password})
	if err != nil {
		return fmt.Errorf("failed to sign in: %w", err)
	}
	if resp.status >= http.StatusBadRequest {
		return newAuthError("login", resp)
	}

	s, err := a.storeSession(ctx, resp.body)
	if err != nil {
		return err
	}
	a.emit(model.AuthEventSignedIn, s)
	return nil
}

// SignOut はセッションを無効化し、ローカルのセッションを破棄する。
// 認証基盤側ですでにセッションが失効している場合もローカルのセッションは破棄する。
func (a *AuthClient) SignOut(ctx context.Context) error {
	p, err := a.loadPayload(ctx)
	if err != nil {
		return err
	}

	if p != nil {
		resp, err := a.client.do(ctx, http.MethodPost, authPath+"/logout", nil, nil, p.AccessToken, nil)
		if err != nil {
			return fmt.Errorf("failed to sign out: %w", err)
		}
		switch {
		case resp.status < http.StatusBadRequest:
		case resp.status == http.StatusUnauthorized,
			resp.status == http.StatusForbidden,
			resp.status == http.StatusNotFound:
		default:
			return newAuthError("logout", resp)
		}
	}

	if err := a.clearSession(ctx); err != nil {
		return err
	}
	a.emit(model.AuthEventSignedOut, nil)
	return nil
}

// SignInWithOAuth は外部IdPログインの開始URLを生成する。
// PKCEのコード検証子はStorageに保存され、ExchangeCodeForSessionで使われる。
func (a *AuthClient) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return "", err
	}
	if err := a.storage.SetItem(ctx, a.verifierKey(), verifier); err != nil {
		return "", fmt.Errorf("failed to save code verifier: %w", err)
	}

	params := url.Values{
		"provider":              {provider},
		"code_challenge":        {codeChallenge(verifier)},
		"code_challenge_method": {"s256"},
	}
	if redirectTo != "" {
		params.Set("redirect_to", redirectTo)
	}
	return a.client.baseURL + authPath + "/authorize?" + params.Encode(), nil
}

// ExchangeCodeForSession は外部IdPのコールバックで受け取った認可コードをセッションに交換する。
func (a *AuthClient) ExchangeCodeForSession(ctx context.Context, code string) error {
	verifier, ok, err := a.storage.GetItem(ctx, a.verifierKey())
	if err != nil {
		return fmt.Errorf("failed to load code verifier: %w", err)
	}
	if !ok {
		return &model.AuthError{
			Op:      "exchange_code",
			Code:    "pkce_verifier_missing",
			Message: "PKCE code verifier not found in storage",
			Status:  http.StatusBadRequest,
		}
	}

	resp, err := a.client.do(ctx, http.MethodPost, authPath+"/token",
		url.Values{"grant_type": {"pkce"}}, nil, "",
		map[string]string{"auth_code": code, "code_verifier": verifier})
	if err != nil {
		return fmt.Errorf("failed to exchange code: %w", err)
	}
	if err := a.storage.RemoveItem(ctx, a.verifierKey()); err != nil {
		a.client.logger.Warn("コード検証子の削除に失敗しました", slog.String("error", err.Error()))
	}
	if resp.status >= http.StatusBadRequest {
		return newAuthError("exchange_code", resp)
	}

	s, err := a.storeSession(ctx, resp.body)
	if err != nil {
		return err
	}
	a.emit(model.AuthEventSignedIn, s)
	return nil
}

// UpdatePassword はサインイン中のユーザーのパスワードを変更する。
func (a *AuthClient) UpdatePassword(ctx context.Context, password string) error {
	s, err := a.GetSession(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return &model.AuthError{
			Op:      "update_user",
			Code:    "session_missing",
			Message: "Auth session missing!",
			Status:  http.StatusUnauthorized,
		}
	}

	resp, err := a.client.do(ctx, http.MethodPut, authPath+"/user", nil, nil, s.AccessToken,
		map[string]string{"password": password})
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if resp.status >= http.StatusBadRequest {
		return newAuthError("update_user", resp)
	}

	var user userPayload
	if err := json.Unmarshal(resp.body, &user); err != nil {
		return fmt.Errorf("failed to parse user response: %w", err)
	}

	p, err := a.loadPayload(ctx)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	p.User = &user
	if err := a.savePayload(ctx, p); err != nil {
		return err
	}
	a.emit(model.AuthEventUserUpdated, p.session())
	return nil
}

// loadPayload は保存済みのセッションを読み込む。
// 壊れたデータは破棄してセッションなしとして扱う。
func (a *AuthClient) loadPayload(ctx context.Context) (*sessionPayload, error) {
	raw, ok, err := a.storage.GetItem(ctx, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var p sessionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.AccessToken == "" {
		a.client.logger.Warn("保存済みセッションが不正なため破棄します", slog.String("key", a.key))
		if err := a.storage.RemoveItem(ctx, a.key); err != nil {
			return nil, fmt.Errorf("failed to remove session: %w", err)
		}
		return nil, nil
	}
	return &p, nil
}

// storeSession はトークンレスポンスを保存し、セッションを返す。
func (a *AuthClient) storeSession(ctx context.Context, body []byte) (*model.Session, error) {
	var p sessionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse session response: %w", err)
	}
	if p.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	if p.ExpiresAt == 0 {
		switch {
		case p.ExpiresIn > 0:
			p.ExpiresAt = a.now().Add(time.Duration(p.ExpiresIn) * time.Second).Unix()
		default:
			if exp, ok := tokenExpiry(p.AccessToken); ok {
				p.ExpiresAt = exp.Unix()
			}
		}
	}

	if err := a.savePayload(ctx, &p); err != nil {
		return nil, err
	}
	return p.session(), nil
}

func (a *AuthClient) savePayload(ctx context.Context, p *sessionPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := a.storage.SetItem(ctx, a.key, string(data)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (a *AuthClient) clearSession(ctx context.Context) error {
	if err := a.storage.RemoveItem(ctx, a.key); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (a *AuthClient) verifierKey() string {
	return a.key + "-code-verifier"
}

// newAuthError は認証APIのエラーレスポンスをAuthErrorに変換する。
func newAuthError(op string, resp *response) *model.AuthError {
	body := parseErrorBody(resp.body)
	msg := body.message()
	if msg == "" {
		msg = http.StatusText(resp.status)
	}
	return &model.AuthError{
		Op:      op,
		Code:    body.code(),
		Message: msg,
		Status:  resp.status,
	}
}

// generateCodeVerifier はPKCEのコード検証子を生成する。
func generateCodeVerifier() (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// codeChallenge はS256方式のコードチャレンジを計算する。
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
