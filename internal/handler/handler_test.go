package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/letsmeetup/internal/middleware"
	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/preference"
	"github.com/hitoshi/letsmeetup/internal/session"
)

// --- モック定義 ---

// mockProvider はsession.Providerのモック実装。
// 各Fnが未設定の場合、サインイン系の操作はセッションを保存して変更通知を送る。
type mockProvider struct {
	mu      sync.Mutex
	session *model.Session
	events  chan model.AuthEvent

	getSessionFn     func(ctx context.Context) (*model.Session, error)
	signUpFn         func(ctx context.Context, email, password string, metadata map[string]any) error
	signInFn         func(ctx context.Context, email, password string) error
	signOutFn        func(ctx context.Context) error
	oauthFn          func(ctx context.Context, provider, redirectTo string) (string, error)
	exchangeFn       func(ctx context.Context, code string) error
	updatePasswordFn func(ctx context.Context, password string) error
}

func newMockProvider() *mockProvider {
	return &mockProvider{events: make(chan model.AuthEvent, 8)}
}

// sessionFor はユーザーIDに対応するテスト用セッションを返す。
func sessionFor(id string) *model.Session {
	return &model.Session{
		AccessToken: "token-" + id,
		User:        model.Identity{ID: id, Email: id + "@example.com", Metadata: map[string]any{"name": "User " + id}},
	}
}

func (m *mockProvider) setSession(s *model.Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	if s == nil {
		m.events <- model.AuthEvent{Type: model.AuthEventSignedOut}
		return
	}
	m.events <- model.AuthEvent{Type: model.AuthEventSignedIn, Session: s}
}

func (m *mockProvider) GetSession(ctx context.Context) (*model.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

func (m *mockProvider) Subscribe() (<-chan model.AuthEvent, func()) {
	return m.events, func() {}
}

func (m *mockProvider) SignUp(ctx context.Context, email, password string, metadata map[string]any) error {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, metadata)
	}
	return nil
}

func (m *mockProvider) SignInWithPassword(ctx context.Context, email, password string) error {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	m.setSession(sessionFor("user-1"))
	return nil
}

func (m *mockProvider) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	m.setSession(nil)
	return nil
}

func (m *mockProvider) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	if m.oauthFn != nil {
		return m.oauthFn(ctx, provider, redirectTo)
	}
	return "https://idp.example.com/authorize?provider=" + provider, nil
}

func (m *mockProvider) ExchangeCodeForSession(ctx context.Context, code string) error {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	m.setSession(sessionFor("user-1"))
	return nil
}

func (m *mockProvider) UpdatePassword(ctx context.Context, password string) error {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, password)
	}
	return nil
}

// mockProfileRepo はrepository.ProfileRepositoryのモック実装。
type mockProfileRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.UserProfile, error)
	upsertFn   func(ctx context.Context, profile *model.UserProfile) error
}

func (m *mockProfileRepo) FindByID(ctx context.Context, id string) (*model.UserProfile, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, &model.NotFoundError{Resource: "users", Key: id}
}

func (m *mockProfileRepo) Upsert(ctx context.Context, profile *model.UserProfile) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, profile)
	}
	return nil
}

// mockPreferencesRepo はrepository.PreferencesRepositoryのモック実装。
type mockPreferencesRepo struct {
	findByUserIDFn func(ctx context.Context, userID string) (*model.UserPreferences, error)
	upsertFn       func(ctx context.Context, prefs *model.UserPreferences) error
}

func (m *mockPreferencesRepo) FindByUserID(ctx context.Context, userID string) (*model.UserPreferences, error) {
	if m.findByUserIDFn != nil {
		return m.findByUserIDFn(ctx, userID)
	}
	return nil, &model.NotFoundError{Resource: "user_preferences", Key: userID}
}

func (m *mockPreferencesRepo) Upsert(ctx context.Context, prefs *model.UserPreferences) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, prefs)
	}
	return nil
}

// --- テストヘルパー ---

const testBrowserID = "6f1c2a7e-3b9d-4c1e-9a55-0d2f4e8b7c10"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRegistry は全ブラウザで同じProviderを使うRegistryを返す。
func newTestRegistry(t *testing.T, p session.Provider) *session.Registry {
	t.Helper()
	reg := session.NewRegistry(func(string) session.Provider { return p }, time.Minute, discardLogger())
	t.Cleanup(reg.Close)
	return reg
}

// newTestEditors はモックリポジトリを使うEditorsを返す。
func newTestEditors(profiles *mockProfileRepo, prefs *mockPreferencesRepo) *preference.Editors {
	s := preference.NewSynchronizer(profiles, prefs, discardLogger(),
		preference.WithCallTimeout(time.Second), preference.WithRetries(0))
	return preference.NewEditors(s, time.Minute)
}

// withBrowserID はテスト用にリクエストコンテキストにブラウザIDを注入するヘルパー。
func withBrowserID(r *http.Request) *http.Request {
	return r.WithContext(middleware.ContextWithBrowserID(r.Context(), testBrowserID))
}

// withIdentity はテスト用にリクエストコンテキストにIdentityを注入するヘルパー。
func withIdentity(r *http.Request, identity *model.Identity) *http.Request {
	return r.WithContext(middleware.ContextWithIdentity(r.Context(), identity))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// parseSessionResponse はレスポンスボディから認証状態をパースするヘルパー。
func parseSessionResponse(t *testing.T, w *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var result sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	return result
}
