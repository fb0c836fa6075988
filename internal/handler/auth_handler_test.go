package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/security"
	"github.com/hitoshi/letsmeetup/internal/session"
)

// mockEditorRemover はEditorRemoverのモック実装。
type mockEditorRemover struct {
	removed []string
}

func (m *mockEditorRemover) Remove(browserID string) {
	m.removed = append(m.removed, browserID)
}

func newTestAuthHandler(t *testing.T, p *mockProvider) (*AuthHandler, *mockEditorRemover) {
	t.Helper()
	editors := &mockEditorRemover{}
	h := NewAuthHandler(newTestRegistry(t, p), editors, security.NewTextSanitizer(), AuthHandlerConfig{
		BaseURL: "http://localhost:3000/",
	}, discardLogger())
	return h, editors
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return withBrowserID(req)
}

// --- POST /api/auth/login ---

func TestAuthHandler_Login_Success(t *testing.T) {
	p := newMockProvider()
	var gotEmail string
	p.signInFn = func(ctx context.Context, email, password string) error {
		gotEmail = email
		p.setSession(sessionFor("user-1"))
		return nil
	}
	h, _ := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/api/auth/login", `{"email":" a@example.com ","password":"secret"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotEmail != "a@example.com" {
		t.Errorf("email = %q, want trimmed", gotEmail)
	}
	resp := parseSessionResponse(t, w)
	if resp.Status != session.StatusAuthenticated {
		t.Errorf("status = %q, want authenticated", resp.Status)
	}
	if resp.User == nil || resp.User.ID != "user-1" || resp.User.DisplayName != "User user-1" {
		t.Errorf("user = %+v", resp.User)
	}
}

func TestAuthHandler_Login_SwitchingUserWaitsForNewIdentity(t *testing.T) {
	p := newMockProvider()
	p.session = sessionFor("user-1")
	p.signInFn = func(ctx context.Context, email, password string) error {
		// 変更通知はログインの完了より遅れて届く
		go func() {
			time.Sleep(50 * time.Millisecond)
			p.setSession(sessionFor("user-2"))
		}()
		return nil
	}
	h, _ := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"user-2@example.com","password":"secret"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := parseSessionResponse(t, w)
	if resp.User == nil || resp.User.ID != "user-2" {
		t.Errorf("user = %+v, want user-2", resp.User)
	}
}

func TestSignedInAs(t *testing.T) {
	signedIn := func(id string) session.Snapshot {
		return session.Snapshot{Status: session.StatusAuthenticated, Identity: &sessionFor(id).User}
	}
	signedOut := session.Snapshot{Status: session.StatusUnauthenticated}

	tests := []struct {
		name   string
		before session.Snapshot
		email  string
		snap   session.Snapshot
		want   bool
	}{
		{"未認証から認証済み", signedOut, "user-1@example.com", signedIn("user-1"), true},
		{"未認証のまま", signedOut, "user-1@example.com", signedOut, false},
		{"別ユーザーへの切り替え前", signedIn("user-1"), "user-2@example.com", signedIn("user-1"), false},
		{"別ユーザーへの切り替え後", signedIn("user-1"), "user-2@example.com", signedIn("user-2"), true},
		{"同じユーザーで再ログイン", signedIn("user-1"), "USER-1@example.com", signedIn("user-1"), true},
		{"メールアドレスなしで同じユーザー", signedIn("user-1"), "", signedIn("user-1"), false},
		{"メールアドレスなしで別ユーザー", signedIn("user-1"), "", signedIn("user-2"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signedInAs(tt.before, tt.email)(tt.snap); got != tt.want {
				t.Errorf("signedInAs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthHandler_Login_Rejected(t *testing.T) {
	p := newMockProvider()
	p.signInFn = func(ctx context.Context, email, password string) error {
		return &model.AuthError{Op: "login", Code: "invalid_credentials", Message: "Invalid login credentials", Status: http.StatusBadRequest}
	}
	h, _ := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"a@example.com","password":"wrong"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	body := parseAPIErrorResponse(t, w)
	if body["code"] != model.ErrCodeAuthFailed {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeAuthFailed)
	}
	if body["message"] != "Invalid login credentials" {
		t.Errorf("message = %q, want provider message", body["message"])
	}
}

func TestAuthHandler_Login_ValidationError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"メールアドレスの形式が不正", `{"email":"not-an-email","password":"secret"}`},
		{"パスワードが空", `{"email":"a@example.com","password":""}`},
		{"不正なJSON", `{"email":`},
		{"未知のフィールド", `{"email":"a@example.com","password":"secret","admin":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMockProvider()
			called := false
			p.signInFn = func(ctx context.Context, email, password string) error {
				called = true
				return nil
			}
			h, _ := newTestAuthHandler(t, p)

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(http.MethodPost, "/api/auth/login", tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidRequest)
			}
			if called {
				t.Error("検証エラー時にIdPを呼び出した")
			}
		})
	}
}

func TestAuthHandler_Login_NoBrowserID(t *testing.T) {
	h, _ := newTestAuthHandler(t, newMockProvider())

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"email":"a@example.com","password":"secret"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- POST /api/auth/signup ---

func TestAuthHandler_Signup_SanitizesName(t *testing.T) {
	p := newMockProvider()
	var gotMetadata map[string]any
	p.signUpFn = func(ctx context.Context, email, password string, metadata map[string]any) error {
		gotMetadata = metadata
		return nil
	}
	h, _ := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.Signup(w, jsonRequest(http.MethodPost, "/api/auth/signup",
		`{"email":"new@example.com","password":"secret1","name":"<b>Taro</b><script>x</script>"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if gotMetadata["name"] != "Taro" {
		t.Errorf("metadata name = %v, want Taro", gotMetadata["name"])
	}
}

func TestAuthHandler_Signup_WithoutName(t *testing.T) {
	p := newMockProvider()
	var gotMetadata map[string]any
	p.signUpFn = func(ctx context.Context, email, password string, metadata map[string]any) error {
		gotMetadata = metadata
		return nil
	}
	h, _ := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.Signup(w, jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"new@example.com","password":"secret1"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if gotMetadata != nil {
		t.Errorf("metadata = %v, want nil", gotMetadata)
	}
	if resp := parseSessionResponse(t, w); resp.Status != session.StatusUnauthenticated {
		t.Errorf("status = %q, want unauthenticated", resp.Status)
	}
}

func TestAuthHandler_Signup_ShortPassword(t *testing.T) {
	h, _ := newTestAuthHandler(t, newMockProvider())

	w := httptest.NewRecorder()
	h.Signup(w, jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"new@example.com","password":"123"}`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAuthHandler_Signup_AlreadyRegistered(t *testing.T) {
	p := newMockProvider()
	p.signUpFn = func(ctx context.Context, email, password string, metadata map[string]any) error {
		return &model.AuthError{Op: "signup", Code: "user_already_exists", Message: "User already registered", Status: http.StatusUnprocessableEntity}
	}
	h, _ := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.Signup(w, jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"a@example.com","password":"secret1"}`))

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

// --- POST /api/auth/logout ---

func TestAuthHandler_Logout(t *testing.T) {
	p := newMockProvider()
	p.session = sessionFor("user-1")
	h, editors := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.Logout(w, jsonRequest(http.MethodPost, "/api/auth/logout", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp := parseSessionResponse(t, w); resp.Status != session.StatusUnauthenticated || resp.User != nil {
		t.Errorf("response = %+v, want unauthenticated", resp)
	}
	if len(editors.removed) != 1 || editors.removed[0] != testBrowserID {
		t.Errorf("removed = %v, want [%s]", editors.removed, testBrowserID)
	}
}

func TestAuthHandler_Logout_ProviderFailureKeepsEditor(t *testing.T) {
	p := newMockProvider()
	p.session = sessionFor("user-1")
	p.signOutFn = func(ctx context.Context) error {
		return errors.New("connection refused")
	}
	h, editors := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.Logout(w, jsonRequest(http.MethodPost, "/api/auth/logout", ""))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if len(editors.removed) != 0 {
		t.Error("ログアウト失敗時に編集中フォームを破棄した")
	}
}

// --- GET /api/auth/oauth/{provider} ---

func TestAuthHandler_OAuthStart_Redirects(t *testing.T) {
	p := newMockProvider()
	var gotRedirect string
	p.oauthFn = func(ctx context.Context, provider, redirectTo string) (string, error) {
		gotRedirect = redirectTo
		return "https://idp.example.com/authorize?provider=" + provider, nil
	}
	h, _ := newTestAuthHandler(t, p)

	req := withChiURLParam(withBrowserID(httptest.NewRequest(http.MethodGet, "/api/auth/oauth/github", nil)), "provider", "github")
	w := httptest.NewRecorder()
	h.OAuthStart(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "https://idp.example.com/authorize?provider=github" {
		t.Errorf("Location = %q", loc)
	}
	if gotRedirect != "http://localhost:3000/auth/callback" {
		t.Errorf("redirectTo = %q", gotRedirect)
	}
}

func TestAuthHandler_OAuthStart_UnsupportedProvider(t *testing.T) {
	h, _ := newTestAuthHandler(t, newMockProvider())

	req := withChiURLParam(withBrowserID(httptest.NewRequest(http.MethodGet, "/api/auth/oauth/twitter", nil)), "provider", "twitter")
	w := httptest.NewRecorder()
	h.OAuthStart(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeUnsupportedOAuth {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeUnsupportedOAuth)
	}
}

// --- GET /auth/callback ---

func TestAuthHandler_Callback(t *testing.T) {
	failure := "http://localhost:3000/auth/signin?error=Authentication+failed"

	tests := []struct {
		name       string
		query      string
		exchangeFn func(ctx context.Context, code string) error
		want       string
	}{
		{"成功", "?code=abc", nil, "http://localhost:3000/dashboard"},
		{"認可コードなし", "", nil, failure},
		{"交換に失敗", "?code=expired", func(ctx context.Context, code string) error {
			return &model.AuthError{Op: "exchange_code", Message: "invalid flow state", Status: http.StatusBadRequest}
		}, failure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMockProvider()
			p.exchangeFn = tt.exchangeFn
			h, _ := newTestAuthHandler(t, p)

			req := withBrowserID(httptest.NewRequest(http.MethodGet, "/auth/callback"+tt.query, nil))
			w := httptest.NewRecorder()
			h.Callback(w, req)

			if w.Code != http.StatusFound {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
			}
			if loc := w.Header().Get("Location"); loc != tt.want {
				t.Errorf("Location = %q, want %q", loc, tt.want)
			}
		})
	}
}

// --- PUT /api/auth/password ---

func TestAuthHandler_ChangePassword(t *testing.T) {
	p := newMockProvider()
	var got string
	p.updatePasswordFn = func(ctx context.Context, password string) error {
		got = password
		return nil
	}
	h, _ := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.ChangePassword(w, jsonRequest(http.MethodPut, "/api/auth/password", `{"password":"new-secret"}`))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got != "new-secret" {
		t.Errorf("password = %q", got)
	}
}

func TestAuthHandler_ChangePassword_ProviderUnavailable(t *testing.T) {
	p := newMockProvider()
	p.updatePasswordFn = func(ctx context.Context, password string) error {
		return &model.AuthError{Op: "change_password", Message: "upstream error", Status: http.StatusBadGateway}
	}
	h, _ := newTestAuthHandler(t, p)

	w := httptest.NewRecorder()
	h.ChangePassword(w, jsonRequest(http.MethodPut, "/api/auth/password", `{"password":"new-secret"}`))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAuthErrorStatus(t *testing.T) {
	tests := []struct {
		provider int
		want     int
	}{
		{http.StatusBadRequest, http.StatusBadRequest},
		{http.StatusUnauthorized, http.StatusUnauthorized},
		{http.StatusForbidden, http.StatusUnauthorized},
		{http.StatusUnprocessableEntity, http.StatusUnprocessableEntity},
		{http.StatusTooManyRequests, http.StatusTooManyRequests},
		{http.StatusInternalServerError, http.StatusServiceUnavailable},
		{0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := authErrorStatus(&model.AuthError{Status: tt.provider}); got != tt.want {
			t.Errorf("authErrorStatus(%d) = %d, want %d", tt.provider, got, tt.want)
		}
	}
}
