package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/letsmeetup/internal/middleware"
	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/security"
	"github.com/hitoshi/letsmeetup/internal/session"
)

const (
	// callbackPath は外部IdPログイン後に戻ってくるパス。
	callbackPath = "/auth/callback"
	// dashboardPath は外部IdPログイン成功後の遷移先。
	dashboardPath = "/dashboard"
	// signInPath は外部IdPログイン失敗時の遷移先。
	signInPath = "/auth/signin"
	// callbackErrorMessage は外部IdPログイン失敗時にクエリで渡すメッセージ。
	callbackErrorMessage = "Authentication failed"

	defaultSettleTimeout = 3 * time.Second
)

// EditorRemover はログアウト時にブラウザの編集中フォームを破棄するインターフェース。
// preference.Editorsが満たす。
type EditorRemover interface {
	Remove(browserID string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// BaseURL はフロントエンドのURL。外部IdPログインの戻り先とリダイレクト先の基点になる。
	BaseURL string
	// SettleTimeout は認証操作の後、状態の反映を待つ上限。
	SettleTimeout time.Duration
}

// AuthHandler はメールアドレス・パスワード認証と外部IdPログインのHTTPハンドラー。
// 操作はブラウザごとのセッションマネージャに委譲する。
type AuthHandler struct {
	sessions  middleware.SessionSource
	editors   EditorRemover
	sanitizer security.TextSanitizer
	config    AuthHandlerConfig
	logger    *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions middleware.SessionSource, editors EditorRemover, sanitizer security.TextSanitizer, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = defaultSettleTimeout
	}
	return &AuthHandler{
		sessions:  sessions,
		editors:   editors,
		sanitizer: sanitizer,
		config:    config,
		logger:    logger,
	}
}

// signupRequest は新規登録リクエストのボディ。
type signupRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Name     string `json:"name" validate:"max=100"`
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// changePasswordRequest はパスワード変更リクエストのボディ。
type changePasswordRequest struct {
	Password string `json:"password" validate:"required,min=6,max=72"`
}

func (h *AuthHandler) manager(w http.ResponseWriter, r *http.Request) (*session.Manager, string, bool) {
	browserID, err := middleware.BrowserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil, "", false
	}
	return h.sessions.Get(r.Context(), browserID), browserID, true
}

// Signup はメールアドレスとパスワードで新規登録する。
// 確認メールが必要な構成では登録直後は未認証のまま。状態の変化は /api/session/events で受け取る。
// POST /api/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if apiErr := decodeJSONBody(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	m, _, ok := h.manager(w, r)
	if !ok {
		return
	}

	var metadata map[string]any
	if name := h.sanitizer.Sanitize(req.Name); name != "" {
		metadata = map[string]any{"name": name}
	}

	if err := m.Register(r.Context(), strings.TrimSpace(req.Email), req.Password, metadata); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	// 確認メールが不要な構成ではログイン済みの状態が後続の通知で届く
	middleware.WriteJSON(w, http.StatusCreated, toSessionResponse(m.Snapshot()))
}

// Login はメールアドレスとパスワードでログインし、ログイン後の認証状態を返す。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if apiErr := decodeJSONBody(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	m, _, ok := h.manager(w, r)
	if !ok {
		return
	}

	email := strings.TrimSpace(req.Email)
	before := m.Snapshot()
	if err := m.Login(r.Context(), email, req.Password); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	snap := awaitSnapshot(r.Context(), m, h.config.SettleTimeout, signedInAs(before, email))
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(snap))
}

// Logout はログアウトし、ブラウザの編集中フォームを破棄する。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	m, browserID, ok := h.manager(w, r)
	if !ok {
		return
	}

	if err := m.Logout(r.Context()); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.editors.Remove(browserID)

	snap := awaitSnapshot(r.Context(), m, h.config.SettleTimeout, func(s session.Snapshot) bool {
		return s.Status == session.StatusUnauthenticated
	})
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(snap))
}

// OAuthStart は外部IdPログインを開始し、IdPの認可画面へリダイレクトする。
// GET /api/auth/oauth/{provider}
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	m, _, ok := h.manager(w, r)
	if !ok {
		return
	}

	redirectURL, err := m.LoginWithProvider(r.Context(), providerFrom(r), h.config.BaseURL+callbackPath)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Callback は外部IdPから戻った認可コードをセッションに交換し、フロントエンドへリダイレクトする。
// 成功時はダッシュボード、失敗時はサインイン画面へエラーメッセージ付きで遷移する。
// GET /auth/callback?code=xxx
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	m, _, ok := h.manager(w, r)
	if !ok {
		return
	}

	code := r.URL.Query().Get("code")
	before := m.Snapshot()
	if err := m.CompleteProviderLogin(r.Context(), code); err != nil {
		h.logger.Warn("外部IdPログインの完了に失敗しました",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		q := url.Values{"error": {callbackErrorMessage}}
		http.Redirect(w, r, h.config.BaseURL+signInPath+"?"+q.Encode(), http.StatusFound)
		return
	}

	awaitSnapshot(r.Context(), m, h.config.SettleTimeout, signedInAs(before, ""))
	http.Redirect(w, r, h.config.BaseURL+dashboardPath, http.StatusFound)
}

// ChangePassword はログイン中のユーザーのパスワードを変更する。認証必須。
// PUT /api/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if apiErr := decodeJSONBody(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	m, _, ok := h.manager(w, r)
	if !ok {
		return
	}

	if err := m.ChangePassword(r.Context(), req.Password); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func providerFrom(r *http.Request) string {
	return chi.URLParam(r, "provider")
}

func isAuthenticated(s session.Snapshot) bool {
	return s.Status == session.StatusAuthenticated
}

// signedInAs はログイン操作の結果が反映されたかを判定する関数を返す。
// 操作前と別のユーザーで認証済みになったか、emailのユーザーで認証済みであれば反映済みとする。
// 操作前から認証済みだった場合、そのユーザーの状態だけでは反映済みとみなさない。
func signedInAs(before session.Snapshot, email string) func(session.Snapshot) bool {
	prevID := ""
	if before.Status == session.StatusAuthenticated && before.Identity != nil {
		prevID = before.Identity.ID
	}
	return func(s session.Snapshot) bool {
		if !isAuthenticated(s) || s.Identity == nil {
			return false
		}
		if email != "" && strings.EqualFold(s.Identity.Email, email) {
			return true
		}
		return s.Identity.ID != prevID
	}
}
