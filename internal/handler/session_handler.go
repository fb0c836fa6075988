package handler

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/letsmeetup/internal/middleware"
	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/session"
)

const (
	// eventsWriteTimeout はWebSocketへの1回の書き込みの上限。
	eventsWriteTimeout = 10 * time.Second
	// eventsPingInterval はWebSocketのping送信間隔。pongがなければ接続を閉じる。
	eventsPingInterval = 30 * time.Second
	eventsPongTimeout  = 2 * eventsPingInterval
)

// userResponse はIdentityのAPIレスポンス。
type userResponse struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	DisplayName string         `json:"display_name"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// sessionResponse は認証状態のAPIレスポンス。
type sessionResponse struct {
	Status  session.Status `json:"status"`
	Loading bool           `json:"loading"`
	User    *userResponse  `json:"user"`
}

func toSessionResponse(s session.Snapshot) sessionResponse {
	resp := sessionResponse{Status: s.Status, Loading: s.Loading}
	if s.Identity != nil {
		resp.User = toUserResponse(s.Identity)
	}
	return resp
}

func toUserResponse(identity *model.Identity) *userResponse {
	return &userResponse{
		ID:          identity.ID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName(),
		Metadata:    identity.Metadata,
	}
}

// SessionHandlerConfig はセッションハンドラーの設定。
type SessionHandlerConfig struct {
	// AllowedOrigins はWebSocket接続を許可するOrigin。空の場合はOriginヘッダーのない接続のみ許可する。
	AllowedOrigins []string
	// ReadyTimeout は初回のセッション取得を待つ上限。
	ReadyTimeout time.Duration
}

// SessionHandler はブラウザの認証状態を返すHTTPハンドラー。
type SessionHandler struct {
	sessions middleware.SessionSource
	config   SessionHandlerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(sessions middleware.SessionSource, config SessionHandlerConfig, logger *slog.Logger) *SessionHandler {
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 5 * time.Second
	}
	h := &SessionHandler{
		sessions: sessions,
		config:   config,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *SessionHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.config.AllowedOrigins, origin)
}

// manager はリクエストのブラウザに対応するセッションマネージャを返す。
func (h *SessionHandler) manager(w http.ResponseWriter, r *http.Request) (*session.Manager, bool) {
	browserID, err := middleware.BrowserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil, false
	}
	return h.sessions.Get(r.Context(), browserID), true
}

// Get は現在の認証状態を返す。初回のセッション取得が終わるまで待つ。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.ReadyTimeout)
	defer cancel()
	snap, err := m.WaitReady(ctx)
	if err != nil {
		// 待ちきれなかった場合は読み込み中の状態をそのまま返す
		snap = m.Snapshot()
	}
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(snap))
}

// Events は認証状態の変化をWebSocketで配信する。
// 接続直後に現在の状態を送り、以降は変化のたびに最新の状態を送る。
// GET /api/session/events
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Warn("WebSocketへの切り替えに失敗しました", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	snapshots, unwatch := m.Watch()
	defer unwatch()

	// クライアントからのメッセージは読み捨て、切断の検知にのみ使う
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(eventsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteJSON(toSessionResponse(snap)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// awaitSnapshot は状態がdoneを満たすまで、またはtimeoutまで待ち、最後に観測した状態を返す。
// 認証操作の結果は変更通知として非同期に反映されるため、応答前に反映を待つのに使う。
func awaitSnapshot(ctx context.Context, m *session.Manager, timeout time.Duration, done func(session.Snapshot) bool) session.Snapshot {
	snapshots, unwatch := m.Watch()
	defer unwatch()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	last := m.Snapshot()
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return last
			}
			last = snap
			if done(snap) {
				return snap
			}
		case <-ctx.Done():
			return last
		}
	}
}
