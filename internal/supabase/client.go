// Package supabase はSupabase互換の認証基盤(GoTrue)とデータAPI(PostgREST)のクライアントを提供する。
// ブラウザごとのセッション保存、セッション変更通知、PKCEによる外部IdPログインを含む。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	authPath = "/auth/v1"
	restPath = "/rest/v1"

	defaultHTTPTimeout = 30 * time.Second
	userAgent          = "LetsMeetUp/1.0"
)

// Config はプラットフォーム接続設定。
type Config struct {
	URL        string
	AnonKey    string
	HTTPClient *http.Client // nilの場合はタイムアウト付きのクライアントを使う
}

// Client は認証APIとデータAPIで共有されるHTTPクライアント。
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// response はAPI呼び出しの結果。
type response struct {
	status int
	body   []byte
}

// do はAPIリクエストを送信する。
// bearerが空の場合は匿名キーをBearerトークンとして使う。
// HTTPステータスによるエラー判定は呼び出し側で行う。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, bearer string, payload any) (*response, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("プラットフォームAPIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Debug("プラットフォームAPIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
	}

	return &response{status: resp.StatusCode, body: data}, nil
}

// apiErrorBody は認証APIとデータAPIのエラーレスポンス。
// GoTrueはバージョンによりmsg/error_descriptionを、PostgRESTはmessageを返す。
type apiErrorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorName        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// parseErrorBody はエラーレスポンスをデコードする。JSONでない場合はゼロ値を返す。
func parseErrorBody(body []byte) apiErrorBody {
	var e apiErrorBody
	_ = json.Unmarshal(body, &e)
	return e
}

// message はエラーメッセージを優先順に取り出す。
func (e apiErrorBody) message() string {
	for _, m := range []string{e.Msg, e.Message, e.ErrorDescription, e.ErrorName} {
		if m != "" {
			return m
		}
	}
	return ""
}

// code はエラーコードを取り出す。
func (e apiErrorBody) code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	if s, ok := e.Code.(string); ok && s != "" {
		return s
	}
	return e.ErrorName
}
