package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hitoshi/letsmeetup/internal/model"
)

const (
	// codeNoRows はPostgRESTが単一行取得で0行だった場合に返すエラーコード。
	codeNoRows = "PGRST116"

	acceptSingleObject = "application/vnd.pgrst.object+json"
	preferMergeUpsert  = "resolution=merge-duplicates,return=minimal"
)

type contextKey string

const accessTokenKey contextKey = "supabase_access_token"

// WithAccessToken はデータAPI呼び出しに使うアクセストークンをコンテキストに設定する。
// 行レベルセキュリティはこのトークンのユーザーで評価される。
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey, token)
}

// AccessTokenFromContext はコンテキストからアクセストークンを取得する。
func AccessTokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(accessTokenKey).(string); ok {
		return v
	}
	return ""
}

// RestClient はPostgREST互換データAPIのクライアント。
type RestClient struct {
	client *Client
}

// NewRestClient はRestClientの新しいインスタンスを生成する。
func NewRestClient(client *Client) *RestClient {
	return &RestClient{client: client}
}

// SelectSingle はcolumn=valueに一致する1行を取得し、outにデコードする。
// 行が存在しない場合は*model.NotFoundErrorを返す。
func (r *RestClient) SelectSingle(ctx context.Context, table, column, value string, out any) error {
	op := "select " + table
	query := url.Values{
		"select": {"*"},
		column:   {"eq." + value},
	}
	header := http.Header{"Accept": {acceptSingleObject}}

	resp, err := r.client.do(ctx, http.MethodGet, restPath+"/"+table, query, header, AccessTokenFromContext(ctx), nil)
	if err != nil {
		return &model.DataError{Op: op, Retryable: true, Err: err}
	}
	if resp.status >= http.StatusBadRequest {
		body := parseErrorBody(resp.body)
		if resp.status == http.StatusNotAcceptable && body.code() == codeNoRows {
			return &model.NotFoundError{Resource: table, Key: value}
		}
		return newDataError(op, resp)
	}

	if err := json.Unmarshal(resp.body, out); err != nil {
		return &model.DataError{Op: op, Err: fmt.Errorf("failed to parse row: %w", err)}
	}
	return nil
}

// Upsert はonConflict列をキーに1行を挿入または更新する。
func (r *RestClient) Upsert(ctx context.Context, table, onConflict string, row any) error {
	op := "upsert " + table
	query := url.Values{"on_conflict": {onConflict}}
	header := http.Header{"Prefer": {preferMergeUpsert}}

	resp, err := r.client.do(ctx, http.MethodPost, restPath+"/"+table, query, header, AccessTokenFromContext(ctx), row)
	if err != nil {
		return &model.DataError{Op: op, Retryable: true, Err: err}
	}
	if resp.status >= http.StatusBadRequest {
		return newDataError(op, resp)
	}
	return nil
}

// newDataError はデータAPIのエラーレスポンスをDataErrorに変換する。
// 5xx、408、429は再試行可能とみなす。
func newDataError(op string, resp *response) *model.DataError {
	body := parseErrorBody(resp.body)
	msg := body.message()
	if msg == "" {
		msg = http.StatusText(resp.status)
	}
	retryable := resp.status >= http.StatusInternalServerError ||
		resp.status == http.StatusRequestTimeout ||
		resp.status == http.StatusTooManyRequests
	return &model.DataError{
		Op:        op,
		Retryable: retryable,
		Err:       fmt.Errorf("status %d: %s (%s)", resp.status, msg, body.code()),
	}
}
