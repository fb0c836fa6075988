// Package model はドメインモデルを定義する。
package model

import (
	"reflect"
	"time"
)

// Identity は外部IdPが発行した認証済みプリンシパルを表す。
// このシステムから直接作成・変更・削除することはない。
type Identity struct {
	ID       string
	Email    string
	Metadata map[string]any
}

// DisplayName はユーザーメタデータから表示名を取り出す。
// name、full_name の順に参照し、どちらもなければ空文字を返す。
func (i *Identity) DisplayName() string {
	if i == nil {
		return ""
	}
	for _, key := range []string{"name", "full_name"} {
		if v, ok := i.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Equal は2つのIdentityが同じ内容かを判定する。
// どちらもnilの場合もtrueを返す。
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == nil && other == nil
	}
	return i.ID == other.ID && i.Email == other.Email && reflect.DeepEqual(i.Metadata, other.Metadata)
}

// Session はIdPが発行したログインセッションを表す。
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	User         Identity
}

// Expired はnowにmarginを加えた時刻までにセッションが期限切れになるかを判定する。
// ExpiresAtがゼロ値の場合は期限切れとみなさない。
func (s *Session) Expired(now time.Time, margin time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

// AuthEventType はセッション変更通知の種別。
type AuthEventType string

const (
	AuthEventInitialSession AuthEventType = "INITIAL_SESSION"
	AuthEventSignedIn       AuthEventType = "SIGNED_IN"
	AuthEventSignedOut      AuthEventType = "SIGNED_OUT"
	AuthEventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	AuthEventUserUpdated    AuthEventType = "USER_UPDATED"
)

// AuthEvent はIdPから通知されるセッション変更イベント。
// Sessionがnilの場合は未認証状態への遷移を表す。
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// Identity はイベントが示すIdentityを返す。セッションがなければnil。
func (e AuthEvent) Identity() *Identity {
	if e.Session == nil {
		return nil
	}
	user := e.Session.User
	return &user
}

// UserProfile はusersテーブルのレコードを表す。
// IDはIdentityのIDと一致する（1対1）。
type UserProfile struct {
	ID              string
	Email           string
	Name            string
	AvatarURL       *string
	DefaultLocation *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
