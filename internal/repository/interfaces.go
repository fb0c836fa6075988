// Package repository はデータ永続化のインターフェースを定義する。
// 実装はデータAPI(PostgREST)経由とPostgreSQL直結の2種類がある。
package repository

import (
	"context"

	"github.com/hitoshi/letsmeetup/internal/model"
)

// 永続化先のテーブル名
const (
	TableUsers           = "users"
	TableUserPreferences = "user_preferences"
)

// ProfileRepository はユーザープロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。
	// 見つからない場合は*model.NotFoundErrorを返す。それ以外の失敗は*model.DataError。
	FindByID(ctx context.Context, id string) (*model.UserProfile, error)

	// Upsert はidをキーにプロフィールを作成または更新する。
	// id、email、name、default_locationのみを書き込み、avatar_urlは変更しない。
	Upsert(ctx context.Context, profile *model.UserProfile) error
}

// PreferencesRepository はユーザー設定の永続化インターフェース。
type PreferencesRepository interface {
	// FindByUserID は指定ユーザーの設定を取得する。
	// 見つからない場合は*model.NotFoundErrorを返す。それ以外の失敗は*model.DataError。
	FindByUserID(ctx context.Context, userID string) (*model.UserPreferences, error)

	// Upsert はuser_idをキーに設定を作成または更新する。
	Upsert(ctx context.Context, prefs *model.UserPreferences) error
}
