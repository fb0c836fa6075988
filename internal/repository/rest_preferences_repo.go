package repository

import (
	"context"
	"time"

	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/supabase"
)

// preferencesRow はuser_preferencesテーブルの読み込み形式。
type preferencesRow struct {
	ID                      string                         `json:"id"`
	UserID                  string                         `json:"user_id"`
	FoodPreferences         []string                       `json:"food_preferences"`
	ActivityPreferences     []string                       `json:"activity_preferences"`
	AccessibilityNeeds      []string                       `json:"accessibility_needs"`
	NotificationPreferences *model.NotificationPreferences `json:"notification_preferences"`
	PrivacySettings         *model.PrivacySettings         `json:"privacy_settings"`
	CreatedAt               time.Time                      `json:"created_at"`
	UpdatedAt               time.Time                      `json:"updated_at"`
}

// preferencesUpsert はuser_preferencesテーブルへの書き込み形式。
type preferencesUpsert struct {
	UserID                  string                         `json:"user_id"`
	FoodPreferences         []string                       `json:"food_preferences"`
	ActivityPreferences     []string                       `json:"activity_preferences"`
	AccessibilityNeeds      []string                       `json:"accessibility_needs"`
	NotificationPreferences *model.NotificationPreferences `json:"notification_preferences"`
	PrivacySettings         *model.PrivacySettings         `json:"privacy_settings"`
}

// RestPreferencesRepo はデータAPI経由の設定リポジトリ。
type RestPreferencesRepo struct {
	rest *supabase.RestClient
}

// NewRestPreferencesRepo はRestPreferencesRepoを生成する。
func NewRestPreferencesRepo(rest *supabase.RestClient) *RestPreferencesRepo {
	return &RestPreferencesRepo{rest: rest}
}

// FindByUserID は指定ユーザーの設定を取得する。
func (r *RestPreferencesRepo) FindByUserID(ctx context.Context, userID string) (*model.UserPreferences, error) {
	var row preferencesRow
	if err := r.rest.SelectSingle(ctx, TableUserPreferences, "user_id", userID, &row); err != nil {
		return nil, err
	}
	return &model.UserPreferences{
		ID:                      row.ID,
		UserID:                  row.UserID,
		FoodPreferences:         row.FoodPreferences,
		ActivityPreferences:     row.ActivityPreferences,
		AccessibilityNeeds:      row.AccessibilityNeeds,
		NotificationPreferences: row.NotificationPreferences,
		PrivacySettings:         row.PrivacySettings,
		CreatedAt:               row.CreatedAt,
		UpdatedAt:               row.UpdatedAt,
	}, nil
}

// Upsert はuser_idをキーに設定を作成または更新する。
func (r *RestPreferencesRepo) Upsert(ctx context.Context, prefs *model.UserPreferences) error {
	return r.rest.Upsert(ctx, TableUserPreferences, "user_id", preferencesUpsert{
		UserID:                  prefs.UserID,
		FoodPreferences:         nonNil(prefs.FoodPreferences),
		ActivityPreferences:     nonNil(prefs.ActivityPreferences),
		AccessibilityNeeds:      nonNil(prefs.AccessibilityNeeds),
		NotificationPreferences: prefs.NotificationPreferences,
		PrivacySettings:         prefs.PrivacySettings,
	})
}

// nonNil は空の選択リストをnullではなく空配列として書き込むために使う。
func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ PreferencesRepository = (*RestPreferencesRepo)(nil)
