package model

import "time"

// Frequency は通知頻度を表す。
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// Valid は定義済みの値かを判定する。
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly:
		return true
	}
	return false
}

// LocationSharing は位置情報の共有範囲を表す。
type LocationSharing string

const (
	LocationSharingExact LocationSharing = "exact"
	LocationSharingCity  LocationSharing = "city"
	LocationSharingNone  LocationSharing = "none"
)

// Valid は定義済みの値かを判定する。
func (l LocationSharing) Valid() bool {
	switch l {
	case LocationSharingExact, LocationSharingCity, LocationSharingNone:
		return true
	}
	return false
}

// CalendarVisibility はカレンダーの公開範囲を表す。
type CalendarVisibility string

const (
	CalendarVisibilityFull         CalendarVisibility = "full"
	CalendarVisibilityAvailability CalendarVisibility = "availability"
	CalendarVisibilityNone         CalendarVisibility = "none"
)

// Valid は定義済みの値かを判定する。
func (c CalendarVisibility) Valid() bool {
	switch c {
	case CalendarVisibilityFull, CalendarVisibilityAvailability, CalendarVisibilityNone:
		return true
	}
	return false
}

// NotificationPreferences は通知設定を表す。
type NotificationPreferences struct {
	Email     bool      `json:"email"`
	Push      bool      `json:"push"`
	Frequency Frequency `json:"frequency" validate:"required,oneof=immediate daily weekly"`
}

// DefaultNotificationPreferences はレコード未作成時の通知設定を返す。
func DefaultNotificationPreferences() NotificationPreferences {
	return NotificationPreferences{
		Email:     true,
		Push:      true,
		Frequency: FrequencyImmediate,
	}
}

// PrivacySettings はプライバシー設定を表す。
type PrivacySettings struct {
	LocationSharing    LocationSharing    `json:"location_sharing" validate:"required,oneof=exact city none"`
	CalendarVisibility CalendarVisibility `json:"calendar_visibility" validate:"required,oneof=full availability none"`
}

// DefaultPrivacySettings はレコード未作成時のプライバシー設定を返す。
func DefaultPrivacySettings() PrivacySettings {
	return PrivacySettings{
		LocationSharing:    LocationSharingCity,
		CalendarVisibility: CalendarVisibilityAvailability,
	}
}

// UserPreferences はuser_preferencesテーブルのレコードを表す。
// UserIDでUserProfileと1対1に対応する。
// nilのフィールドは未保存を意味し、読み込み時にデフォルト値で補完される。
type UserPreferences struct {
	ID                      string
	UserID                  string
	FoodPreferences         []string
	ActivityPreferences     []string
	AccessibilityNeeds      []string
	NotificationPreferences *NotificationPreferences
	PrivacySettings         *PrivacySettings
	CreatedAt               time.Time
	UpdatedAt               time.Time
}
