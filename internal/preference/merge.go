package preference

import "github.com/hitoshi/letsmeetup/internal/model"

// Merge は保存済みレコードをデフォルト値に重ねてフォームを組み立てる。
// 副作用はなく、profileとprefsはnil（未作成）でもよい。
//
// 優先順位:
//   - 名前: 保存済みの名前（空でない場合） > Identityのメタデータ > 空文字
//   - 既定の場所: 保存済みの値 > 空文字
//   - 設定項目: 保存済みの値（nilでない場合） > デフォルト値
//
// 列挙値が定義外の場合はその項目だけデフォルト値に戻す。
func Merge(profile *model.UserProfile, prefs *model.UserPreferences, identity *model.Identity) Form {
	form := DefaultForm()

	if profile != nil && profile.Name != "" {
		form.Name = profile.Name
	} else {
		form.Name = identity.DisplayName()
	}
	if profile != nil && profile.DefaultLocation != nil {
		form.DefaultLocation = *profile.DefaultLocation
	}

	if prefs == nil {
		return form
	}

	if prefs.FoodPreferences != nil {
		form.FoodPreferences = dedupe(prefs.FoodPreferences)
	}
	if prefs.ActivityPreferences != nil {
		form.ActivityPreferences = dedupe(prefs.ActivityPreferences)
	}
	if prefs.AccessibilityNeeds != nil {
		form.AccessibilityNeeds = dedupe(prefs.AccessibilityNeeds)
	}

	if n := prefs.NotificationPreferences; n != nil {
		form.NotificationPreferences.Email = n.Email
		form.NotificationPreferences.Push = n.Push
		if n.Frequency.Valid() {
			form.NotificationPreferences.Frequency = n.Frequency
		}
	}
	if p := prefs.PrivacySettings; p != nil {
		if p.LocationSharing.Valid() {
			form.PrivacySettings.LocationSharing = p.LocationSharing
		}
		if p.CalendarVisibility.Valid() {
			form.PrivacySettings.CalendarVisibility = p.CalendarVisibility
		}
	}

	return form
}

// toRecords はフォームを保存用のレコードに変換する。
func toRecords(identity *model.Identity, form Form) (*model.UserProfile, *model.UserPreferences) {
	location := form.DefaultLocation
	notification := form.NotificationPreferences
	privacy := form.PrivacySettings

	profile := &model.UserProfile{
		ID:              identity.ID,
		Email:           identity.Email,
		Name:            form.Name,
		DefaultLocation: &location,
	}
	prefs := &model.UserPreferences{
		UserID:                  identity.ID,
		FoodPreferences:         cloneSet(form.FoodPreferences),
		ActivityPreferences:     cloneSet(form.ActivityPreferences),
		AccessibilityNeeds:      cloneSet(form.AccessibilityNeeds),
		NotificationPreferences: &notification,
		PrivacySettings:         &privacy,
	}
	return profile, prefs
}
