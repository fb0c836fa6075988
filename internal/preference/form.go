// Package preference はユーザープロフィールと設定の読み込み・保存を提供する。
// 保存済みレコードとデフォルト値を統合した編集用フォームを扱う。
package preference

import (
	"errors"
	"slices"

	"github.com/hitoshi/letsmeetup/internal/model"
)

// Category は複数選択できる設定の種類。
type Category string

const (
	CategoryFood          Category = "food"
	CategoryActivity      Category = "activity"
	CategoryAccessibility Category = "accessibility"
)

// ErrUnknownCategory は未定義のカテゴリが指定された場合のエラー。
var ErrUnknownCategory = errors.New("unknown preference category")

// ParseCategory は文字列をCategoryに変換する。
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryFood, CategoryActivity, CategoryAccessibility:
		return c, nil
	}
	return "", ErrUnknownCategory
}

// Form は設定画面の編集用フォーム。
// 3つの選択リストは集合として扱い、重複を持たない。
type Form struct {
	Name                    string                        `json:"name" validate:"max=100"`
	DefaultLocation         string                        `json:"defaultLocation" validate:"max=200"`
	FoodPreferences         []string                      `json:"foodPreferences" validate:"max=50,dive,required,max=100"`
	ActivityPreferences     []string                      `json:"activityPreferences" validate:"max=50,dive,required,max=100"`
	AccessibilityNeeds      []string                      `json:"accessibilityNeeds" validate:"max=50,dive,required,max=100"`
	NotificationPreferences model.NotificationPreferences `json:"notificationPreferences"`
	PrivacySettings         model.PrivacySettings         `json:"privacySettings"`
}

// DefaultForm はレコードが1件もない場合のフォームを返す。
func DefaultForm() Form {
	return Form{
		FoodPreferences:         []string{},
		ActivityPreferences:     []string{},
		AccessibilityNeeds:      []string{},
		NotificationPreferences: model.DefaultNotificationPreferences(),
		PrivacySettings:         model.DefaultPrivacySettings(),
	}
}

// Clone はスライスを複製したコピーを返す。
func (f Form) Clone() Form {
	f.FoodPreferences = cloneSet(f.FoodPreferences)
	f.ActivityPreferences = cloneSet(f.ActivityPreferences)
	f.AccessibilityNeeds = cloneSet(f.AccessibilityNeeds)
	return f
}

// Equal は2つのフォームが同じ内容かを判定する。選択リストは順序を問わない。
func (f Form) Equal(other Form) bool {
	return f.Name == other.Name &&
		f.DefaultLocation == other.DefaultLocation &&
		sameSet(f.FoodPreferences, other.FoodPreferences) &&
		sameSet(f.ActivityPreferences, other.ActivityPreferences) &&
		sameSet(f.AccessibilityNeeds, other.AccessibilityNeeds) &&
		f.NotificationPreferences == other.NotificationPreferences &&
		f.PrivacySettings == other.PrivacySettings
}

// Toggle はカテゴリの選択リストにvalueがあれば取り除き、なければ末尾に追加したフォームを返す。
// 元のフォームは変更しない。
func (f Form) Toggle(category Category, value string) (Form, error) {
	next := f.Clone()
	set, err := next.set(category)
	if err != nil {
		return f, err
	}

	if slices.Contains(*set, value) {
		*set = slices.DeleteFunc(*set, func(v string) bool { return v == value })
	} else {
		*set = append(*set, value)
	}
	return next, nil
}

// Selected はカテゴリの選択リストのコピーを返す。
func (f Form) Selected(category Category) ([]string, error) {
	set, err := f.set(category)
	if err != nil {
		return nil, err
	}
	return cloneSet(*set), nil
}

func (f *Form) set(category Category) (*[]string, error) {
	switch category {
	case CategoryFood:
		return &f.FoodPreferences, nil
	case CategoryActivity:
		return &f.ActivityPreferences, nil
	case CategoryAccessibility:
		return &f.AccessibilityNeeds, nil
	}
	return nil, ErrUnknownCategory
}

// normalized は選択リストの重複を除き、nilを空スライスにしたフォームを返す。
func (f Form) normalized() Form {
	f.FoodPreferences = dedupe(f.FoodPreferences)
	f.ActivityPreferences = dedupe(f.ActivityPreferences)
	f.AccessibilityNeeds = dedupe(f.AccessibilityNeeds)
	return f
}

func cloneSet(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

// dedupe は最初の出現順を保ったまま重複を取り除く。
func dedupe(s []string) []string {
	out := make([]string, 0, len(s))
	seen := make(map[string]struct{}, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func sameSet(a, b []string) bool {
	a, b = dedupe(a), dedupe(b)
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		if !slices.Contains(b, v) {
			return false
		}
	}
	return true
}
