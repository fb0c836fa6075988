package preference

import "slices"

var (
	foodOptions = []string{
		"Italian", "Chinese", "Mexican", "Indian", "Thai", "Japanese", "Mediterranean",
		"American", "French", "Korean", "Vietnamese", "Vegetarian", "Vegan", "Gluten-free",
	}
	activityOptions = []string{
		"Dining", "Coffee", "Drinks", "Movies", "Museums", "Parks", "Sports",
		"Shopping", "Concerts", "Theater", "Outdoor Activities", "Gaming", "Art", "Fitness",
	}
	accessibilityOptions = []string{
		"Wheelchair Accessible", "Parking Required", "Public Transit Accessible",
		"Hearing Assistance", "Visual Assistance", "Quiet Environment", "Ground Floor Only",
	}
)

// Options は設定画面に表示する選択肢を返す。
func Options(category Category) ([]string, error) {
	switch category {
	case CategoryFood:
		return slices.Clone(foodOptions), nil
	case CategoryActivity:
		return slices.Clone(activityOptions), nil
	case CategoryAccessibility:
		return slices.Clone(accessibilityOptions), nil
	}
	return nil, ErrUnknownCategory
}

// Catalogue は全カテゴリの選択肢を返す。
func Catalogue() map[Category][]string {
	return map[Category][]string{
		CategoryFood:          slices.Clone(foodOptions),
		CategoryActivity:      slices.Clone(activityOptions),
		CategoryAccessibility: slices.Clone(accessibilityOptions),
	}
}
