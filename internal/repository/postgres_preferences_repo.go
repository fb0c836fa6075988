package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/letsmeetup/internal/model"
)

// PostgresPreferencesRepo はPostgreSQLを使用した設定リポジトリ。
type PostgresPreferencesRepo struct {
	db *sql.DB
}

// NewPostgresPreferencesRepo はPostgresPreferencesRepoを生成する。
func NewPostgresPreferencesRepo(db *sql.DB) *PostgresPreferencesRepo {
	return &PostgresPreferencesRepo{db: db}
}

// FindByUserID は指定ユーザーの設定を取得する。
func (r *PostgresPreferencesRepo) FindByUserID(ctx context.Context, userID string) (*model.UserPreferences, error) {
	p := &model.UserPreferences{}
	var notifications, privacy []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, food_preferences, activity_preferences, accessibility_needs,
			notification_preferences, privacy_settings, created_at, updated_at
		 FROM user_preferences WHERE user_id = $1`,
		userID,
	).Scan(
		&p.ID, &p.UserID,
		pq.Array(&p.FoodPreferences), pq.Array(&p.ActivityPreferences), pq.Array(&p.AccessibilityNeeds),
		&notifications, &privacy, &p.CreatedAt, &p.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Resource: TableUserPreferences, Key: userID}
	}
	if err != nil {
		return nil, pgDataError("select user_preferences", fmt.Errorf("failed to find preferences: %w", err))
	}

	if len(notifications) > 0 {
		p.NotificationPreferences = &model.NotificationPreferences{}
		if err := json.Unmarshal(notifications, p.NotificationPreferences); err != nil {
			return nil, pgDataError("select user_preferences", fmt.Errorf("failed to parse notification_preferences: %w", err))
		}
	}
	if len(privacy) > 0 {
		p.PrivacySettings = &model.PrivacySettings{}
		if err := json.Unmarshal(privacy, p.PrivacySettings); err != nil {
			return nil, pgDataError("select user_preferences", fmt.Errorf("failed to parse privacy_settings: %w", err))
		}
	}

	return p, nil
}

// Upsert はuser_idをキーに設定を作成または更新する。
func (r *PostgresPreferencesRepo) Upsert(ctx context.Context, prefs *model.UserPreferences) error {
	notifications, err := jsonb(prefs.NotificationPreferences)
	if err != nil {
		return pgDataError("upsert user_preferences", err)
	}
	privacy, err := jsonb(prefs.PrivacySettings)
	if err != nil {
		return pgDataError("upsert user_preferences", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO user_preferences (user_id, food_preferences, activity_preferences, accessibility_needs,
			notification_preferences, privacy_settings)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
			food_preferences = EXCLUDED.food_preferences,
			activity_preferences = EXCLUDED.activity_preferences,
			accessibility_needs = EXCLUDED.accessibility_needs,
			notification_preferences = EXCLUDED.notification_preferences,
			privacy_settings = EXCLUDED.privacy_settings,
			updated_at = now()`,
		prefs.UserID,
		pq.Array(nonNil(prefs.FoodPreferences)),
		pq.Array(nonNil(prefs.ActivityPreferences)),
		pq.Array(nonNil(prefs.AccessibilityNeeds)),
		notifications, privacy,
	)
	if err != nil {
		return pgDataError("upsert user_preferences", fmt.Errorf("failed to upsert preferences: %w", err))
	}
	return nil
}

// jsonb はサブレコードをJSONB列の値に変換する。nilはNULLになる。
func jsonb(v any) (any, error) {
	switch x := v.(type) {
	case *model.NotificationPreferences:
		if x == nil {
			return nil, nil
		}
	case *model.PrivacySettings:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb: %w", err)
	}
	return string(b), nil
}

var _ PreferencesRepository = (*PostgresPreferencesRepo)(nil)
