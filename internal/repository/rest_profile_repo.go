package repository

import (
	"context"
	"time"

	"github.com/hitoshi/letsmeetup/internal/model"
	"github.com/hitoshi/letsmeetup/internal/supabase"
)

// profileRow はusersテーブルの読み込み形式。
type profileRow struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	AvatarURL       *string   `json:"avatar_url"`
	DefaultLocation *string   `json:"default_location"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// profileUpsert はusersテーブルへの書き込み形式。avatar_urlは含めない。
type profileUpsert struct {
	ID              string  `json:"id"`
	Email           string  `json:"email"`
	Name            string  `json:"name"`
	DefaultLocation *string `json:"default_location"`
}

// RestProfileRepo はデータAPI経由のプロフィールリポジトリ。
type RestProfileRepo struct {
	rest *supabase.RestClient
}

// NewRestProfileRepo はRestProfileRepoを生成する。
func NewRestProfileRepo(rest *supabase.RestClient) *RestProfileRepo {
	return &RestProfileRepo{rest: rest}
}

// FindByID は指定IDのプロフィールを取得する。
func (r *RestProfileRepo) FindByID(ctx context.Context, id string) (*model.UserProfile, error) {
	var row profileRow
	if err := r.rest.SelectSingle(ctx, TableUsers, "id", id, &row); err != nil {
		return nil, err
	}
	return &model.UserProfile{
		ID:              row.ID,
		Email:           row.Email,
		Name:            row.Name,
		AvatarURL:       row.AvatarURL,
		DefaultLocation: row.DefaultLocation,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

// Upsert はidをキーにプロフィールを作成または更新する。
func (r *RestProfileRepo) Upsert(ctx context.Context, profile *model.UserProfile) error {
	return r.rest.Upsert(ctx, TableUsers, "id", profileUpsert{
		ID:              profile.ID,
		Email:           profile.Email,
		Name:            profile.Name,
		DefaultLocation: profile.DefaultLocation,
	})
}

var _ ProfileRepository = (*RestProfileRepo)(nil)
