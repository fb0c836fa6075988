package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/hitoshi/letsmeetup/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar_url, default_location, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Email, &p.Name, &p.AvatarURL, &p.DefaultLocation, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Resource: TableUsers, Key: id}
	}
	if err != nil {
		return nil, pgDataError("select users", fmt.Errorf("failed to find user by ID: %w", err))
	}

	return p, nil
}

// Upsert はidをキーにプロフィールを作成または更新する。avatar_urlは変更しない。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, profile *model.UserProfile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, default_location)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			default_location = EXCLUDED.default_location,
			updated_at = now()`,
		profile.ID, profile.Email, profile.Name, profile.DefaultLocation,
	)
	if err != nil {
		return pgDataError("upsert users", fmt.Errorf("failed to upsert user: %w", err))
	}
	return nil
}

// pgDataError はデータベースエラーをDataErrorに変換する。
// 接続断とコンテキストのタイムアウトは再試行可能とみなす。
func pgDataError(op string, err error) *model.DataError {
	retryable := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn)
	return &model.DataError{Op: op, Retryable: retryable, Err: err}
}

var _ ProfileRepository = (*PostgresProfileRepo)(nil)
