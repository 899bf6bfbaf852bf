package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/estate-report/internal/model"
)

// PostgresRoleRepo はPostgreSQLを使用したロールリポジトリ。
type PostgresRoleRepo struct {
	db *sql.DB
}

// NewPostgresRoleRepo はPostgresRoleRepoを生成する。
func NewPostgresRoleRepo(db *sql.DB) *PostgresRoleRepo {
	return &PostgresRoleRepo{db: db}
}

const roleColumns = `id, user_id, role, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*model.UserRole, error) {
	ur := &model.UserRole{}
	var role string
	if err := row.Scan(&ur.ID, &ur.UserID, &role, &ur.CreatedAt, &ur.UpdatedAt); err != nil {
		return nil, err
	}
	ur.Role = model.Role(role)
	return ur, nil
}

// FindByUserID は指定ユーザーのロールレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresRoleRepo) FindByUserID(ctx context.Context, userID string) (*model.UserRole, error) {
	ur, err := scanRole(r.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM user_roles WHERE user_id = $1`,
		userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find role: %w", err)
	}
	return ur, nil
}

// Insert はロールレコードを作成する。既に存在する場合はErrDuplicateを返す。
func (r *PostgresRoleRepo) Insert(ctx context.Context, userID string, role model.Role, now time.Time) (*model.UserRole, error) {
	ur, err := scanRole(r.db.QueryRowContext(ctx,
		`INSERT INTO user_roles (id, user_id, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING `+roleColumns,
		uuid.New().String(), userID, string(role), now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert role: %w", err)
	}
	return ur, nil
}

// Upsert はロールレコードを作成または更新する。
// 既存レコードの場合はroleとupdated_atのみを更新し、created_atは維持する。
func (r *PostgresRoleRepo) Upsert(ctx context.Context, userID string, role model.Role, now time.Time) (*model.UserRole, error) {
	ur, err := scanRole(r.db.QueryRowContext(ctx,
		`INSERT INTO user_roles (id, user_id, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		   role = EXCLUDED.role,
		   updated_at = EXCLUDED.updated_at
		 RETURNING `+roleColumns,
		uuid.New().String(), userID, string(role), now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert role: %w", err)
	}
	return ur, nil
}

// List は全ロールレコードを作成日時の昇順で返す。
func (r *PostgresRoleRepo) List(ctx context.Context) ([]*model.UserRole, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+roleColumns+` FROM user_roles ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*model.UserRole
	for rows.Next() {
		ur, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, ur)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}

// compile-time interface check
var _ RoleRepository = (*PostgresRoleRepo)(nil)
