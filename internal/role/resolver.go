// Package role はユーザーのロール（editor / viewer）の解決と更新を提供する。
//
// ロールレコードが存在しないユーザーには閲覧のみ（viewer）のレコードを遅延作成する。
// 参照に失敗した場合もUIの描画を妨げないようviewerとして扱うが、
// 呼び出し元が「新規ユーザー」と「バックエンド障害」を区別できるよう
// Resolutionに結果の種類を残す。
package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/model"
)

// Outcome はロール解決の結果の種類。
type Outcome string

const (
	// OutcomeFound は既存のレコードからロールを取得したことを示す。
	OutcomeFound Outcome = "found"
	// OutcomeCreated はレコードが存在せず、viewerのレコードを作成したことを示す。
	OutcomeCreated Outcome = "created"
	// OutcomeCreateFailed はレコードが存在せず、作成にも失敗したことを示す。
	OutcomeCreateFailed Outcome = "create_failed"
	// OutcomeDegraded は参照自体が失敗し、viewerとして扱ったことを示す。
	OutcomeDegraded Outcome = "degraded"
)

// Resolution はロール解決の結果。
type Resolution struct {
	Role    model.Role
	Outcome Outcome
	Err     error // OutcomeCreateFailed / OutcomeDegraded の場合の原因
}

// Degraded は保存されたロールを確認できずにviewerへフォールバックしたかを返す。
func (r Resolution) Degraded() bool {
	return r.Outcome == OutcomeCreateFailed || r.Outcome == OutcomeDegraded
}

// Observer はロール解決の結果を受け取る。メトリクス記録に使用する。
type Observer interface {
	RecordRoleResolution(outcome string)
}

// Resolver はロールストアを使ってユーザーのロールを解決する。
type Resolver struct {
	store    backend.RoleStore
	logger   *slog.Logger
	observer Observer

	// 障害時に同じ警告でログが溢れないよう間引く
	logSometimes *rate.Sometimes
}

// NewResolver はResolverを生成する。
// storeがnilの場合は全操作がbackend.ErrNotConfiguredで失敗するResolverになる。
// サーバーではWithStoreでリクエストごとのストアを与える雛形として使う。
func NewResolver(store backend.RoleStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = unconfiguredStore{}
	}
	return &Resolver{
		store:        store,
		logger:       logger,
		logSometimes: &rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// WithStore は別のロールストアを使うResolverを返す。
// ロガー・記録先・ログの間引き状態は元のResolverと共有する。
// リクエストごとにユーザーのトークンで認可されたストアを使う場合に使用する。
func (r *Resolver) WithStore(store backend.RoleStore) *Resolver {
	if store == nil {
		store = unconfiguredStore{}
	}
	c := *r
	c.store = store
	return &c
}

// SetObserver はロール解決結果の記録先を設定する。
func (r *Resolver) SetObserver(o Observer) {
	r.observer = o
}

// Resolve はユーザーのロールを解決する。エラーは返さず、結果の種類をResolutionに記録する。
func (r *Resolver) Resolve(ctx context.Context, userID string) Resolution {
	res := r.resolve(ctx, userID)
	if r.observer != nil {
		r.observer.RecordRoleResolution(string(res.Outcome))
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, userID string) Resolution {
	if userID == "" {
		return Resolution{Role: model.DefaultRole, Outcome: OutcomeDegraded, Err: errors.New("empty user id")}
	}

	ur, err := r.store.FindRole(ctx, userID)
	if err == nil {
		if !ur.Role.Valid() {
			r.logFailure("stored role is invalid, using default", userID, fmt.Errorf("role %q", ur.Role))
			return Resolution{Role: model.DefaultRole, Outcome: OutcomeDegraded, Err: fmt.Errorf("invalid stored role %q", ur.Role)}
		}
		return Resolution{Role: ur.Role, Outcome: OutcomeFound}
	}

	if !errors.Is(err, backend.ErrRoleNotFound) {
		r.logFailure("role lookup failed, using default", userID, err)
		return Resolution{Role: model.DefaultRole, Outcome: OutcomeDegraded, Err: err}
	}

	created, err := r.store.InsertRole(ctx, userID, model.DefaultRole)
	switch {
	case err == nil:
		r.logger.Info("default role created",
			slog.String("user_id", userID),
			slog.String("role", string(created.Role)),
		)
		return Resolution{Role: created.Role, Outcome: OutcomeCreated}

	case errors.Is(err, backend.ErrRoleConflict):
		// 並行した作成に負けた場合は保存済みのロールを読み直す
		ur, rerr := r.store.FindRole(ctx, userID)
		if rerr == nil && ur.Role.Valid() {
			return Resolution{Role: ur.Role, Outcome: OutcomeFound}
		}
		if rerr == nil {
			rerr = fmt.Errorf("invalid stored role %q", ur.Role)
		}
		r.logFailure("role re-read after conflict failed, using default", userID, rerr)
		return Resolution{Role: model.DefaultRole, Outcome: OutcomeDegraded, Err: rerr}

	default:
		r.logFailure("default role creation failed, using default", userID, err)
		return Resolution{Role: model.DefaultRole, Outcome: OutcomeCreateFailed, Err: err}
	}
}

func (r *Resolver) logFailure(msg, userID string, err error) {
	r.logSometimes.Do(func() {
		r.logger.Warn(msg,
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	})
}

// GetUserRole はユーザーのロールを返す。失敗時はviewerを返し、エラーは伝播しない。
func (r *Resolver) GetUserRole(ctx context.Context, userID string) model.Role {
	return r.Resolve(ctx, userID).Role
}

// SetUserRole はユーザーのロールを作成または更新する。
// 失敗した場合は*model.RoleErrorを返す。
func (r *Resolver) SetUserRole(ctx context.Context, userID string, role model.Role) error {
	if userID == "" {
		return &model.RoleError{UserID: userID, Role: role, Err: errors.New("user id is required")}
	}
	if !role.Valid() {
		return &model.RoleError{UserID: userID, Role: role, Err: fmt.Errorf("invalid role %q", role)}
	}

	if _, err := r.store.UpsertRole(ctx, userID, role); err != nil {
		r.logger.Error("role update failed",
			slog.String("user_id", userID),
			slog.String("role", string(role)),
			slog.String("error", err.Error()),
		)
		return &model.RoleError{UserID: userID, Role: role, Err: err}
	}

	r.logger.Info("role updated",
		slog.String("user_id", userID),
		slog.String("role", string(role)),
	)
	return nil
}

// CheckEditPermission はユーザーが編集権限を持つかを返す。
func (r *Resolver) CheckEditPermission(ctx context.Context, userID string) bool {
	return CanEdit(r.GetUserRole(ctx, userID))
}

// CheckViewPermission はユーザーが閲覧権限を持つかを返す。
func (r *Resolver) CheckViewPermission(ctx context.Context, userID string) bool {
	return CanView(r.GetUserRole(ctx, userID))
}

// ListRoles は全ロールレコードを返す。
func (r *Resolver) ListRoles(ctx context.Context) ([]*model.UserRole, error) {
	roles, err := r.store.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// unconfiguredStore はロールストアが与えられていないResolverが使うストア。
type unconfiguredStore struct{}

func (unconfiguredStore) FindRole(context.Context, string) (*model.UserRole, error) {
	return nil, backend.ErrNotConfigured
}

func (unconfiguredStore) InsertRole(context.Context, string, model.Role) (*model.UserRole, error) {
	return nil, backend.ErrNotConfigured
}

func (unconfiguredStore) UpsertRole(context.Context, string, model.Role) (*model.UserRole, error) {
	return nil, backend.ErrNotConfigured
}

func (unconfiguredStore) ListRoles(context.Context) ([]*model.UserRole, error) {
	return nil, backend.ErrNotConfigured
}
