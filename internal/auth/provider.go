package auth

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/model"
	"github.com/hitoshi/estate-report/internal/repository"
)

// RoleStore はRoleRepositoryをbackend.RoleStoreとして公開する。
// ローカル構成ではアプリケーション自身がデータベースを所有するため、
// トークンによるアクセス制御は行わない。
type RoleStore struct {
	repo repository.RoleRepository
	now  func() time.Time
}

// NewRoleStore はRoleStoreを生成する。
func NewRoleStore(repo repository.RoleRepository) *RoleStore {
	return &RoleStore{repo: repo, now: time.Now}
}

// FindRole は指定ユーザーのロールレコードを取得する。
func (s *RoleStore) FindRole(ctx context.Context, userID string) (*model.UserRole, error) {
	ur, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ur == nil {
		return nil, backend.ErrRoleNotFound
	}
	return ur, nil
}

// InsertRole はロールレコードを新規作成する。
func (s *RoleStore) InsertRole(ctx context.Context, userID string, role model.Role) (*model.UserRole, error) {
	ur, err := s.repo.Insert(ctx, userID, role, s.now())
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, backend.ErrRoleConflict
	}
	return ur, err
}

// UpsertRole はロールレコードを作成または更新する。
func (s *RoleStore) UpsertRole(ctx context.Context, userID string, role model.Role) (*model.UserRole, error) {
	return s.repo.Upsert(ctx, userID, role, s.now())
}

// ListRoles は全ロールレコードを返す。
func (s *RoleStore) ListRoles(ctx context.Context) ([]*model.UserRole, error) {
	return s.repo.List(ctx)
}

// Provider はローカル認証とロールストアをまとめたbackend.Provider。
type Provider struct {
	service *Service
	roles   *RoleStore
}

// NewProvider はProviderを生成する。
func NewProvider(service *Service, roleRepo repository.RoleRepository) *Provider {
	return &Provider{service: service, roles: NewRoleStore(roleRepo)}
}

// Authenticator は認証操作の実装を返す。
func (p *Provider) Authenticator() backend.Authenticator {
	return p.service
}

// RoleStore はロールストアを返す。tokensは使用しない。
func (p *Provider) RoleStore(_ backend.TokenSource) backend.RoleStore {
	return p.roles
}

// compile-time interface checks
var (
	_ backend.RoleStore = (*RoleStore)(nil)
	_ backend.Provider  = (*Provider)(nil)
)
