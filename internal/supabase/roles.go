package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/model"
)

const (
	rolesPath = "/rest/v1/user_roles"

	// acceptSingleObject は単一行の取得を要求するAcceptヘッダー。
	// 0件または複数件の場合はPGRST116エラーになる。
	acceptSingleObject = "application/vnd.pgrst.object+json"

	// codeNoRows は単一行取得で行が見つからなかったことを示すエラーコード。
	codeNoRows = "PGRST116"
	// codeUniqueViolation は一意制約違反を示すエラーコード。
	codeUniqueViolation = "23505"
)

// roleRow はuser_rolesテーブルの行のJSON表現。
type roleRow struct {
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (r roleRow) toModel() *model.UserRole {
	ur := &model.UserRole{ID: r.ID, UserID: r.UserID, Role: model.Role(r.Role)}
	if r.CreatedAt != nil {
		ur.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		ur.UpdatedAt = *r.UpdatedAt
	}
	return ur
}

// RoleStore はREST API経由でuser_rolesテーブルにアクセスする。
// 行レベルセキュリティに従い、トークンの持ち主の権限でアクセスする。
type RoleStore struct {
	client *Client
	tokens backend.TokenSource
}

// NewRoleStore はRoleStoreを生成する。
// tokensがnilの場合はサービスロールキーで管理者としてアクセスする。
func NewRoleStore(client *Client, tokens backend.TokenSource) *RoleStore {
	return &RoleStore{client: client, tokens: tokens}
}

// credentials はリクエストに付与するapikeyとBearerトークンを決める。
func (s *RoleStore) credentials() (apiKey, bearer string) {
	if s.tokens != nil {
		if tok := s.tokens.AccessToken(); tok != "" {
			return "", tok
		}
		return "", s.client.opts.AnonKey
	}
	if key := s.client.opts.ServiceRoleKey; key != "" {
		return key, key
	}
	return "", s.client.opts.AnonKey
}

// FindRole は指定ユーザーのロールレコードを取得する。
// レコードが存在しない場合はbackend.ErrRoleNotFoundを返す。
func (s *RoleStore) FindRole(ctx context.Context, userID string) (*model.UserRole, error) {
	apiKey, bearer := s.credentials()
	body, err := s.client.do(ctx, request{
		op:     "find_role",
		method: http.MethodGet,
		path:   rolesPath,
		query: url.Values{
			"select":  {"*"},
			"user_id": {"eq." + userID},
		},
		apiKey:  apiKey,
		bearer:  bearer,
		headers: map[string]string{"Accept": acceptSingleObject},
	})
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == codeNoRows {
			return nil, backend.ErrRoleNotFound
		}
		return nil, fmt.Errorf("failed to find role: %w", err)
	}

	var row roleRow
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, fmt.Errorf("failed to decode role: %w", err)
	}
	return row.toModel(), nil
}

// InsertRole はロールレコードを新規作成する。
// 既に存在する場合はbackend.ErrRoleConflictを返す。
func (s *RoleStore) InsertRole(ctx context.Context, userID string, role model.Role) (*model.UserRole, error) {
	apiKey, bearer := s.credentials()
	body, err := s.client.do(ctx, request{
		op:     "insert_role",
		method: http.MethodPost,
		path:   rolesPath,
		apiKey: apiKey,
		bearer: bearer,
		headers: map[string]string{
			"Accept": acceptSingleObject,
			"Prefer": "return=representation",
		},
		body: roleRow{UserID: userID, Role: string(role)},
	})
	if err != nil {
		if apiErr, ok := asAPIError(err); ok &&
			(apiErr.Status == http.StatusConflict || apiErr.Code == codeUniqueViolation) {
			return nil, backend.ErrRoleConflict
		}
		return nil, fmt.Errorf("failed to insert role: %w", err)
	}
	return decodeRole(body)
}

// UpsertRole はロールレコードを作成または更新する。
func (s *RoleStore) UpsertRole(ctx context.Context, userID string, role model.Role) (*model.UserRole, error) {
	apiKey, bearer := s.credentials()
	now := s.client.now().UTC()
	body, err := s.client.do(ctx, request{
		op:     "upsert_role",
		method: http.MethodPost,
		path:   rolesPath,
		query:  url.Values{"on_conflict": {"user_id"}},
		apiKey: apiKey,
		bearer: bearer,
		headers: map[string]string{
			"Accept": acceptSingleObject,
			"Prefer": "resolution=merge-duplicates,return=representation",
		},
		body: roleRow{UserID: userID, Role: string(role), UpdatedAt: &now},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert role: %w", err)
	}
	return decodeRole(body)
}

// ListRoles は全ロールレコードを作成日時の昇順で返す。
func (s *RoleStore) ListRoles(ctx context.Context) ([]*model.UserRole, error) {
	apiKey, bearer := s.credentials()
	body, err := s.client.do(ctx, request{
		op:     "list_roles",
		method: http.MethodGet,
		path:   rolesPath,
		query: url.Values{
			"select": {"*"},
			"order":  {"created_at.asc"},
		},
		apiKey: apiKey,
		bearer: bearer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	var rows []roleRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode roles: %w", err)
	}
	roles := make([]*model.UserRole, 0, len(rows))
	for _, r := range rows {
		roles = append(roles, r.toModel())
	}
	return roles, nil
}

func decodeRole(body []byte) (*model.UserRole, error) {
	var row roleRow
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, fmt.Errorf("failed to decode role: %w", err)
	}
	return row.toModel(), nil
}

// compile-time interface check
var _ backend.RoleStore = (*RoleStore)(nil)
