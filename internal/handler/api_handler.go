package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/estate-report/internal/middleware"
	"github.com/hitoshi/estate-report/internal/role"
)

// MeResponse は GET /api/me のレスポンス。
type MeResponse struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	RoleLabel    string `json:"role_label"`
	CanEdit      bool   `json:"can_edit"`
	CanView      bool   `json:"can_view"`
	RoleDegraded bool   `json:"role_degraded"`
}

// Me は現在のユーザーとロール・権限を返す。
// GET /api/me（RequireSessionの内側で使用する）
func Me(w http.ResponseWriter, r *http.Request) {
	scope, err := middleware.AuthScopeFromContext(r.Context())
	if err != nil {
		slog.Error("auth scope missing", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	snap := scope.Snapshot()
	resp := MeResponse{
		Role:         string(snap.Role),
		RoleLabel:    snap.Role.Label(),
		CanEdit:      snap.CanEdit(),
		CanView:      role.CanView(snap.Role),
		RoleDegraded: snap.RoleDegraded(),
	}
	if snap.User != nil {
		resp.ID = snap.User.ID
		resp.Email = snap.User.Email
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(resp)
}

// RoleEntry は GET /api/roles の1要素。
type RoleEntry struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	RoleLabel string    `json:"role_label"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// ListRoles はユーザーごとのロール割り当てを返す。編集者のみ。
// GET /api/roles（RequireEditorの内側で使用する）
// ロールストアにはリクエストしたユーザーのトークンでアクセスするため、
// 返る範囲はバックエンドの行レベルセキュリティに従う。
func ListRoles(w http.ResponseWriter, r *http.Request) {
	scope, err := middleware.AuthScopeFromContext(r.Context())
	if err != nil {
		slog.Error("auth scope missing", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	roles, err := scope.Roles.ListRoles(r.Context())
	if err != nil {
		slog.Error("role listing failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	entries := make([]RoleEntry, 0, len(roles))
	for _, ur := range roles {
		entries = append(entries, RoleEntry{
			UserID:    ur.UserID,
			Role:      string(ur.Role),
			RoleLabel: ur.Role.Label(),
			UpdatedAt: ur.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(entries)
}

// HealthChecker はヘルスチェック時に依存先の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthCheckTimeout はヘルスチェックでの疎通確認のタイムアウト。
const healthCheckTimeout = 3 * time.Second

// NewHealthHandler はヘルスチェックハンドラーを返す。
// checkerがnilの場合は常に正常を返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
