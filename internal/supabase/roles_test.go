package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/model"
)

// 行が存在しない場合のPGRST116をErrRoleNotFoundに変換すること
func TestRoleStore_FindRole_NoRows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != rolesPath {
			t.Errorf("path = %q, want %q", r.URL.Path, rolesPath)
		}
		if r.URL.Query().Get("user_id") != "eq.u1" {
			t.Errorf("user_id filter = %q, want eq.u1", r.URL.Query().Get("user_id"))
		}
		if r.Header.Get("Accept") != acceptSingleObject {
			t.Errorf("Accept = %q, want %q", r.Header.Get("Accept"), acceptSingleObject)
		}
		writeJSON(w, http.StatusNotAcceptable, map[string]any{
			"code":    "PGRST116",
			"details": "The result contains 0 rows",
			"message": "JSON object requested, multiple (or no) rows returned",
		})
	}, Options{})

	_, err := NewRoleStore(c, userToken("user-token")).FindRole(context.Background(), "u1")
	if !errors.Is(err, backend.ErrRoleNotFound) {
		t.Errorf("expected ErrRoleNotFound, got %v", err)
	}
}

func TestRoleStore_FindRole_Found(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("Authorization = %q, want user token", r.Header.Get("Authorization"))
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("apikey = %q, want anon-key", r.Header.Get("apikey"))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         "r1",
			"user_id":    "u1",
			"role":       "editor",
			"created_at": "2024-04-01T09:00:00.123456+00:00",
			"updated_at": "2024-04-01T09:00:00.123456+00:00",
		})
	}, Options{})

	ur, err := NewRoleStore(c, userToken("user-token")).FindRole(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ur.Role != model.RoleEditor || ur.UserID != "u1" || ur.ID != "r1" {
		t.Errorf("unexpected role record: %+v", ur)
	}
	if ur.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be parsed")
	}
}

// PGRST116以外の失敗はErrRoleNotFoundとして扱わないこと
func TestRoleStore_FindRole_OtherError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"code":    "PGRST301",
			"message": "JWT expired",
		})
	}, Options{})

	_, err := NewRoleStore(c, userToken("expired")).FindRole(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, backend.ErrRoleNotFound) {
		t.Error("non-PGRST116 error must not be reported as not found")
	}
}

func TestRoleStore_InsertRole(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
		}
		var row roleRow
		json.NewDecoder(r.Body).Decode(&row)
		if row.UserID != "u1" || row.Role != "viewer" {
			t.Errorf("unexpected body: %+v", row)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "r1", "user_id": "u1", "role": "viewer"})
	}, Options{})

	ur, err := NewRoleStore(c, userToken("tok")).InsertRole(context.Background(), "u1", model.RoleViewer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ur.Role != model.RoleViewer {
		t.Errorf("Role = %q, want viewer", ur.Role)
	}
}

func TestRoleStore_InsertRole_Conflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":    "23505",
			"message": `duplicate key value violates unique constraint "user_roles_user_id_key"`,
		})
	}, Options{})

	_, err := NewRoleStore(c, userToken("tok")).InsertRole(context.Background(), "u1", model.RoleViewer)
	if !errors.Is(err, backend.ErrRoleConflict) {
		t.Errorf("expected ErrRoleConflict, got %v", err)
	}
}

// tokensがnilの場合はサービスロールキーを使用すること
func TestRoleStore_UpsertRole_AdminCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("on_conflict") != "user_id" {
			t.Errorf("on_conflict = %q, want user_id", r.URL.Query().Get("on_conflict"))
		}
		if r.Header.Get("Prefer") != "resolution=merge-duplicates,return=representation" {
			t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
		}
		if r.Header.Get("apikey") != "service-key" || r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("expected service role credentials, got apikey=%q auth=%q",
				r.Header.Get("apikey"), r.Header.Get("Authorization"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "r1", "user_id": "u1", "role": "editor"})
	}, Options{ServiceRoleKey: "service-key"})

	ur, err := NewRoleStore(c, nil).UpsertRole(context.Background(), "u1", model.RoleEditor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ur.Role != model.RoleEditor {
		t.Errorf("Role = %q, want editor", ur.Role)
	}
}

func TestRoleStore_ListRoles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("order") != "created_at.asc" {
			t.Errorf("order = %q", r.URL.Query().Get("order"))
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": "r1", "user_id": "u1", "role": "editor"},
			{"id": "r2", "user_id": "u2", "role": "viewer"},
		})
	}, Options{})

	roles, err := NewProvider(c).RoleStore(nil).ListRoles(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(roles) != 2 || roles[0].UserID != "u1" || roles[1].Role != model.RoleViewer {
		t.Errorf("unexpected roles: %+v", roles)
	}
}

// userToken は固定のアクセストークンを返すTokenSource。
type userToken string

func (t userToken) AccessToken() string { return string(t) }
