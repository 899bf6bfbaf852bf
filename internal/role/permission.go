package role

import "github.com/hitoshi/estate-report/internal/model"

// Permission はロールに許可される操作。
type Permission string

const (
	// PermissionViewReports は月次収支報告書の閲覧。
	PermissionViewReports Permission = "reports:view"
	// PermissionEditReports は月次収支報告書の作成・編集・削除。
	PermissionEditReports Permission = "reports:edit"
)

// rolePermissions はロールごとに許可される操作の一覧。
var rolePermissions = map[model.Role][]Permission{
	model.RoleEditor: {PermissionViewReports, PermissionEditReports},
	model.RoleViewer: {PermissionViewReports},
}

// HasPermission はロールが指定の操作を許可されているかを返す。
// 未定義のロールは何も許可されない。
func HasPermission(role model.Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// CanEdit はロールがeditorの場合のみtrueを返す。
func CanEdit(role model.Role) bool {
	return HasPermission(role, PermissionEditReports)
}

// CanView はロールがeditorまたはviewerの場合にtrueを返す。
func CanView(role model.Role) bool {
	return HasPermission(role, PermissionViewReports)
}
