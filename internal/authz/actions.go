package authz

// 鍵操作アクション。SELinux流のアクション単位チェックで、
// 名前空間の実効ACLに対して評価される。
const (
	ActionKeyUse    = "key:use"
	ActionKeyGrant  = "key:grant"
	ActionKeyDelete = "key:delete"
	ActionKeyRebind = "key:rebind"

	// ActionEarlyBootEnded はアーリーブート終了通知のグローバル保守アクション。
	ActionEarlyBootEnded = "keystore:early_boot_ended"
)

// プラットフォーム権限。鍵操作アクションとは独立のポリシーソースで評価される。
const (
	PermissionManageUsers    = "manage_users"
	PermissionChangeUser     = "change_user"
	PermissionChangePassword = "change_password"
)

// validKeystoreActions は鍵操作ポリシーで評価可能なアクションの集合。
// 未知のアクションは拒否する（フェイルクローズ）。
var validKeystoreActions = map[string]bool{
	ActionKeyUse:         true,
	ActionKeyGrant:       true,
	ActionKeyDelete:      true,
	ActionKeyRebind:      true,
	ActionEarlyBootEnded: true,
}

// validPlatformPermissions はプラットフォームポリシーで評価可能な権限の集合。
var validPlatformPermissions = map[string]bool{
	PermissionManageUsers:    true,
	PermissionChangeUser:     true,
	PermissionChangePassword: true,
}
