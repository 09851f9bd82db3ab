package authz

import (
	"context"
	"testing"

	"key-maintenance-service/internal/domain"
)

func newTestOracle(t *testing.T) *Oracle {
	t.Helper()
	oracle, err := NewOracle(Config{SystemUID: 1000})
	if err != nil {
		t.Fatalf("NewOracle failed: %v", err)
	}
	return oracle
}

func TestCheckKeystorePermission_AppOwnNamespace(t *testing.T) {
	oracle := newTestOracle(t)
	ctx := context.Background()
	caller := domain.Caller{UID: 10010, SEContext: "u:r:untrusted_app:s0"}

	// 自身のUIDに対応するAPP名前空間は許可
	if !oracle.CheckKeystorePermission(ctx, caller, ActionKeyUse, domain.DomainApp, 10010) {
		t.Error("expected app caller to use its own namespace")
	}
	if !oracle.CheckKeystorePermission(ctx, caller, ActionKeyRebind, domain.DomainApp, 10010) {
		t.Error("expected app caller to rebind in its own namespace")
	}

	// 他UIDの名前空間は拒否
	if oracle.CheckKeystorePermission(ctx, caller, ActionKeyUse, domain.DomainApp, 10020) {
		t.Error("expected app caller to be denied for another UID's namespace")
	}
}

func TestCheckKeystorePermission_SELinuxNamespace(t *testing.T) {
	oracle := newTestOracle(t)
	ctx := context.Background()

	vold := domain.Caller{UID: 500, SEContext: "u:r:vold:s0"}
	if !oracle.CheckKeystorePermission(ctx, vold, ActionKeyDelete, domain.DomainSELinux, 101) {
		t.Error("expected vold context to operate on SELINUX namespaces")
	}

	app := domain.Caller{UID: 10010, SEContext: "u:r:untrusted_app:s0"}
	if oracle.CheckKeystorePermission(ctx, app, ActionKeyDelete, domain.DomainSELinux, 101) {
		t.Error("expected app context to be denied for SELINUX namespaces")
	}
}

func TestCheckKeystorePermission_SystemCaller(t *testing.T) {
	oracle := newTestOracle(t)
	ctx := context.Background()
	system := domain.Caller{UID: 1000, SEContext: "u:r:system_server:s0"}

	if !oracle.CheckKeystorePermission(ctx, system, ActionKeyDelete, domain.DomainApp, 10010) {
		t.Error("expected system caller to operate on any namespace")
	}
	if !oracle.CheckKeystoreGlobalPermission(ctx, system, ActionEarlyBootEnded) {
		t.Error("expected system caller to perform global maintenance actions")
	}
}

func TestCheckKeystorePermission_UnknownActionDenied(t *testing.T) {
	oracle := newTestOracle(t)
	ctx := context.Background()
	system := domain.Caller{UID: 1000}

	// 未知のアクションはシステム呼び出し元でも拒否（フェイルクローズ）
	if oracle.CheckKeystorePermission(ctx, system, "key:unknown", domain.DomainApp, 10010) {
		t.Error("expected unknown action to be denied")
	}
	if oracle.CheckKeystoreGlobalPermission(ctx, system, "keystore:unknown") {
		t.Error("expected unknown global action to be denied")
	}
}

func TestCheckKeystoreGlobalPermission_NonSystemDenied(t *testing.T) {
	oracle := newTestOracle(t)
	ctx := context.Background()
	app := domain.Caller{UID: 10010, SEContext: "u:r:untrusted_app:s0"}

	if oracle.CheckKeystoreGlobalPermission(ctx, app, ActionEarlyBootEnded) {
		t.Error("expected non-system caller to be denied global actions")
	}
}

func TestCheckPlatformPermission(t *testing.T) {
	oracle := newTestOracle(t)
	ctx := context.Background()

	holder := domain.Caller{UID: 2000, Permissions: []string{PermissionManageUsers}}
	if !oracle.CheckPlatformPermission(ctx, holder, PermissionManageUsers) {
		t.Error("expected caller holding manage_users to be allowed")
	}
	if oracle.CheckPlatformPermission(ctx, holder, PermissionChangePassword) {
		t.Error("expected caller without change_password to be denied")
	}

	system := domain.Caller{UID: 1000}
	if !oracle.CheckPlatformPermission(ctx, system, PermissionChangeUser) {
		t.Error("expected system caller to hold all platform permissions")
	}

	// 未知の権限は拒否
	if oracle.CheckPlatformPermission(ctx, system, "unknown_permission") {
		t.Error("expected unknown permission to be denied")
	}
}
