package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"key-maintenance-service/internal/domain"
	"key-maintenance-service/migrations"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	statements := []string{
		`CREATE TABLE key_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain INTEGER NOT NULL,
			namespace INTEGER NOT NULL,
			alias TEXT,
			security_level TEXT NOT NULL,
			auth_bound BOOLEAN NOT NULL DEFAULT FALSE,
			sid INTEGER NOT NULL DEFAULT 0,
			rollback_resistant BOOLEAN NOT NULL DEFAULT FALSE,
			early_boot_only BOOLEAN NOT NULL DEFAULT FALSE,
			key_blob BLOB,
			backend_key_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(domain, namespace, alias)
		)`,
		`CREATE TABLE super_keys (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			security_level TEXT NOT NULL,
			encrypted_key BLOB NOT NULL,
			salt BLOB NOT NULL,
			nonce BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, security_level)
		)`,
		`CREATE TABLE user_states (
			user_id INTEGER PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, sql := range statements {
		if err := db.Exec(sql).Error; err != nil {
			t.Fatalf("failed to create test table: %v", err)
		}
	}

	return db
}

// insertKeyEntry はテストデータを挿入する。
func insertKeyEntry(t *testing.T, db *gorm.DB, d domain.Domain, namespace int64, alias string, authBound bool, sid int64, level string) int64 {
	t.Helper()
	model := &KeyEntryModel{
		Domain:        int32(d),
		Namespace:     namespace,
		Alias:         &alias,
		SecurityLevel: level,
		AuthBound:     authBound,
		SID:           sid,
		KeyBlob:       []byte("blob"),
	}
	if err := db.Create(model).Error; err != nil {
		t.Fatalf("failed to insert test key entry: %v", err)
	}
	return model.ID
}

// applyEmbeddedMigrations は埋め込みのマイグレーションSQLをバージョン順に適用する。
func applyEmbeddedMigrations(t *testing.T, db *gorm.DB) {
	t.Helper()
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		t.Fatalf("failed to list migration files: %v", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			t.Fatalf("failed to read migration %s: %v", name, err)
		}
		if err := db.Exec(string(sql)).Error; err != nil {
			t.Fatalf("failed to apply migration %s: %v", name, err)
		}
	}
}

func TestKeyEntryRepository_EmbeddedSchemaMatchesModel(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	applyEmbeddedMigrations(t, db)
	repo := NewKeyEntryRepository(db)

	alias := "wifi-key"
	entry := &domain.KeyEntry{
		Domain: domain.DomainApp, Namespace: 10010, Alias: &alias,
		SecurityLevel: domain.SecurityLevelSoftware, KeyBlob: []byte("blob"),
	}
	if err := repo.Create(ctx, entry); err != nil {
		t.Fatalf("Create against migrated schema failed: %v", err)
	}

	// alias列はNULL許容なので、エイリアスを持たない行も保存できる
	noAlias := &domain.KeyEntry{
		Domain: domain.DomainApp, Namespace: 10020,
		SecurityLevel: domain.SecurityLevelSoftware,
	}
	if err := repo.Create(ctx, noAlias); err != nil {
		t.Fatalf("Create without alias failed: %v", err)
	}

	found, err := repo.FindByAlias(ctx, domain.DomainApp, 10010, "wifi-key")
	if err != nil {
		t.Fatalf("FindByAlias failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected entry, got nil")
	}
	if found.Domain != domain.DomainApp {
		t.Errorf("expected domain APP, got %s", found.Domain)
	}
}

func TestKeyEntryRepository_FindByAlias(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	insertKeyEntry(t, db, domain.DomainApp, 10010, "wifi-key", false, 0, "SOFTWARE")

	// 鍵が存在する場合
	entry, err := repo.FindByAlias(ctx, domain.DomainApp, 10010, "wifi-key")
	if err != nil {
		t.Fatalf("FindByAlias failed: %v", err)
	}
	if entry == nil {
		t.Fatal("expected entry, got nil")
	}
	if entry.Namespace != 10010 {
		t.Errorf("expected namespace=10010, got %d", entry.Namespace)
	}
	if entry.Alias == nil || *entry.Alias != "wifi-key" {
		t.Errorf("expected alias=wifi-key, got %v", entry.Alias)
	}

	// 鍵が存在しない場合
	entry, err = repo.FindByAlias(ctx, domain.DomainApp, 10010, "missing")
	if err != nil {
		t.Fatalf("FindByAlias failed: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil, got %+v", entry)
	}
}

func TestKeyEntryRepository_FindAllByUser(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	// ユーザー0のUID区間[0, 100000)とユーザー1の区間[100000, 200000)
	insertKeyEntry(t, db, domain.DomainApp, 10010, "key-a", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 99999, "key-b", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 100000, "key-c", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainSELinux, 10010, "key-d", false, 0, "SOFTWARE")

	entries, err := repo.FindAllByUser(ctx, 0)
	if err != nil {
		t.Fatalf("FindAllByUser failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for user 0, got %d", len(entries))
	}

	entries, err = repo.FindAllByUser(ctx, 1)
	if err != nil {
		t.Fatalf("FindAllByUser failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry for user 1, got %d", len(entries))
	}
	if entries[0].Namespace != 100000 {
		t.Errorf("expected namespace=100000, got %d", entries[0].Namespace)
	}
}

func TestKeyEntryRepository_FindAuthBoundByUser(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	insertKeyEntry(t, db, domain.DomainApp, 10010, "auth-key", true, 42, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10010, "plain-key", false, 0, "SOFTWARE")

	entries, err := repo.FindAuthBoundByUser(ctx, 0)
	if err != nil {
		t.Fatalf("FindAuthBoundByUser failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 auth-bound entry, got %d", len(entries))
	}
	if !entries[0].AuthBound {
		t.Error("expected auth_bound=true")
	}
	if entries[0].SID != 42 {
		t.Errorf("expected sid=42, got %d", entries[0].SID)
	}
}

func TestKeyEntryRepository_FindAppUIDsBySID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	// UID 10010が同一SIDの鍵を2つ持つ（重複排除の確認用）
	insertKeyEntry(t, db, domain.DomainApp, 10010, "key-a", true, 42, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10010, "key-b", true, 42, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10020, "key-c", true, 42, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10030, "key-d", true, 7, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10040, "key-e", false, 42, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 110010, "key-f", true, 42, "SOFTWARE")

	uids, err := repo.FindAppUIDsBySID(ctx, 0, 42)
	if err != nil {
		t.Fatalf("FindAppUIDsBySID failed: %v", err)
	}
	expected := []int64{10010, 10020}
	if len(uids) != len(expected) {
		t.Fatalf("expected %d uids, got %d: %v", len(expected), len(uids), uids)
	}
	for i, uid := range expected {
		if uids[i] != uid {
			t.Errorf("uids[%d]: expected %d, got %d", i, uid, uids[i])
		}
	}

	// 該当なしの場合
	uids, err = repo.FindAppUIDsBySID(ctx, 0, 999)
	if err != nil {
		t.Fatalf("FindAppUIDsBySID failed: %v", err)
	}
	if len(uids) != 0 {
		t.Errorf("expected empty result, got %v", uids)
	}
}

func TestKeyEntryRepository_FindSecurityLevels(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	// 空のテーブルでは空の結果
	levels, err := repo.FindSecurityLevels(ctx)
	if err != nil {
		t.Fatalf("FindSecurityLevels failed: %v", err)
	}
	if len(levels) != 0 {
		t.Errorf("expected no levels, got %v", levels)
	}

	insertKeyEntry(t, db, domain.DomainApp, 10010, "key-a", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10020, "key-b", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10030, "key-c", false, 0, "STRONGBOX")

	levels, err = repo.FindSecurityLevels(ctx)
	if err != nil {
		t.Fatalf("FindSecurityLevels failed: %v", err)
	}
	expected := []domain.SecurityLevel{domain.SecurityLevelSoftware, domain.SecurityLevelStrongBox}
	if len(levels) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, levels)
	}
	for i := range expected {
		if levels[i] != expected[i] {
			t.Errorf("levels[%d]: expected %s, got %s", i, expected[i], levels[i])
		}
	}
}

func TestKeyEntryRepository_DeleteByIDs(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	id1 := insertKeyEntry(t, db, domain.DomainApp, 10010, "key-a", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10010, "key-b", false, 0, "SOFTWARE")

	if err := repo.DeleteByIDs(ctx, []int64{id1}); err != nil {
		t.Fatalf("DeleteByIDs failed: %v", err)
	}

	var count int64
	if err := db.Model(&KeyEntryModel{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 remaining entry, got %d", count)
	}

	// 空のIDリストは何もしない
	if err := repo.DeleteByIDs(ctx, nil); err != nil {
		t.Fatalf("DeleteByIDs with empty list failed: %v", err)
	}
}

func TestKeyEntryRepository_DeleteAllBySecurityLevel(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	insertKeyEntry(t, db, domain.DomainApp, 10010, "key-a", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10020, "key-b", false, 0, "TRUSTED_ENVIRONMENT")

	if err := repo.DeleteAllBySecurityLevel(ctx, domain.SecurityLevelSoftware); err != nil {
		t.Fatalf("DeleteAllBySecurityLevel failed: %v", err)
	}

	var count int64
	if err := db.Model(&KeyEntryModel{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 remaining entry, got %d", count)
	}
}

func TestKeyEntryRepository_MigrateNamespace(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	id := insertKeyEntry(t, db, domain.DomainApp, 10010, "key-a", false, 0, "SOFTWARE")

	if err := repo.MigrateNamespace(ctx, id, domain.DomainApp, 10020, "key-moved"); err != nil {
		t.Fatalf("MigrateNamespace failed: %v", err)
	}

	entry, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if entry == nil {
		t.Fatal("expected entry, got nil")
	}
	if entry.Namespace != 10020 {
		t.Errorf("expected namespace=10020, got %d", entry.Namespace)
	}
	if entry.Alias == nil || *entry.Alias != "key-moved" {
		t.Errorf("expected alias=key-moved, got %v", entry.Alias)
	}
}

func TestKeyEntryRepository_MigrateNamespace_DestinationConflict(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	srcID := insertKeyEntry(t, db, domain.DomainApp, 10010, "key-a", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 10020, "key-a", false, 0, "SOFTWARE")

	err := repo.MigrateNamespace(ctx, srcID, domain.DomainApp, 10020, "key-a")
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	// 移行元は変更されていない
	entry, findErr := repo.FindByID(ctx, srcID)
	if findErr != nil {
		t.Fatalf("FindByID failed: %v", findErr)
	}
	if entry.Namespace != 10010 {
		t.Errorf("expected source namespace unchanged (10010), got %d", entry.Namespace)
	}
}

func TestKeyEntryRepository_MigrateNamespace_KeyNotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	err := repo.MigrateNamespace(ctx, 12345, domain.DomainApp, 10020, "key-a")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyEntryRepository_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	alias := "new-key"
	entry := &domain.KeyEntry{
		Domain:        domain.DomainApp,
		Namespace:     10010,
		Alias:         &alias,
		SecurityLevel: domain.SecurityLevelSoftware,
		KeyBlob:       []byte("blob"),
	}
	if err := repo.Create(ctx, entry); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if entry.ID == 0 {
		t.Error("expected ID to be assigned, got 0")
	}
	if entry.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set, got zero value")
	}
}

func TestKeyEntryRepository_FindAllByNamespace(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEntryRepository(db)

	for i := 0; i < 3; i++ {
		insertKeyEntry(t, db, domain.DomainSELinux, 101, fmt.Sprintf("key-%d", i), false, 0, "SOFTWARE")
	}
	insertKeyEntry(t, db, domain.DomainSELinux, 102, "other", false, 0, "SOFTWARE")
	insertKeyEntry(t, db, domain.DomainApp, 101, "same-id-other-domain", false, 0, "SOFTWARE")

	entries, err := repo.FindAllByNamespace(ctx, domain.DomainSELinux, 101)
	if err != nil {
		t.Fatalf("FindAllByNamespace failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}
