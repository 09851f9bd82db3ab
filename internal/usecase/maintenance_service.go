// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"key-maintenance-service/internal/authz"
	"key-maintenance-service/internal/domain"
)

// KeyEntryRepository は鍵エントリのデータアクセスのインターフェース。
type KeyEntryRepository interface {
	FindByID(ctx context.Context, id int64) (*domain.KeyEntry, error)
	FindByAlias(ctx context.Context, d domain.Domain, namespace int64, alias string) (*domain.KeyEntry, error)
	FindAllByNamespace(ctx context.Context, d domain.Domain, namespace int64) ([]*domain.KeyEntry, error)
	FindAllByUser(ctx context.Context, userID int32) ([]*domain.KeyEntry, error)
	FindAuthBoundByUser(ctx context.Context, userID int32) ([]*domain.KeyEntry, error)
	FindAppUIDsBySID(ctx context.Context, userID int32, sid int64) ([]int64, error)
	FindSecurityLevels(ctx context.Context) ([]domain.SecurityLevel, error)
	DeleteByIDs(ctx context.Context, ids []int64) error
	DeleteAllBySecurityLevel(ctx context.Context, level domain.SecurityLevel) error
	MigrateNamespace(ctx context.Context, keyID int64, dst domain.Domain, namespace int64, alias string) error
}

// UserRepository はユーザー毎のスーパー鍵と状態のデータアクセスのインターフェース。
type UserRepository interface {
	HasSuperKeys(ctx context.Context, userID int32) (bool, error)
	CreateSuperKey(ctx context.Context, key *domain.SuperKeySet) error
	FindSuperKeySecurityLevels(ctx context.Context) ([]domain.SecurityLevel, error)
	DeleteSuperKeysByUser(ctx context.Context, userID int32) error
	DeleteSuperKeysBySecurityLevel(ctx context.Context, level domain.SecurityLevel) error
	GetState(ctx context.Context, userID int32) (domain.UserState, error)
	SetState(ctx context.Context, userID int32, state domain.UserState) error
	DeleteState(ctx context.Context, userID int32) error
	DeleteAllStates(ctx context.Context) error
}

// SecureBackend はセキュリティレベル毎の鍵バックエンドのインターフェース。
// 鍵材料の実際の作成・破棄を行う。破棄は不可逆で、
// ロールバック耐性鍵は破棄後に永続的に使用不能になる。
type SecureBackend interface {
	SecurityLevel() domain.SecurityLevel
	WrapSuperKeyBlob(ctx context.Context, sealed []byte) ([]byte, error)
	DestroyKeyBlob(ctx context.Context, entry *domain.KeyEntry) error
	DeleteAllKeys(ctx context.Context) error
	NotifyEarlyBootEnded(ctx context.Context) error
	NotifyDeviceOffBody(ctx context.Context) error
}

// KeystoreOracle は鍵操作アクションの権限判定のインターフェース。
type KeystoreOracle interface {
	CheckKeystorePermission(ctx context.Context, caller domain.Caller, action string, d domain.Domain, namespace int64) bool
	CheckKeystoreGlobalPermission(ctx context.Context, caller domain.Caller, action string) bool
}

// PlatformOracle はプラットフォーム権限判定のインターフェース。
// KeystoreOracleとは独立したポリシーソースを持つ。
type PlatformOracle interface {
	CheckPlatformPermission(ctx context.Context, caller domain.Caller, permission string) bool
}

// MaintenanceConfig はMaintenanceServiceの動作設定を表す。
type MaintenanceConfig struct {
	// SystemUID は信頼されたシステム呼び出し元として扱うUID。
	SystemUID int64
	// BackendTimeout はバックエンド呼び出し1回あたりのタイムアウト。
	BackendTimeout time.Duration
}

const defaultBackendTimeout = 10 * time.Second

// MaintenanceService は鍵材料のライフサイクル保守操作を提供する。
//
// すべての公開操作は副作用の前に権限判定を行い、
// 同一ユーザー・同一名前空間への操作はキー単位ロックで直列化される。
// DeleteAllKeysとEarlyBootEndedはグローバルロックで他の全操作と排他される。
type MaintenanceService struct {
	keyRepo        KeyEntryRepository
	userRepo       UserRepository
	backends       []SecureBackend
	keystoreOracle KeystoreOracle
	platformOracle PlatformOracle
	systemUID      int64
	backendTimeout time.Duration

	// globalはグローバル操作と個別操作の排他、locksは個別操作同士の直列化。
	global         sync.RWMutex
	locks          *keyedMutex
	earlyBootEnded atomic.Bool
}

// NewMaintenanceService は新しいMaintenanceServiceを生成する。
func NewMaintenanceService(
	keyRepo KeyEntryRepository,
	userRepo UserRepository,
	backends []SecureBackend,
	keystoreOracle KeystoreOracle,
	platformOracle PlatformOracle,
	cfg MaintenanceConfig,
) *MaintenanceService {
	timeout := cfg.BackendTimeout
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	return &MaintenanceService{
		keyRepo:        keyRepo,
		userRepo:       userRepo,
		backends:       backends,
		keystoreOracle: keystoreOracle,
		platformOracle: platformOracle,
		systemUID:      cfg.SystemUID,
		backendTimeout: timeout,
		locks:          newKeyedMutex(),
	}
}

func userKey(userID int32) string {
	return fmt.Sprintf("user/%d", userID)
}

func nsKey(d domain.Domain, namespace int64) string {
	return fmt.Sprintf("ns/%s/%d", d, namespace)
}

// backendFor は指定セキュリティレベルのバックエンドを返す。未登録ならnil。
func (s *MaintenanceService) backendFor(level domain.SecurityLevel) SecureBackend {
	for _, b := range s.backends {
		if b.SecurityLevel() == level {
			return b
		}
	}
	return nil
}

// backendCtx はバックエンド呼び出し用のタイムアウト付きコンテキストを返す。
func (s *MaintenanceService) backendCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.backendTimeout)
}

// OnUserAdded はユーザー追加を処理する。同一IDの残留鍵セットがあれば先に破棄する。
// 鍵材料はまだ作成せず、成功後のユーザー状態はactive_no_keysとなる。冪等。
func (s *MaintenanceService) OnUserAdded(ctx context.Context, caller domain.Caller, userID int32) error {
	if userID < 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidUserID, userID)
	}
	if !s.platformOracle.CheckPlatformPermission(ctx, caller, authz.PermissionChangeUser) {
		return domain.ErrPermissionDenied
	}

	s.global.RLock()
	defer s.global.RUnlock()
	s.locks.Lock(userKey(userID))
	defer s.locks.Unlock(userKey(userID))

	// 前のユーザーの残留状態が同一IDに紐付いている可能性があるため、
	// 存在する鍵セットは必ず先に破棄する。
	hasKeys, err := s.userRepo.HasSuperKeys(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: checking existing super keys: %w", domain.ErrSystemError, err)
	}
	entries, err := s.keyRepo.FindAllByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: checking existing key entries: %w", domain.ErrSystemError, err)
	}
	if hasKeys || len(entries) > 0 {
		if err := s.removeUserKeysLocked(ctx, userID); err != nil {
			return err
		}
	}

	if err := s.userRepo.SetState(ctx, userID, domain.UserStateActiveNoKeys); err != nil {
		return fmt.Errorf("%w: setting user state: %w", domain.ErrSystemError, err)
	}
	return nil
}

// InitUserSuperKeys はユーザーのスーパー鍵セットを生成し、
// 呼び出し元提供のパスワードで暗号化して保存する。
// 既にスーパー鍵が存在する場合、allowExistingがfalseなら失敗し、
// trueなら既存セットを成功として扱う（既存セットは変更しない）。
// 途中で失敗した場合、作成済みの鍵材料はすべてロールバックされる。
func (s *MaintenanceService) InitUserSuperKeys(ctx context.Context, caller domain.Caller, userID int32, password []byte, allowExisting bool) error {
	if userID < 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidUserID, userID)
	}
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", domain.ErrInvalidArgument)
	}
	if !s.platformOracle.CheckPlatformPermission(ctx, caller, authz.PermissionChangePassword) {
		return domain.ErrPermissionDenied
	}

	s.global.RLock()
	defer s.global.RUnlock()
	s.locks.Lock(userKey(userID))
	defer s.locks.Unlock(userKey(userID))

	hasKeys, err := s.userRepo.HasSuperKeys(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: checking existing super keys: %w", domain.ErrSystemError, err)
	}
	if hasKeys {
		if !allowExisting {
			return fmt.Errorf("%w: super keys already initialized for user %d", domain.ErrSystemError, userID)
		}
		// 既存セットはそのまま有効。状態のみ揃える。
		if err := s.userRepo.SetState(ctx, userID, domain.UserStateSuperKeysInitialized); err != nil {
			return fmt.Errorf("%w: setting user state: %w", domain.ErrSystemError, err)
		}
		return nil
	}

	// バックエンドレベル毎に鍵材料を生成し、パスワード由来鍵で封緘してから
	// バックエンドでラップして保存する。
	for _, b := range s.backends {
		if err := s.createSuperKeyFor(ctx, b, userID, password); err != nil {
			s.rollbackSuperKeys(ctx, userID)
			return err
		}
	}

	if err := s.userRepo.SetState(ctx, userID, domain.UserStateSuperKeysInitialized); err != nil {
		s.rollbackSuperKeys(ctx, userID)
		return fmt.Errorf("%w: setting user state: %w", domain.ErrSystemError, err)
	}
	return nil
}

// createSuperKeyFor は単一バックエンドレベルのスーパー鍵を生成・保存する。
func (s *MaintenanceService) createSuperKeyFor(ctx context.Context, b SecureBackend, userID int32, password []byte) error {
	material, err := generateSuperKeyMaterial()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSystemError, err)
	}
	defer zeroize(material)

	salt, err := generateSalt()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSystemError, err)
	}

	sealed, nonce, err := sealSuperKey(material, password, salt)
	if err != nil {
		return fmt.Errorf("%w: sealing super key: %w", domain.ErrSystemError, err)
	}

	bctx, cancel := s.backendCtx(ctx)
	defer cancel()
	blob, err := b.WrapSuperKeyBlob(bctx, sealed)
	if err != nil {
		return fmt.Errorf("%w: wrapping super key (level=%s): %w", domain.ErrSystemError, b.SecurityLevel(), err)
	}

	key := &domain.SuperKeySet{
		UserID:        userID,
		SecurityLevel: b.SecurityLevel(),
		EncryptedKey:  blob,
		Salt:          salt,
		Nonce:         nonce,
	}
	if err := s.userRepo.CreateSuperKey(ctx, key); err != nil {
		return fmt.Errorf("%w: storing super key (level=%s): %w", domain.ErrSystemError, b.SecurityLevel(), err)
	}
	return nil
}

// rollbackSuperKeys は初期化途中で失敗した際に作成済みのスーパー鍵を破棄する。
func (s *MaintenanceService) rollbackSuperKeys(ctx context.Context, userID int32) {
	if err := s.userRepo.DeleteSuperKeysByUser(ctx, userID); err != nil {
		slog.ErrorContext(ctx, "failed to roll back partially created super keys",
			"operation", "init_user_super_keys",
			"user_id", userID,
			"error", err,
		)
	}
}

// OnUserRemoved はユーザーの全鍵（鍵エントリとスーパー鍵）を破棄し、
// 状態をabsentに戻す。バックエンドで破棄が確認されたエントリのみ
// リポジトリから削除され、一部失敗時はSystemErrorを返す。
func (s *MaintenanceService) OnUserRemoved(ctx context.Context, caller domain.Caller, userID int32) error {
	if userID < 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidUserID, userID)
	}
	if !s.platformOracle.CheckPlatformPermission(ctx, caller, authz.PermissionChangeUser) {
		return domain.ErrPermissionDenied
	}

	s.global.RLock()
	defer s.global.RUnlock()
	s.locks.Lock(userKey(userID))
	defer s.locks.Unlock(userKey(userID))

	if err := s.removeUserKeysLocked(ctx, userID); err != nil {
		return err
	}
	if err := s.userRepo.DeleteState(ctx, userID); err != nil {
		return fmt.Errorf("%w: deleting user state: %w", domain.ErrSystemError, err)
	}
	return nil
}

// removeUserKeysLocked はユーザーの全鍵エントリとスーパー鍵を破棄する。
// 呼び出し元がユーザーロックを保持していること。
func (s *MaintenanceService) removeUserKeysLocked(ctx context.Context, userID int32) error {
	entries, err := s.keyRepo.FindAllByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: listing user key entries: %w", domain.ErrSystemError, err)
	}

	confirmed, fails := s.destroyEntries(ctx, entries)
	if err := s.keyRepo.DeleteByIDs(ctx, confirmed); err != nil {
		return fmt.Errorf("%w: deleting key entries: %w", domain.ErrSystemError, err)
	}
	if err := s.userRepo.DeleteSuperKeysByUser(ctx, userID); err != nil {
		return fmt.Errorf("%w: deleting super keys: %w", domain.ErrSystemError, err)
	}

	if len(fails) > 0 {
		return fmt.Errorf("%w: failed to destroy %d of %d key entries: %w",
			domain.ErrSystemError, len(fails), len(entries), errors.Join(fails...))
	}
	return nil
}

// destroyEntries は各エントリをバックエンドで破棄し、
// 破棄が確認されたエントリIDと失敗を返す。失敗があっても中断しない。
func (s *MaintenanceService) destroyEntries(ctx context.Context, entries []*domain.KeyEntry) (confirmed []int64, fails []error) {
	for _, e := range entries {
		if err := s.destroyOnBackend(ctx, e); err != nil {
			fails = append(fails, err)
			continue
		}
		confirmed = append(confirmed, e.ID)
	}
	return confirmed, fails
}

// destroyOnBackend は単一エントリの鍵材料をバックエンドで破棄する。
func (s *MaintenanceService) destroyOnBackend(ctx context.Context, e *domain.KeyEntry) error {
	b := s.backendFor(e.SecurityLevel)
	if b == nil {
		return fmt.Errorf("no backend for security level %s (key %d)", e.SecurityLevel, e.ID)
	}
	bctx, cancel := s.backendCtx(ctx)
	defer cancel()
	if err := b.DestroyKeyBlob(bctx, e); err != nil {
		return fmt.Errorf("destroying key %d (level=%s): %w", e.ID, e.SecurityLevel, err)
	}
	return nil
}

// OnUserLskfRemoved はLSKF削除を処理する。認証バインド鍵のみを破棄し、
// それ以外の鍵は残す。成功後のユーザー状態はlskf_removedとなる。
func (s *MaintenanceService) OnUserLskfRemoved(ctx context.Context, caller domain.Caller, userID int32) error {
	if userID < 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidUserID, userID)
	}
	if !s.platformOracle.CheckPlatformPermission(ctx, caller, authz.PermissionChangePassword) {
		return domain.ErrPermissionDenied
	}

	s.global.RLock()
	defer s.global.RUnlock()
	s.locks.Lock(userKey(userID))
	defer s.locks.Unlock(userKey(userID))

	entries, err := s.keyRepo.FindAuthBoundByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: listing auth-bound key entries: %w", domain.ErrSystemError, err)
	}

	confirmed, fails := s.destroyEntries(ctx, entries)
	if err := s.keyRepo.DeleteByIDs(ctx, confirmed); err != nil {
		return fmt.Errorf("%w: deleting key entries: %w", domain.ErrSystemError, err)
	}

	// 状態遷移はスーパー鍵初期化済みのユーザーにのみ定義される。
	// それ以外の状態（absent, active_no_keysなど）では鍵破棄のみ行い状態は変えない。
	state, err := s.userRepo.GetState(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: reading user state: %w", domain.ErrSystemError, err)
	}
	if state == domain.UserStateSuperKeysInitialized {
		if err := s.userRepo.SetState(ctx, userID, domain.UserStateLskfRemoved); err != nil {
			return fmt.Errorf("%w: setting user state: %w", domain.ErrSystemError, err)
		}
	}

	if len(fails) > 0 {
		return fmt.Errorf("%w: failed to destroy %d of %d auth-bound key entries: %w",
			domain.ErrSystemError, len(fails), len(entries), errors.Join(fails...))
	}
	return nil
}

// ClearNamespace は指定(ドメイン, 名前空間)が所有する全鍵エントリを削除する。
// OSによるアプリアンインストール時などに呼ばれるため、
// 権限判定は呼び出し元がシステムUIDであることのみを要求する。
func (s *MaintenanceService) ClearNamespace(ctx context.Context, caller domain.Caller, nsDomain domain.NamespaceDomain, namespace int64) error {
	if caller.UID != s.systemUID {
		return domain.ErrPermissionDenied
	}

	d := nsDomain.Domain()
	s.global.RLock()
	defer s.global.RUnlock()
	s.locks.Lock(nsKey(d, namespace))
	defer s.locks.Unlock(nsKey(d, namespace))

	entries, err := s.keyRepo.FindAllByNamespace(ctx, d, namespace)
	if err != nil {
		return fmt.Errorf("%w: listing namespace key entries: %w", domain.ErrSystemError, err)
	}

	confirmed, fails := s.destroyEntries(ctx, entries)
	if err := s.keyRepo.DeleteByIDs(ctx, confirmed); err != nil {
		return fmt.Errorf("%w: deleting key entries: %w", domain.ErrSystemError, err)
	}

	if len(fails) > 0 {
		return fmt.Errorf("%w: failed to destroy %d of %d key entries: %w",
			domain.ErrSystemError, len(fails), len(entries), errors.Join(fails...))
	}
	return nil
}

// MigrateKeyNamespace は単一の鍵エントリの所有名前空間を原子的に書き換える。
// 鍵ブロブ自体は変更されず、所有メタデータのみが移行される。
// 移行元の実効所有名前空間に対するuse/grant/delete権限と、
// 移行先に対するrebind権限が必要。
//
// 権限判定と移行は両名前空間のロック下で行われる。ロックキーの導出に使った
// 解決結果が古くなっていた（並行移行で鍵が別の名前空間に移った）場合は、
// 現在の所有名前空間でロックを取り直す。
func (s *MaintenanceService) MigrateKeyNamespace(ctx context.Context, caller domain.Caller, src, dst domain.KeyDescriptor) error {
	if !src.Domain.CanBeMigrationSource() {
		return fmt.Errorf("%w: domain %s cannot be a migration source", domain.ErrInvalidArgument, src.Domain)
	}
	if !dst.Domain.CanBeMigrationDestination() {
		return fmt.Errorf("%w: domain %s cannot be a migration destination", domain.ErrInvalidArgument, dst.Domain)
	}
	if dst.Alias == nil || *dst.Alias == "" {
		return fmt.Errorf("%w: destination alias is required", domain.ErrInvalidArgument)
	}

	s.global.RLock()
	defer s.global.RUnlock()

	for {
		entry, err := s.resolveSource(ctx, src)
		if err != nil {
			return err
		}
		if entry == nil {
			return domain.ErrKeyNotFound
		}

		keys := migrationLockKeys(entry, dst)
		for _, k := range keys {
			s.locks.Lock(k)
		}
		err, stale := s.migrateLocked(ctx, caller, src, dst, entry)
		for i := len(keys) - 1; i >= 0; i-- {
			s.locks.Unlock(keys[i])
		}
		if stale {
			continue
		}
		return err
	}
}

// migrationLockKeys は移行元エントリの実効名前空間と移行先名前空間の
// ロックキーを固定順で返す。同一名前空間なら1キーに畳む。
func migrationLockKeys(entry *domain.KeyEntry, dst domain.KeyDescriptor) []string {
	keys := []string{nsKey(entry.Domain, entry.Namespace), nsKey(dst.Domain, dst.Namespace)}
	sort.Strings(keys)
	if keys[0] == keys[1] {
		keys = keys[:1]
	}
	return keys
}

// migrateLocked はロック下で移行元を解決し直し、権限判定と移行を行う。
// 保持中のロックが鍵の現在の所有名前空間を覆っていない場合はstale=trueを返し、
// 呼び出し元がロックを取り直す。
func (s *MaintenanceService) migrateLocked(ctx context.Context, caller domain.Caller, src, dst domain.KeyDescriptor, resolved *domain.KeyEntry) (err error, stale bool) {
	entry, err := s.resolveSource(ctx, src)
	if err != nil {
		return err, false
	}
	if entry == nil {
		return domain.ErrKeyNotFound, false
	}
	if entry.Domain != resolved.Domain || entry.Namespace != resolved.Namespace {
		return nil, true
	}

	// 権限は鍵の実効所有名前空間に対して評価する（KEY_ID参照の場合も同様）。
	for _, action := range []string{authz.ActionKeyUse, authz.ActionKeyGrant, authz.ActionKeyDelete} {
		if !s.keystoreOracle.CheckKeystorePermission(ctx, caller, action, entry.Domain, entry.Namespace) {
			return domain.ErrPermissionDenied, false
		}
	}
	if !s.keystoreOracle.CheckKeystorePermission(ctx, caller, authz.ActionKeyRebind, dst.Domain, dst.Namespace) {
		return domain.ErrPermissionDenied, false
	}

	err = s.keyRepo.MigrateNamespace(ctx, entry.ID, dst.Domain, dst.Namespace, *dst.Alias)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrKeyNotFound) {
			return err, false
		}
		return fmt.Errorf("%w: migrating key namespace: %w", domain.ErrSystemError, err), false
	}
	return nil, false
}

// resolveSource は移行元ディスクリプタから鍵エントリを解決する。
func (s *MaintenanceService) resolveSource(ctx context.Context, src domain.KeyDescriptor) (*domain.KeyEntry, error) {
	if src.Domain == domain.DomainKeyID {
		entry, err := s.keyRepo.FindByID(ctx, src.KeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving source key: %w", domain.ErrSystemError, err)
		}
		return entry, nil
	}
	if src.Alias == nil || *src.Alias == "" {
		return nil, fmt.Errorf("%w: source alias is required", domain.ErrInvalidArgument)
	}
	entry, err := s.keyRepo.FindByAlias(ctx, src.Domain, src.Namespace, *src.Alias)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving source key: %w", domain.ErrSystemError, err)
	}
	return entry, nil
}

// EarlyBootEnded は全セキュリティレベルのバックエンドに
// アーリーブート終了を通知する。通知は一方向で、2回呼んでも効果は1回と同じ。
// バックエンドのエラーコードは変換せずそのまま返す。
func (s *MaintenanceService) EarlyBootEnded(ctx context.Context, caller domain.Caller) error {
	if !s.keystoreOracle.CheckKeystoreGlobalPermission(ctx, caller, authz.ActionEarlyBootEnded) {
		return domain.ErrPermissionDenied
	}

	if s.earlyBootEnded.Load() {
		return nil
	}

	s.global.Lock()
	defer s.global.Unlock()

	var fails []error
	for _, b := range s.backends {
		bctx, cancel := s.backendCtx(ctx)
		err := b.NotifyEarlyBootEnded(bctx)
		cancel()
		if err != nil {
			fails = append(fails, fmt.Errorf("notifying early boot ended (level=%s): %w", b.SecurityLevel(), err))
		}
	}
	if len(fails) > 0 {
		return errors.Join(fails...)
	}
	s.earlyBootEnded.Store(true)
	return nil
}

// OnDeviceOffBody はデバイスが身体から離れたことを全バックエンドに通知する。
// 通知は助言的なもので、バックエンドのエラーはログに残すだけで伝搬しない。
func (s *MaintenanceService) OnDeviceOffBody(ctx context.Context) {
	for _, b := range s.backends {
		bctx, cancel := s.backendCtx(ctx)
		err := b.NotifyDeviceOffBody(bctx)
		cancel()
		if err != nil {
			slog.WarnContext(ctx, "failed to notify device off-body",
				"operation", "on_device_off_body",
				"security_level", string(b.SecurityLevel()),
				"error", err,
			)
		}
	}
}

// DeleteAllKeys は全ユーザー・全名前空間・全セキュリティレベルの鍵を消去する。
// ロールバック耐性鍵は消去後に無条件で使用不能になる。
// あるバックエンドが失敗しても残りの全バックエンドで破棄を試みたうえで
// SystemErrorを返す。リポジトリは破棄が確認されたレベルの行のみ削除され、
// 登録バックエンドのないセキュリティレベルに行が残っている場合も失敗として報告する。
func (s *MaintenanceService) DeleteAllKeys(ctx context.Context, caller domain.Caller) error {
	if caller.UID != s.systemUID {
		return domain.ErrPermissionDenied
	}

	s.global.Lock()
	defer s.global.Unlock()

	var fails []error
	for _, b := range s.backends {
		level := b.SecurityLevel()
		bctx, cancel := s.backendCtx(ctx)
		err := b.DeleteAllKeys(bctx)
		cancel()
		if err != nil {
			// 早期リターンせず、残りのバックエンドでも破棄を試みる。
			fails = append(fails, fmt.Errorf("deleting all keys (level=%s): %w", level, err))
			continue
		}
		if err := s.keyRepo.DeleteAllBySecurityLevel(ctx, level); err != nil {
			fails = append(fails, fmt.Errorf("deleting key entries (level=%s): %w", level, err))
			continue
		}
		if err := s.userRepo.DeleteSuperKeysBySecurityLevel(ctx, level); err != nil {
			fails = append(fails, fmt.Errorf("deleting super keys (level=%s): %w", level, err))
		}
	}

	orphans, err := s.orphanSecurityLevels(ctx)
	if err != nil {
		fails = append(fails, err)
	}
	for _, level := range orphans {
		fails = append(fails, fmt.Errorf("no backend registered for security level %s; its keys were not destroyed", level))
	}

	if len(fails) == 0 {
		if err := s.userRepo.DeleteAllStates(ctx); err != nil {
			fails = append(fails, fmt.Errorf("deleting user states: %w", err))
		}
	}

	if len(fails) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrSystemError, errors.Join(fails...))
	}
	return nil
}

// orphanSecurityLevels はリポジトリに行が残っているのに
// 対応するバックエンドが登録されていないセキュリティレベルを返す。
func (s *MaintenanceService) orphanSecurityLevels(ctx context.Context) ([]domain.SecurityLevel, error) {
	entryLevels, err := s.keyRepo.FindSecurityLevels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing key entry security levels: %w", err)
	}
	superLevels, err := s.userRepo.FindSuperKeySecurityLevels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing super key security levels: %w", err)
	}

	seen := make(map[domain.SecurityLevel]struct{})
	var orphans []domain.SecurityLevel
	for _, level := range append(entryLevels, superLevels...) {
		if _, ok := seen[level]; ok {
			continue
		}
		seen[level] = struct{}{}
		if s.backendFor(level) == nil {
			orphans = append(orphans, level)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	return orphans, nil
}

// GetAppUidsAffectedBySid は指定ユーザー配下で指定SIDに認証バインドされた鍵を
// 所有するAPPドメインUIDの集合を返す。読み取り専用で副作用はない。
func (s *MaintenanceService) GetAppUidsAffectedBySid(ctx context.Context, caller domain.Caller, userID int32, sid int64) ([]int64, error) {
	if userID < 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidUserID, userID)
	}
	if !s.platformOracle.CheckPlatformPermission(ctx, caller, authz.PermissionManageUsers) {
		return nil, domain.ErrPermissionDenied
	}

	uids, err := s.keyRepo.FindAppUIDsBySID(ctx, userID, sid)
	if err != nil {
		return nil, fmt.Errorf("%w: querying affected uids: %w", domain.ErrSystemError, err)
	}
	return uids, nil
}

// GetUserState は指定ユーザーの鍵ライフサイクル状態を返す。
func (s *MaintenanceService) GetUserState(ctx context.Context, caller domain.Caller, userID int32) (domain.UserState, error) {
	if userID < 0 {
		return domain.UserStateAbsent, fmt.Errorf("%w: %d", domain.ErrInvalidUserID, userID)
	}
	if !s.platformOracle.CheckPlatformPermission(ctx, caller, authz.PermissionManageUsers) {
		return domain.UserStateAbsent, domain.ErrPermissionDenied
	}

	state, err := s.userRepo.GetState(ctx, userID)
	if err != nil {
		return domain.UserStateAbsent, fmt.Errorf("%w: reading user state: %w", domain.ErrSystemError, err)
	}
	return state, nil
}
