// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"time"
)

// Domain は鍵名前空間のアドレッシング方式を表す。
type Domain int32

const (
	// DomainApp はアプリUIDを名前空間IDとするドメイン。
	DomainApp Domain = 0
	// DomainGrant はグラントIDで鍵を参照するドメイン。
	DomainGrant Domain = 1
	// DomainSELinux はSELinuxポリシーで定義された名前空間IDのドメイン。
	DomainSELinux Domain = 2
	// DomainBlob は呼び出し元が鍵ブロブを自身で保持するドメイン。
	DomainBlob Domain = 3
	// DomainKeyID は鍵IDで直接鍵を参照するドメイン。
	DomainKeyID Domain = 4
)

var domainNames = map[Domain]string{
	DomainApp:     "APP",
	DomainGrant:   "GRANT",
	DomainSELinux: "SELINUX",
	DomainBlob:    "BLOB",
	DomainKeyID:   "KEY_ID",
}

// String はドメイン名を返す。
func (d Domain) String() string {
	if name, ok := domainNames[d]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(d))
}

// Valid はドメイン値が定義済みかどうかを返す。
func (d Domain) Valid() bool {
	_, ok := domainNames[d]
	return ok
}

// ParseDomain はドメイン名からDomainを生成する。
func ParseDomain(s string) (Domain, error) {
	for d, name := range domainNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDomain, s)
}

// NamespaceDomain は名前空間の一括削除対象になりうるドメイン（APP/SELINUX）を表す。
// コンストラクタ経由でのみ生成できるため、呼び出し先での範囲チェックは不要。
type NamespaceDomain struct {
	d Domain
}

// NewNamespaceDomain はAPPまたはSELINUXドメインからNamespaceDomainを生成する。
func NewNamespaceDomain(d Domain) (NamespaceDomain, error) {
	if d != DomainApp && d != DomainSELinux {
		return NamespaceDomain{}, fmt.Errorf("%w: %s is not a clearable namespace domain", ErrInvalidDomain, d)
	}
	return NamespaceDomain{d: d}, nil
}

// Domain は内包するドメイン値を返す。
func (n NamespaceDomain) Domain() Domain {
	return n.d
}

// CanBeMigrationSource は鍵移行の移行元として許可されたドメインかどうかを返す。
func (d Domain) CanBeMigrationSource() bool {
	return d == DomainApp || d == DomainSELinux || d == DomainKeyID
}

// CanBeMigrationDestination は鍵移行の移行先として許可されたドメインかどうかを返す。
func (d Domain) CanBeMigrationDestination() bool {
	return d == DomainApp || d == DomainSELinux
}

// SecurityLevel は鍵材料を保持するバックエンドのセキュリティレベルを表す。
type SecurityLevel string

const (
	// SecurityLevelSoftware はソフトウェア実装のバックエンドを表す。
	SecurityLevelSoftware SecurityLevel = "SOFTWARE"
	// SecurityLevelTEE は信頼実行環境のバックエンドを表す。
	SecurityLevelTEE SecurityLevel = "TRUSTED_ENVIRONMENT"
	// SecurityLevelStrongBox は専用セキュアハードウェアのバックエンドを表す。
	SecurityLevelStrongBox SecurityLevel = "STRONGBOX"
)

// KeyDescriptor は鍵エントリの参照を表す。
// KEY_IDドメインではKeyIDで、それ以外ではドメイン・名前空間・エイリアスで鍵を特定する。
type KeyDescriptor struct {
	Domain    Domain
	Namespace int64
	Alias     *string
	KeyID     int64
}

// KeyEntry は鍵エントリを表す。鍵材料そのものではなく、
// 名前空間による所有関係と認可メタデータを保持する。
type KeyEntry struct {
	ID                int64
	Domain            Domain
	Namespace         int64
	Alias             *string
	SecurityLevel     SecurityLevel
	AuthBound         bool
	SID               int64
	RollbackResistant bool
	EarlyBootOnly     bool
	KeyBlob           []byte
	BackendKeyID      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SuperKeySet はユーザー毎のスーパー暗号鍵を表す。
// 鍵材料はユーザーのシンセティックパスワード由来の秘密で暗号化された状態でのみ保持される。
type SuperKeySet struct {
	ID            string
	UserID        int32
	SecurityLevel SecurityLevel
	EncryptedKey  []byte
	Salt          []byte
	Nonce         []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserState はユーザーの鍵ライフサイクル状態を表す。
type UserState string

const (
	// UserStateAbsent はユーザーが存在しない状態。
	UserStateAbsent UserState = "absent"
	// UserStateActiveNoKeys はユーザーは追加済みだがスーパー鍵が未作成の状態。
	UserStateActiveNoKeys UserState = "active_no_keys"
	// UserStateSuperKeysInitialized はスーパー鍵が初期化済みの状態。
	UserStateSuperKeysInitialized UserState = "superkeys_initialized"
	// UserStateLskfRemoved はLSKFが削除され認証バインド鍵が破棄された状態。
	UserStateLskfRemoved UserState = "lskf_removed"
)

// aidUserOffset はUIDからユーザーIDを導出する際の除数。
const aidUserOffset = 100000

// UserIDForUID はアプリUIDから所属ユーザーIDを導出する。
func UserIDForUID(uid int64) int32 {
	return int32(uid / aidUserOffset)
}

// UIDRangeForUser は指定ユーザーが所有するAPPドメインUIDの半開区間[begin, end)を返す。
func UIDRangeForUser(userID int32) (begin, end int64) {
	begin = int64(userID) * aidUserOffset
	end = begin + aidUserOffset
	return begin, end
}

// Caller はリクエスト呼び出し元の識別情報を表す。
// UIDとSELinuxコンテキストは鍵操作権限の判定に、
// Permissionsはプラットフォーム権限の判定に使われる。
type Caller struct {
	UID         int64
	SEContext   string
	Permissions []string
}
