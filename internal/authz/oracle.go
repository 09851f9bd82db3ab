// Package authz は保守操作の権限判定オラクルを提供する。
//
// 2つの独立したポリシーソースを持つ:
// 鍵操作用のSELinux流アクション単位ポリシー（keystore.cedar）と、
// ユーザー管理用のプラットフォーム権限ポリシー（platform.cedar）。
// すべての権限判定はこのパッケージを経由し、未知のアクションは拒否される。
package authz

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cedar-policy/cedar-go"

	"key-maintenance-service/internal/domain"
)

//go:embed policies/keystore.cedar
var keystorePoliciesContent []byte

//go:embed policies/platform.cedar
var platformPoliciesContent []byte

// Config はOracleの生成オプションを表す。
type Config struct {
	// Logger は判定ログの出力先。nilの場合はslog.Default()を使う。
	Logger *slog.Logger

	// SystemUID はシステムコンテキストとして扱う呼び出し元UID。
	SystemUID int64

	// KeystorePolicyBytes / PlatformPolicyBytes はポリシーの差し替え用（テスト向け）。
	// nilの場合は埋め込みポリシーを使う。
	KeystorePolicyBytes []byte
	PlatformPolicyBytes []byte
}

// Oracle はCedarポリシーエンジンを2系統ラップする権限オラクル。
type Oracle struct {
	keystore  *cedar.PolicySet
	platform  *cedar.PolicySet
	systemUID int64
	logger    *slog.Logger
}

// NewOracle は設定からOracleを生成する。
func NewOracle(cfg Config) (*Oracle, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keystoreData := cfg.KeystorePolicyBytes
	if keystoreData == nil {
		keystoreData = keystorePoliciesContent
	}
	platformData := cfg.PlatformPolicyBytes
	if platformData == nil {
		platformData = platformPoliciesContent
	}

	keystorePS, err := cedar.NewPolicySetFromBytes("keystore.cedar", keystoreData)
	if err != nil {
		return nil, fmt.Errorf("parsing keystore policies: %w", err)
	}
	platformPS, err := cedar.NewPolicySetFromBytes("platform.cedar", platformData)
	if err != nil {
		return nil, fmt.Errorf("parsing platform policies: %w", err)
	}

	return &Oracle{
		keystore:  keystorePS,
		platform:  platformPS,
		systemUID: cfg.SystemUID,
		logger:    logger,
	}, nil
}

// CheckKeystorePermission は呼び出し元が指定名前空間に対して
// 指定の鍵操作アクションを実行できるか判定する。
func (o *Oracle) CheckKeystorePermission(ctx context.Context, caller domain.Caller, action string, d domain.Domain, namespace int64) bool {
	if !validKeystoreActions[action] {
		o.logger.WarnContext(ctx, "unknown keystore action rejected",
			"action", action,
			"caller_uid", caller.UID,
		)
		return false
	}

	entities, req := o.buildKeystoreRequest(caller, action, d, namespace)
	decision, diagnostic := cedar.Authorize(o.keystore, entities, req)
	allowed := decision == cedar.Allow

	o.logDecision(ctx, "keystore", caller, action, allowed, diagnostic)
	return allowed
}

// CheckKeystoreGlobalPermission は呼び出し元が特定の名前空間に紐付かない
// グローバル保守アクションを実行できるか判定する。
func (o *Oracle) CheckKeystoreGlobalPermission(ctx context.Context, caller domain.Caller, action string) bool {
	if !validKeystoreActions[action] {
		o.logger.WarnContext(ctx, "unknown keystore action rejected",
			"action", action,
			"caller_uid", caller.UID,
		)
		return false
	}

	callerUID := cedar.NewEntityUID("Caller", cedar.String(strconv.FormatInt(caller.UID, 10)))
	resourceUID := cedar.NewEntityUID("Keystore", cedar.String("global"))

	entities := cedar.EntityMap{
		callerUID: o.callerEntity(callerUID, caller),
		resourceUID: {
			UID:        resourceUID,
			Parents:    cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{}),
		},
	}
	req := cedar.Request{
		Principal: callerUID,
		Action:    cedar.NewEntityUID("Action", cedar.String(action)),
		Resource:  resourceUID,
		Context:   cedar.NewRecord(cedar.RecordMap{}),
	}

	decision, diagnostic := cedar.Authorize(o.keystore, entities, req)
	allowed := decision == cedar.Allow

	o.logDecision(ctx, "keystore", caller, action, allowed, diagnostic)
	return allowed
}

// CheckPlatformPermission は呼び出し元が指定のプラットフォーム権限を
// 保持しているか判定する。
func (o *Oracle) CheckPlatformPermission(ctx context.Context, caller domain.Caller, permission string) bool {
	if !validPlatformPermissions[permission] {
		o.logger.WarnContext(ctx, "unknown platform permission rejected",
			"permission", permission,
			"caller_uid", caller.UID,
		)
		return false
	}

	entities, req := o.buildPlatformRequest(caller, permission)
	decision, diagnostic := cedar.Authorize(o.platform, entities, req)
	allowed := decision == cedar.Allow

	o.logDecision(ctx, "platform", caller, permission, allowed, diagnostic)
	return allowed
}

// buildKeystoreRequest は鍵操作判定用のエンティティグラフとリクエストを構築する。
func (o *Oracle) buildKeystoreRequest(caller domain.Caller, action string, d domain.Domain, namespace int64) (cedar.EntityMap, cedar.Request) {
	callerUID := cedar.NewEntityUID("Caller", cedar.String(strconv.FormatInt(caller.UID, 10)))
	resourceUID := cedar.NewEntityUID("Namespace",
		cedar.String(fmt.Sprintf("%s:%d", d, namespace)))

	// APPドメインでは名前空間IDがそのまま所有者UID。
	ownerUID := int64(-1)
	if d == domain.DomainApp {
		ownerUID = namespace
	}

	entities := cedar.EntityMap{
		callerUID: o.callerEntity(callerUID, caller),
		resourceUID: {
			UID:     resourceUID,
			Parents: cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{
				"domain":    cedar.String(d.String()),
				"id":        cedar.Long(namespace),
				"owner_uid": cedar.Long(ownerUID),
			}),
		},
	}

	req := cedar.Request{
		Principal: callerUID,
		Action:    cedar.NewEntityUID("Action", cedar.String(action)),
		Resource:  resourceUID,
		Context:   cedar.NewRecord(cedar.RecordMap{}),
	}
	return entities, req
}

// buildPlatformRequest はプラットフォーム権限判定用のエンティティグラフとリクエストを構築する。
func (o *Oracle) buildPlatformRequest(caller domain.Caller, permission string) (cedar.EntityMap, cedar.Request) {
	callerUID := cedar.NewEntityUID("Caller", cedar.String(strconv.FormatInt(caller.UID, 10)))
	resourceUID := cedar.NewEntityUID("Platform", cedar.String("device"))

	entities := cedar.EntityMap{
		callerUID: o.callerEntity(callerUID, caller),
		resourceUID: {
			UID:        resourceUID,
			Parents:    cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{}),
		},
	}

	req := cedar.Request{
		Principal: callerUID,
		Action:    cedar.NewEntityUID("Action", cedar.String(permission)),
		Resource:  resourceUID,
		Context:   cedar.NewRecord(cedar.RecordMap{}),
	}
	return entities, req
}

// callerEntity は呼び出し元のCedarエンティティを構築する。
func (o *Oracle) callerEntity(uid cedar.EntityUID, caller domain.Caller) cedar.Entity {
	permissions := make([]cedar.Value, 0, len(caller.Permissions))
	for _, p := range caller.Permissions {
		permissions = append(permissions, cedar.String(p))
	}

	return cedar.Entity{
		UID:     uid,
		Parents: cedar.NewEntityUIDSet(),
		Attributes: cedar.NewRecord(cedar.RecordMap{
			"uid":         cedar.Long(caller.UID),
			"sectx":       cedar.String(caller.SEContext),
			"is_system":   cedar.Boolean(caller.UID == o.systemUID),
			"permissions": cedar.NewSet(permissions...),
		}),
	}
}

// logDecision は判定結果を構造化ログに出力する。
func (o *Oracle) logDecision(ctx context.Context, source string, caller domain.Caller, action string, allowed bool, diagnostic cedar.Diagnostic) {
	policyID := ""
	if len(diagnostic.Reasons) > 0 {
		policyID = string(diagnostic.Reasons[0].PolicyID)
	}
	o.logger.InfoContext(ctx, "authorization decision",
		"source", source,
		"caller_uid", caller.UID,
		"action", action,
		"allowed", allowed,
		"policy_id", policyID,
	)
	for _, e := range diagnostic.Errors {
		o.logger.WarnContext(ctx, "policy evaluation error",
			"source", source,
			"action", action,
			"policy", e.PolicyID,
			"error", e.Message,
		)
	}
}
