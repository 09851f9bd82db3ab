package infra

import (
	"context"
	"fmt"
	"log/slog"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/status"

	"key-maintenance-service/internal/domain"
)

// CloudKMSBackend はCloud KMSを信頼実行環境相当のセキュアバックエンドとして扱う。
//
// スーパー鍵ブロブのラップには単一のラッピングキー（keyName）を使い、
// ロールバック耐性鍵は鍵毎のCryptoKeyVersion（KeyEntry.BackendKeyID）を
// 破棄することで永続的に使用不能にする。
type CloudKMSBackend struct {
	client  *kms.KeyManagementClient
	keyName string
	keyRing string
}

// NewCloudKMSBackend は新しいCloudKMSBackendを生成する。
// keyNameはラッピング用CryptoKey、keyRingはロールバック耐性鍵を収容するKeyRing。
func NewCloudKMSBackend(ctx context.Context, keyName, keyRing string) (*CloudKMSBackend, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME is required")
	}
	if keyRing == "" {
		return nil, fmt.Errorf("KMS_KEY_RING is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &CloudKMSBackend{
		client:  client,
		keyName: keyName,
		keyRing: keyRing,
	}, nil
}

// SecurityLevel はこのバックエンドのセキュリティレベルを返す。
func (b *CloudKMSBackend) SecurityLevel() domain.SecurityLevel {
	return domain.SecurityLevelTEE
}

// WrapSuperKeyBlob は封緘済みスーパー鍵をKMSでさらにラップする。
func (b *CloudKMSBackend) WrapSuperKeyBlob(ctx context.Context, sealed []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      b.keyName,
		Plaintext: sealed,
	}
	resp, err := b.client.Encrypt(ctx, req)
	if err != nil {
		return nil, b.backendError("wrapping super key blob", err)
	}
	return resp.Ciphertext, nil
}

// DestroyKeyBlob は鍵エントリの鍵材料を破棄する。
// ロールバック耐性鍵はBackendKeyIDが指すCryptoKeyVersionを破棄し、
// それ以外の鍵はラップ材料の削除のみで破棄が完了するため何もしない。
func (b *CloudKMSBackend) DestroyKeyBlob(ctx context.Context, entry *domain.KeyEntry) error {
	if !entry.RollbackResistant || entry.BackendKeyID == "" {
		return nil
	}

	req := &kmspb.DestroyCryptoKeyVersionRequest{
		Name: entry.BackendKeyID,
	}
	if _, err := b.client.DestroyCryptoKeyVersion(ctx, req); err != nil {
		return b.backendError(fmt.Sprintf("destroying key version %s", entry.BackendKeyID), err)
	}
	return nil
}

// DeleteAllKeys はKeyRing内の全CryptoKeyの有効バージョンを破棄する。
// ラッピングキー自体も破棄されるため、この操作後は全ラップ済みブロブが復号不能になる。
func (b *CloudKMSBackend) DeleteAllKeys(ctx context.Context) error {
	keyIt := b.client.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{
		Parent: b.keyRing,
	})
	for {
		key, err := keyIt.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return b.backendError("listing crypto keys", err)
		}
		if err := b.destroyAllVersions(ctx, key.Name); err != nil {
			return err
		}
	}
	return nil
}

// destroyAllVersions は単一CryptoKeyの有効・生成中バージョンをすべて破棄する。
func (b *CloudKMSBackend) destroyAllVersions(ctx context.Context, keyName string) error {
	verIt := b.client.ListCryptoKeyVersions(ctx, &kmspb.ListCryptoKeyVersionsRequest{
		Parent: keyName,
	})
	for {
		ver, err := verIt.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return b.backendError(fmt.Sprintf("listing versions of %s", keyName), err)
		}

		switch ver.State {
		case kmspb.CryptoKeyVersion_ENABLED, kmspb.CryptoKeyVersion_DISABLED, kmspb.CryptoKeyVersion_PENDING_GENERATION:
		default:
			continue
		}

		_, err = b.client.DestroyCryptoKeyVersion(ctx, &kmspb.DestroyCryptoKeyVersionRequest{
			Name: ver.Name,
		})
		if err != nil {
			return b.backendError(fmt.Sprintf("destroying key version %s", ver.Name), err)
		}
	}
}

// NotifyEarlyBootEnded はアーリーブート終了を通知する。
// リモートKMSにアーリーブートの概念はないため受理のみ行う。
func (b *CloudKMSBackend) NotifyEarlyBootEnded(ctx context.Context) error {
	slog.DebugContext(ctx, "early boot ended acknowledged",
		"backend", "cloud_kms",
	)
	return nil
}

// NotifyDeviceOffBody はデバイスが身体から離れたことを通知する。受理のみ行う。
func (b *CloudKMSBackend) NotifyDeviceOffBody(ctx context.Context) error {
	slog.DebugContext(ctx, "device off-body acknowledged",
		"backend", "cloud_kms",
	)
	return nil
}

// Close はKMSクライアントを閉じる。
func (b *CloudKMSBackend) Close() error {
	return b.client.Close()
}

// backendError はKMSエラーをgRPCステータスコード付きのBackendErrorに変換する。
func (b *CloudKMSBackend) backendError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, &domain.BackendError{
		SecurityLevel: b.SecurityLevel(),
		Code:          int32(status.Code(err)),
		Message:       err.Error(),
	})
}
