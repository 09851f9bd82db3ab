package infra

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"key-maintenance-service/internal/domain"
)

// SoftwareBackend はソフトウェア実装のセキュアバックエンド。
// プロセス内のデバイス鍵でブロブをラップし、鍵の消去は
// デバイス鍵の破棄（crypto-shredding）で行う。
// ロールバック耐性鍵は破棄済みハンドル集合で永続的に拒否される。
type SoftwareBackend struct {
	mu        sync.Mutex
	deviceKey []byte
	destroyed map[string]struct{}
}

// NewSoftwareBackend は新しいSoftwareBackendを生成する。
func NewSoftwareBackend() (*SoftwareBackend, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	return &SoftwareBackend{
		deviceKey: key,
		destroyed: make(map[string]struct{}),
	}, nil
}

// SecurityLevel はこのバックエンドのセキュリティレベルを返す。
func (b *SoftwareBackend) SecurityLevel() domain.SecurityLevel {
	return domain.SecurityLevelSoftware
}

// WrapSuperKeyBlob は封緘済みスーパー鍵をデバイス鍵でラップする。
func (b *SoftwareBackend) WrapSuperKeyBlob(ctx context.Context, sealed []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deviceKey == nil {
		return nil, b.backendError(1, "device key has been destroyed")
	}

	aead, err := chacha20poly1305.NewX(b.deviceKey)
	if err != nil {
		return nil, b.backendError(2, err.Error())
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, b.backendError(3, err.Error())
	}

	// ノンスを先頭に連結した自己完結ブロブを返す。
	return append(nonce, aead.Seal(nil, nonce, sealed, nil)...), nil
}

// DestroyKeyBlob は鍵エントリの鍵材料を破棄する。
// ロールバック耐性鍵はハンドルを破棄済み集合に記録し、以後の使用を永続的に拒否する。
func (b *SoftwareBackend) DestroyKeyBlob(ctx context.Context, entry *domain.KeyEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry.RollbackResistant && entry.BackendKeyID != "" {
		b.destroyed[entry.BackendKeyID] = struct{}{}
	}
	return nil
}

// IsDestroyed は指定ハンドルが破棄済みかどうかを返す。
func (b *SoftwareBackend) IsDestroyed(backendKeyID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.destroyed[backendKeyID]
	return ok
}

// DeleteAllKeys はデバイス鍵をゼロ化して破棄する。
// 以後このバックエンドでラップされた全ブロブが復号不能になる。
func (b *SoftwareBackend) DeleteAllKeys(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.deviceKey {
		b.deviceKey[i] = 0
	}
	b.deviceKey = nil
	return nil
}

// NotifyEarlyBootEnded はアーリーブート終了を通知する。受理のみ行う。
func (b *SoftwareBackend) NotifyEarlyBootEnded(ctx context.Context) error {
	return nil
}

// NotifyDeviceOffBody はデバイスが身体から離れたことを通知する。受理のみ行う。
func (b *SoftwareBackend) NotifyDeviceOffBody(ctx context.Context) error {
	return nil
}

func (b *SoftwareBackend) backendError(code int32, message string) error {
	return &domain.BackendError{
		SecurityLevel: b.SecurityLevel(),
		Code:          code,
		Message:       message,
	}
}
