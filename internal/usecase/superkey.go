package usecase

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	superKeySize = 32 // スーパー鍵材料 256 bits
	saltSize     = 16
)

// argon2idパラメータ。パスワードはLSKF由来のシンセティックパスワードで
// エントロピーが低い可能性があるため、メモリハードな導出を使う。
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// deriveWrappingKey はパスワードとソルトから封緘鍵を導出する。
func deriveWrappingKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// sealSuperKey は鍵材料をパスワード由来の鍵で封緘する。
// 返り値は暗号文とノンスで、平文材料は呼び出し元がゼロ化する。
func sealSuperKey(material, password, salt []byte) (sealed, nonce []byte, err error) {
	key := deriveWrappingKey(password, salt)
	defer zeroize(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating aead: %w", err)
	}

	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nil, nonce, material, nil), nonce, nil
}

// generateSuperKeyMaterial は新しいスーパー鍵材料を生成する。
func generateSuperKeyMaterial() ([]byte, error) {
	material := make([]byte, superKeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generating super key material: %w", err)
	}
	return material, nil
}

// generateSalt は鍵導出用のソルトを生成する。
func generateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// zeroize は秘密材料をメモリ上から消去する。
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
