package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptFailed 密文损坏或密钥不匹配。
var ErrDecryptFailed = errors.New("credentials: decrypt failed")

const nonceSize = 24

// Box 封装提供商凭证的静态加密。
// 密钥由进程配置的 secret 派生，密文格式为 nonce || sealed。
type Box struct {
	key [32]byte
}

// New 从配置的 secret 派生加密密钥。
func New(secret string) (*Box, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("credentials: secret must be at least 16 characters")
	}
	b := &Box{key: sha256.Sum256([]byte(secret))}
	return b, nil
}

// Seal 加密明文凭证。
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("credentials: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open 解密凭证密文。
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
