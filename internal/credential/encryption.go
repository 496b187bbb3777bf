package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyDerivationContext = "canvassync-access-token"

var (
	// ErrDecryptionFailed は復号に失敗したことを示す。
	ErrDecryptionFailed = errors.New("トークンの復号に失敗しました")
	// ErrInvalidCiphertext は暗号文の形式が不正であることを示す。
	ErrInvalidCiphertext = errors.New("暗号文の形式が不正です")
)

// TokenEncryptor はアクセストークンをAES-GCMで暗号化する。
// 鍵はマスターキーからHKDF-SHA256で導出する。
type TokenEncryptor struct {
	aead cipher.AEAD
}

// NewTokenEncryptor はbase64形式のマスターキーから TokenEncryptor を生成する。
// マスターキーは16バイト以上必要。
func NewTokenEncryptor(masterKeyB64 string) (*TokenEncryptor, error) {
	masterKey, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("マスターキーのデコードに失敗しました: %w", err)
	}
	if len(masterKey) < 16 {
		return nil, errors.New("マスターキーは16バイト以上必要です")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(keyDerivationContext)), key); err != nil {
		return nil, fmt.Errorf("暗号鍵の導出に失敗しました: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES暗号の生成に失敗しました: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCMの生成に失敗しました: %w", err)
	}
	return &TokenEncryptor{aead: aead}, nil
}

// Encrypt は平文を暗号化し、nonceを先頭に付けたbase64文字列を返す。
func (e *TokenEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonceの生成に失敗しました: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt は Encrypt の出力を復号する。
func (e *TokenEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64", ErrInvalidCiphertext)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead()+1 {
		return "", fmt.Errorf("%w: 長さが不足しています", ErrInvalidCiphertext)
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}
