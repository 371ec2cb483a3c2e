package util

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// GenerateRandomHex 生成随机十六进制字符串
func GenerateRandomHex(length int) string {
	bytes := make([]byte, length)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// GenerateOrderNo 生成订单号
// 格式: 年月日时分秒 + 6位随机十六进制
func GenerateOrderNo() string {
	now := time.Now()
	random := GenerateRandomHex(3)
	return fmt.Sprintf("%s%s", now.Format("20060102150405"), random)
}

// SealKey 密封钱包私钥材料
// 本服务只负责密封存储，解封由密钥托管方完成，这里不提供 Open。
func SealKey(masterKey []byte, plaintext []byte) ([]byte, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, errors.New("master key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	// nonce 前置存储
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}
