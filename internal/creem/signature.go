// Package creem содержит клиент платёжного провайдера Creem: проверку подписи webhook,
// разбор событий и создание checkout-сессий.
package creem

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader — заголовок, в котором провайдер передаёт подпись тела запроса.
const SignatureHeader = "creem-signature"

var (
	// ErrMissingSignature возвращается, если подпись не передана.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature возвращается, если подпись не совпадает.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign возвращает hex-представление HMAC-SHA256 тела запроса.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись за постоянное время.
func VerifySignature(payload []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}

	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
