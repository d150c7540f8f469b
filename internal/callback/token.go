// Package callback подписывает и проверяет токены обратных вызовов провайдера генерации.
package callback

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Issuer — издатель токенов обратного вызова. Такие токены не принимаются как пользовательские.
	Issuer = "creditledger-callback"

	// DefaultTTL — срок действия токена. Генерация может идти долго, провайдер повторяет вызовы.
	DefaultTTL = 7 * 24 * time.Hour
)

var (
	// ErrMissingToken возвращается, если токен не передан.
	ErrMissingToken = errors.New("callback token is missing")
	// ErrInvalidToken возвращается, если подпись, срок или субъект токена неверны.
	ErrInvalidToken = errors.New("callback token is invalid")
)

// Signer выпускает токены и формирует адреса обратных вызовов.
type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner создаёт Signer. baseURL — публичный адрес сервиса.
func NewSigner(secret, baseURL string) *Signer {
	return &Signer{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

// Token подписывает токен для генерации genID.
func (s *Signer) Token(genID uuid.UUID) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   genID.String(),
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}
	return signed, nil
}

// CallbackURL возвращает адрес обратного вызова с токеном в параметре token.
func (s *Signer) CallbackURL(genID uuid.UUID) (string, error) {
	token, err := s.Token(genID)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/api/jobs/" + genID.String() + "/callback?token=" + url.QueryEscape(token), nil
}

// Verify проверяет токен и возвращает идентификатор генерации из него.
func (s *Signer) Verify(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrMissingToken
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	genID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return genID, nil
}
