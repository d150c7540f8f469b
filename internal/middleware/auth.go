// Package middleware содержит HTTP middleware сервиса кредитов.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/creditledger/internal/callback"
)

type contextKey string

const identityKey contextKey = "identity"

const authCookieName = "auth_token"

// Identity — пользователь, от имени которого выполняется запрос.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AuthMiddleware проверяет JWT, выпущенный внешним сервисом аутентификации (HS256, sub = uuid пользователя).
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретом подписи.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secretKey: []byte(secret)}
}

// Middleware извлекает токен из заголовка Authorization или cookie и добавляет Identity в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if cookie, err := r.Cookie(authCookieName); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
			return
		}

		id, err := a.parseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// IssueToken подписывает токен для пользователя. Используется в тестах и локальной разработке.
func (a *AuthMiddleware) IssueToken(userID uuid.UUID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *AuthMiddleware) parseToken(token string) (Identity, error) {
	if len(a.secretKey) == 0 {
		return Identity{}, errors.New("auth secret is not configured")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.secretKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	if c.Issuer == callback.Issuer {
		return Identity{}, errors.New("callback token used as user token")
	}

	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("parse subject: %w", err)
	}
	return Identity{UserID: userID, Email: strings.ToLower(strings.TrimSpace(c.Email))}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WithIdentity добавляет Identity в контекст.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext извлекает Identity из контекста запроса.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
