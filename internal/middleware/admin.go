package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AdminKeyHeader — заголовок с ключом оператора.
const AdminKeyHeader = "X-Admin-Key"

// AdminKey пропускает запрос, только если заголовок X-Admin-Key совпадает с ключом.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminKeyHeader)
			if key == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "admin key required", "UNAUTHORIZED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
