// Package validation содержит функции валидации и нормализации входных данных.
package validation

import (
	"net/mail"
	"strings"
)

// NormalizeEmail приводит email к нижнему регистру и убирает пробелы по краям.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail проверяет, что строка является одиночным адресом без отображаемого имени.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > 254 {
		return false
	}

	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	if addr.Address != email {
		return false
	}

	at := strings.LastIndexByte(email, '@')
	return at > 0 && strings.Contains(email[at+1:], ".")
}

// FuzzyVariants возвращает варианты написания адреса, под которыми плательщик мог
// зарегистрироваться: без +тега, с gmail вместо googlemail и без точек в gmail-адресе.
// Исходный нормализованный адрес в результат не входит.
func FuzzyVariants(email string) []string {
	email = NormalizeEmail(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return nil
	}

	local, domain := email[:at], email[at+1:]

	if i := strings.IndexByte(local, '+'); i > 0 {
		local = local[:i]
	}
	if domain == "googlemail.com" {
		domain = "gmail.com"
	}

	seen := map[string]bool{email: true}
	var res []string
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			res = append(res, v)
		}
	}

	add(local + "@" + domain)
	if domain == "gmail.com" {
		add(strings.ReplaceAll(local, ".", "") + "@" + domain)
	}

	return res
}

// CanonicalEmail возвращает самую короткую форму адреса, используемую для сравнения.
func CanonicalEmail(email string) string {
	variants := FuzzyVariants(email)
	if len(variants) == 0 {
		return NormalizeEmail(email)
	}
	return variants[len(variants)-1]
}
