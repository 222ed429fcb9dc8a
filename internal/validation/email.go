// Package validation содержит функции валидации входных данных.
package validation

import "strings"

// NormalizeEmail приводит email к каноническому виду: обрезает пробелы
// и переводит в нижний регистр. Все естественные ключи строятся на
// нормализованном адресе.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail проверяет минимальную корректность адреса. Проверка
// намеренно нестрогая: внешние провайдеры уже валидируют адреса,
// здесь отсекаются только заведомо пустые и бессмысленные значения.
func IsValidEmail(email string) bool {
	email = NormalizeEmail(email)
	if email == "" {
		return false
	}

	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}

	if strings.Count(email, "@") != 1 {
		return false
	}

	return !strings.ContainsAny(email, " \t")
}
