// Package validation содержит функции валидации входных данных.
package validation

import "strings"

// IsValidAmount проверяет, что денежная сумма в минорных единицах положительна.
func IsValidAmount(cents int64) bool {
	return cents > 0
}

// IsValidFeePercent проверяет, что ставка комиссии лежит в доменном диапазоне.
func IsValidFeePercent(percent float64) bool {
	return percent >= 0 && percent <= 100
}

// IsValidEmail выполняет поверхностную проверку адреса почты.
// Строгая верификация принадлежит внешнему слою HTTP-валидации.
func IsValidEmail(email string) bool {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.ContainsAny(email, " \t\n") {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}
