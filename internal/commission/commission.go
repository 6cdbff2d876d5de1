// Package commission содержит расчёт платформенной комиссии по бронированиям.
package commission

import "math"

// Границы комиссии, поддерживаемые платёжным провайдером при разделении средств.
const (
	minFeePercent = 0.5
	maxFeePercent = 50.0
)

// Breakdown описывает разбивку стоимости бронирования.
// Clamped означает, что ставка арендатора вышла за пределы провайдера
// и комиссия была скорректирована.
type Breakdown struct {
	SubtotalCents       int64
	FeeCents            int64
	TenantReceivesCents int64
	Clamped             bool
}

// ceilDiv возвращает ⌈a/b⌉ для неотрицательных аргументов.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Calculate вычисляет комиссию платформы в минорных единицах валюты.
// Комиссия всегда округляется вверх, затем зажимается в диапазон,
// допустимый провайдером: [⌈total*0.5%⌉, ⌊total*50%⌋].
// Признак clamped сообщает, что ставка или сумма были скорректированы;
// вызывающая сторона логирует это как отклонение, а не ошибку.
func Calculate(feePercent float64, totalCents int64) (int64, bool) {
	if totalCents <= 0 {
		return 0, false
	}

	clamped := false
	if feePercent < minFeePercent {
		feePercent = minFeePercent
		clamped = true
	}
	if feePercent > maxFeePercent {
		feePercent = maxFeePercent
		clamped = true
	}

	// Ставка переводится в базисные пункты, чтобы расчёт оставался целочисленным.
	feeBP := int64(math.Round(feePercent * 100))
	fee := ceilDiv(totalCents*feeBP, 10000)

	minFee := ceilDiv(totalCents*50, 10000)
	maxFee := totalCents * 5000 / 10000

	if fee < minFee {
		fee = minFee
		clamped = true
	}
	if fee > maxFee {
		fee = maxFee
		clamped = true
	}

	return fee, clamped
}

// BookingTotal вычисляет итоговую стоимость бронирования с дополнениями
// и разбивку между платформой и арендатором.
func BookingTotal(priceCents int64, addOnCents []int64, feePercent float64) Breakdown {
	subtotal := priceCents
	for _, a := range addOnCents {
		subtotal += a
	}

	fee, clamped := Calculate(feePercent, subtotal)

	return Breakdown{
		SubtotalCents:       subtotal,
		FeeCents:            fee,
		TenantReceivesCents: subtotal - fee,
		Clamped:             clamped,
	}
}

// RefundCommission вычисляет часть комиссии, подлежащую возврату платформой.
// При полном возврате комиссия возвращается целиком, при частичном —
// пропорционально, с округлением вверх.
func RefundCommission(originalFeeCents, refundCents, originalTotalCents int64) int64 {
	if originalFeeCents <= 0 || refundCents <= 0 || originalTotalCents <= 0 {
		return 0
	}
	if refundCents >= originalTotalCents {
		return originalFeeCents
	}
	return ceilDiv(originalFeeCents*refundCents, originalTotalCents)
}
