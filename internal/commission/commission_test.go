package commission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name        string
		feePercent  float64
		totalCents  int64
		wantFee     int64
		wantClamped bool
	}{
		{
			name:       "twelve percent of 50000",
			feePercent: 12,
			totalCents: 50000,
			wantFee:    6000,
		},
		{
			name:       "rounds up",
			feePercent: 10,
			totalCents: 101,
			wantFee:    11,
		},
		{
			name:        "zero percent clamped to minimum",
			feePercent:  0,
			totalCents:  10000,
			wantFee:     50,
			wantClamped: true,
		},
		{
			name:        "hundred percent clamped to maximum",
			feePercent:  100,
			totalCents:  10000,
			wantFee:     5000,
			wantClamped: true,
		},
		{
			name:        "ceil at fifty percent clamped to floor",
			feePercent:  50,
			totalCents:  101,
			wantFee:     50,
			wantClamped: true,
		},
		{
			name:       "fractional percent",
			feePercent: 2.9,
			totalCents: 10000,
			wantFee:    290,
		},
		{
			name:       "non-positive total",
			feePercent: 12,
			totalCents: 0,
			wantFee:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, clamped := Calculate(tt.feePercent, tt.totalCents)
			assert.Equal(t, tt.wantFee, fee)
			assert.Equal(t, tt.wantClamped, clamped)
		})
	}
}

func TestCalculate_AlwaysWithinProviderBounds(t *testing.T) {
	totals := []int64{1, 2, 99, 100, 101, 9999, 50000, 123457}
	percents := []float64{0, 0.1, 0.5, 1, 12, 33.3, 50, 99, 100}

	for _, total := range totals {
		for _, pct := range percents {
			fee, _ := Calculate(pct, total)

			minFee := (total*50 + 9999) / 10000
			maxFee := total * 5000 / 10000
			if maxFee < minFee {
				// Для очень малых сумм диапазон вырождается, комиссия равна потолку.
				assert.LessOrEqual(t, fee, minFee, "total=%d pct=%v", total, pct)
				continue
			}

			assert.GreaterOrEqual(t, fee, minFee, "total=%d pct=%v", total, pct)
			assert.LessOrEqual(t, fee, maxFee, "total=%d pct=%v", total, pct)
		}
	}
}

func TestBookingTotal(t *testing.T) {
	b := BookingTotal(40000, []int64{6000, 4000}, 12)

	assert.Equal(t, int64(50000), b.SubtotalCents)
	assert.Equal(t, int64(6000), b.FeeCents)
	assert.Equal(t, int64(44000), b.TenantReceivesCents)
	assert.False(t, b.Clamped)
}

func TestBookingTotal_ReportsClamp(t *testing.T) {
	b := BookingTotal(10000, nil, 0.1)

	assert.Equal(t, int64(50), b.FeeCents)
	assert.True(t, b.Clamped)

	b = BookingTotal(10000, nil, 90)

	assert.Equal(t, int64(5000), b.FeeCents)
	assert.True(t, b.Clamped)
}

func TestRefundCommission(t *testing.T) {
	tests := []struct {
		name   string
		fee    int64
		refund int64
		total  int64
		want   int64
	}{
		{name: "full refund reverses full fee", fee: 6000, refund: 50000, total: 50000, want: 6000},
		{name: "refund above total reverses full fee", fee: 6000, refund: 60000, total: 50000, want: 6000},
		{name: "half refund reverses half fee", fee: 6000, refund: 25000, total: 50000, want: 3000},
		{name: "proportional rounds up", fee: 100, refund: 1, total: 3, want: 34},
		{name: "zero refund", fee: 6000, refund: 0, total: 50000, want: 0},
		{name: "zero original fee", fee: 0, refund: 25000, total: 50000, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RefundCommission(tt.fee, tt.refund, tt.total))
		})
	}
}
