package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidAmount(t *testing.T) {
	assert.True(t, IsValidAmount(1))
	assert.True(t, IsValidAmount(50000))
	assert.False(t, IsValidAmount(0))
	assert.False(t, IsValidAmount(-100))
}

func TestIsValidFeePercent(t *testing.T) {
	assert.True(t, IsValidFeePercent(0))
	assert.True(t, IsValidFeePercent(12))
	assert.True(t, IsValidFeePercent(100))
	assert.False(t, IsValidFeePercent(-0.1))
	assert.False(t, IsValidFeePercent(100.5))
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"user.name@sub.example.org", true},
		{"no-at-sign", false},
		{"@example.com", false},
		{"user@", false},
		{"user@nodot", false},
		{"user @example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidEmail(tt.email), tt.email)
	}
}
