package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrAmountEmpty       = errors.New("amount is required")
	ErrAmountNotNumeric  = errors.New("amount is not a valid decimal")
	ErrAmountNotPositive = errors.New("amount must be positive")
)

// ParseAmount — строгий разбор денежной суммы из строки.
// Никакого parseFloat-подхода: "1.5abc", пустая строка, ноль и минус
// отклоняются сразу, до того как сумма дойдет до леджера.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, ErrAmountEmpty
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrAmountNotNumeric, raw)
	}

	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAmountNotPositive, d.String())
	}

	return d, nil
}
