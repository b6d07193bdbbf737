// Package core holds the domain model shared by the server, the worker and
// the offline client: transactions, categories, money amounts and the error
// taxonomy of the write protocol.
package core

import (
	"strconv"
	"strings"
)

// ParseAmount converts a decimal amount string to cents.
//
// The wire format is strict: one or more digits, a dot, exactly two decimal
// places ("10.00", "1234.56"). Anything else is rejected, including signs,
// commas and missing decimals. Amounts must be strictly positive.
//
// Examples:
//   ParseAmount("10.00") -> 1000, nil
//   ParseAmount("0.05")  -> 5, nil
//   ParseAmount("10")    -> 0, ErrInvalidAmount
//   ParseAmount("10,00") -> 0, ErrInvalidAmount
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	dot := strings.IndexByte(s, '.')
	if dot < 1 || len(s)-dot-1 != 2 {
		return 0, ErrInvalidAmount
	}
	intPart := s[:dot]
	fracPart := s[dot+1:]
	for _, r := range intPart {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}
	for _, r := range fracPart {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	// Prevent overflow when multiplying by 100
	const maxSafeInt64 = (1<<63 - 1) / 100
	if iv > maxSafeInt64 {
		return 0, ErrInvalidAmount
	}
	cents := iv*100 + int64(fracPart[0]-'0')*10 + int64(fracPart[1]-'0')
	if cents <= 0 {
		return 0, ErrInvalidAmount
	}
	return cents, nil
}

// FormatAmount renders cents in the two-decimal wire format ("10.00").
func FormatAmount(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := strconv.FormatInt(cents/100, 10) + "." + twoDigits(cents%100)
	if neg {
		return "-" + s
	}
	return s
}

func twoDigits(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
