/**
 * @description
 * This package converts between user-facing decimal amounts (major currency
 * units) and the integer atomic units the wallet engine operates in. The
 * conversion factor is fixed at 1e12 atomic units per major unit.
 *
 * Amounts are parsed from decimal strings digit by digit so no floating
 * point is ever involved: fractional digits beyond the atomic scale are
 * dropped (floor toward zero), and formatting is exact integer division.
 *
 * @dependencies
 * - errors, fmt, math, strconv, strings: Standard Go libraries.
 */

package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AtomicPerUnit is the number of atomic units in one major unit.
const AtomicPerUnit = int64(1_000_000_000_000)

// atomicDecimals is the number of fractional decimal digits the atomic
// scale can represent.
const atomicDecimals = 12

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrAmountTooLarge = errors.New("amount too large")
)

// ParseAmount converts a decimal string in major units to atomic units.
// Fractional digits past the twelfth are discarded (floor toward zero).
func ParseAmount(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	if strings.HasPrefix(trimmed, "-") {
		return 0, ErrNegativeAmount
	}
	trimmed = strings.TrimPrefix(trimmed, "+")

	intPart := trimmed
	fracPart := ""
	if dot := strings.IndexByte(trimmed, '.'); dot >= 0 {
		intPart = trimmed[:dot]
		fracPart = trimmed[dot+1:]
	}
	if intPart == "" && fracPart == "" {
		return 0, ErrInvalidAmount
	}
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return 0, ErrInvalidAmount
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrAmountTooLarge
	}

	// Pad or truncate the fractional digits to the atomic scale.
	if len(fracPart) > atomicDecimals {
		fracPart = fracPart[:atomicDecimals]
	}
	for len(fracPart) < atomicDecimals {
		fracPart += "0"
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}

	if units > (math.MaxInt64-frac)/AtomicPerUnit {
		return 0, ErrAmountTooLarge
	}
	return units*AtomicPerUnit + frac, nil
}

// FormatAmount renders atomic units as a decimal string in major units with
// trailing zeros trimmed, e.g. 1500000000000 -> "1.5".
func FormatAmount(atomic int64) string {
	sign := ""
	if atomic < 0 {
		sign = "-"
		atomic = -atomic
	}
	units := atomic / AtomicPerUnit
	frac := atomic % AtomicPerUnit
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, units)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%012d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, units, fracStr)
}

// FormatAmountFixed renders atomic units with exactly twelve fractional
// digits, matching how balances are shown to users.
func FormatAmountFixed(atomic int64) string {
	sign := ""
	if atomic < 0 {
		sign = "-"
		atomic = -atomic
	}
	return fmt.Sprintf("%s%d.%012d", sign, atomic/AtomicPerUnit, atomic%AtomicPerUnit)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
