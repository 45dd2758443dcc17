package session

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetDecimals is the fixed precision of session balances, matching the
// reference stable token (USDC).
const AssetDecimals = 6

// DisplayDecimals is how many fractional digits FormatAmount keeps.
const DisplayDecimals = 2

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(AssetDecimals), nil)

// ParseAmount converts a user-facing decimal string such as "1.50" into an
// integer amount in the smallest token unit. Fractional digits beyond the
// asset precision are truncated, not rounded.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parsing amount %q: amount must not be negative", s)
	}
	return d.Shift(AssetDecimals).Truncate(0).BigInt(), nil
}

// FormatAmount renders a smallest-unit amount as a decimal string with
// DisplayDecimals fractional digits, truncating the rest.
func FormatAmount(v *big.Int) string {
	if v == nil {
		v = big.NewInt(0)
	}
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(v, unit, frac)
	fracStr := fmt.Sprintf("%0*d", AssetDecimals, frac.Abs(frac))
	return fmt.Sprintf("%s.%s", whole.String(), fracStr[:DisplayDecimals])
}
