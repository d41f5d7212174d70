package upstream

import (
	"strconv"

	"github.com/shopspring/decimal"
)

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
