package gateway

import "github.com/shopspring/decimal"

// FloorToStep quantizes v down to the nearest multiple of step using
// divide-floor-multiply, the same rule applied to both quantity/stepSize
// and price/tickSize throughout the gateway.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Floor()
	return units.Mul(step)
}

// stepDecimals returns the number of digits after the decimal point a
// step/tick string requires, used to format quantities/prices for the
// exchange's string-typed order fields.
func stepDecimals(step decimal.Decimal) int32 {
	s := step.String()
	dot := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			dot = i
			break
		}
	}
	if dot == -1 {
		return 0
	}
	return int32(len(s) - dot - 1)
}

// FormatStep renders v truncated/floored to step's precision as a plain
// decimal string suitable for the exchange's quantity/price fields.
func FormatStep(v, step decimal.Decimal) string {
	floored := FloorToStep(v, step)
	return floored.StringFixed(stepDecimals(step))
}
