package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFloorToStep(t *testing.T) {
	cases := []struct {
		name string
		v    string
		step string
		want string
	}{
		{"exact multiple", "1.230", "0.01", "1.23"},
		{"floors down", "1.239", "0.01", "1.23"},
		{"whole step", "7", "1", "7"},
		{"tiny step", "0.123456", "0.00001", "0.12345"},
		{"zero step is no-op", "1.23456", "0", "1.23456"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, _ := decimal.NewFromString(c.v)
			step, _ := decimal.NewFromString(c.step)
			got := FloorToStep(v, step)
			want, _ := decimal.NewFromString(c.want)
			assert.True(t, got.Equal(want), "FloorToStep(%s,%s) = %s, want %s", c.v, c.step, got, want)
		})
	}
}

func TestFormatStep(t *testing.T) {
	v, _ := decimal.NewFromString("1.23999")
	step, _ := decimal.NewFromString("0.001")
	assert.Equal(t, "1.239", FormatStep(v, step))

	v2, _ := decimal.NewFromString("7.9")
	step2, _ := decimal.NewFromString("1")
	assert.Equal(t, "7", FormatStep(v2, step2))
}
