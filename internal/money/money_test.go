package money

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"one unit", "1.00", "1.0"},
		{"fractional", "0.5", "0.5"},
		{"whole", "100", "100.0"},
		{"smallest", "0.000000000000000001", "0.000000000000000001"},
		{"no frac", "42", "42.0"},
		{"leading zeros", "007.50", "7.5"},
		{"zero", "0", "0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := Parse(tt.input)
			require.True(t, ok)
			assert.Equal(t, tt.want, a.String())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "1.2345678901234567890", "1.2.3"} {
		_, ok := Parse(s)
		assert.False(t, ok, "expected Parse(%q) to fail", s)
	}
}

func TestParse_Negative(t *testing.T) {
	a, ok := Parse("-5.25")
	require.True(t, ok)
	assert.True(t, a.IsNegative())
	assert.Equal(t, "-5.25", a.String())
}

func TestArithmetic(t *testing.T) {
	a := MustParse("10.5")
	b := MustParse("3.25")

	assert.Equal(t, "13.75", a.Add(b).String())
	assert.Equal(t, "7.25", a.Sub(b).String())
	assert.Equal(t, "-10.5", a.Neg().String())
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, 0, a.Cmp(a))
}

func TestZeroAndSign(t *testing.T) {
	z := Zero()
	assert.True(t, z.IsZero())
	assert.False(t, z.IsPositive())
	assert.False(t, z.IsNegative())

	pos := MustParse("0.000000000000000001")
	assert.True(t, pos.IsPositive())
}

func TestJSONRoundTrip(t *testing.T) {
	a := MustParse("1234.56789")
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"1234.56789"`, string(data))

	var out Amount
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 0, a.Cmp(out))
}

func TestScanValue(t *testing.T) {
	a := MustParse("99.99")
	v, err := a.Value()
	require.NoError(t, err)
	assert.Equal(t, "99.99", v)

	var out Amount
	require.NoError(t, out.Scan("99.99"))
	assert.Equal(t, 0, a.Cmp(out))

	require.NoError(t, out.Scan([]byte("1.5")))
	assert.Equal(t, "1.5", out.String())

	require.NoError(t, out.Scan(nil))
	assert.True(t, out.IsZero())
}

func TestUSDCConversion(t *testing.T) {
	a := MustParse("1.5")
	usdc := a.ToUSDC()
	assert.Equal(t, big.NewInt(1_500_000), usdc)

	back := FromUSDCUnits(big.NewInt(1_500_000))
	assert.Equal(t, "1.5", back.String())
}
