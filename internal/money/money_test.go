package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Amount
	}{
		{"10", 10_000_000},
		{"10.50", 10_500_000},
		{"10.5", 10_500_000},
		{"0.25", 250_000},
		{"0.000001", 1},
		{"0", 0},
		{".5", 500_000},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{
		"", "-1", "1.1234567", "abc", "1.2.3",
		"1.2x", "1x2.5", // trailing or embedded garbage
		"9223372036854.999999", // wraps past the int64 boundary
	} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestParseBoundary(t *testing.T) {
	// Largest representable amount parses exactly.
	a, err := Parse("9223372036854.775807")
	assert.NoError(t, err)
	assert.Equal(t, int64(1<<63-1), a.Units())

	_, err = Parse("9223372036854.775808")
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "10.5", MustParse("10.50").String())
	assert.Equal(t, "0.25", MustParse("0.25").String())
	assert.Equal(t, "10", MustParse("10").String())
	assert.Equal(t, "0.000001", Amount(1).String())
}

func TestFeeSplit(t *testing.T) {
	// price = 10.00 -> fee 0.25, share 9.75
	price := MustParse("10.00")
	assert.Equal(t, MustParse("0.25"), PlatformFee(price))
	assert.Equal(t, MustParse("9.75"), OrganizerShare(price))
}

func TestFeeTruncates(t *testing.T) {
	// 0.000039 * 250 / 10000 = 0.000000975 -> truncated to 0
	price := Amount(39)
	assert.Equal(t, Amount(0), PlatformFee(price))
	assert.Equal(t, price, OrganizerShare(price))
}

func TestFeePlusShareIsExact(t *testing.T) {
	// share + fee == price for a spread of prices, including ones where the
	// fee division truncates.
	for _, units := range []int64{1, 39, 40, 41, 999, 1000, 12345678, 10_000_000, 10_500_000, 1<<40 + 7} {
		price := Amount(units)
		assert.Equal(t, price, PlatformFee(price)+OrganizerShare(price), "units=%d", units)
	}
}
