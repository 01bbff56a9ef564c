package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a, err := Parse("123.45")
	require.NoError(t, err)
	assert.Equal(t, "123.45", a.String())

	a, err = Parse("0.00000001")
	require.NoError(t, err)
	assert.Equal(t, "0.00000001", a.String())

	a, err = Parse("-5.5")
	require.NoError(t, err)
	assert.True(t, a.Negative())

	for _, in := range []string{"", "abc", "1.2.3", "10,5", "0.000000001"} {
		_, err := Parse(in)
		assert.True(t, errors.Is(err, ErrInvalidAmount), "input %q should be rejected", in)
	}
}

func TestParsePositive(t *testing.T) {
	_, err := ParsePositive("10")
	require.NoError(t, err)

	for _, in := range []string{"0", "0.0", "-1", "-0.00000001"} {
		_, err := ParsePositive(in)
		assert.True(t, errors.Is(err, ErrInvalidAmount), "input %q should be rejected", in)
	}
}

func TestArithmeticIsExact(t *testing.T) {
	// The classic float trap: 0.1 + 0.2 must equal 0.3 exactly.
	sum := MustParse("0.1").Add(MustParse("0.2"))
	assert.True(t, sum.Equal(MustParse("0.3")), "got %s", sum)

	diff := MustParse("1").Sub(MustParse("0.00000001"))
	assert.Equal(t, "0.99999999", diff.String())

	assert.Equal(t, 0, MustParse("40").Cmp(MustParse("40.0")))
	assert.True(t, MustParse("9.99999999").LessThan(MustParse("10")))
}

func TestJSONRoundTrip(t *testing.T) {
	out, err := json.Marshal(MustParse("100.00000001"))
	require.NoError(t, err)
	assert.Equal(t, `"100.00000001"`, string(out))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"42.5"`), &a))
	assert.True(t, a.Equal(MustParse("42.5")))

	// Bare JSON numbers are accepted for convenience.
	require.NoError(t, json.Unmarshal([]byte(`7`), &a))
	assert.True(t, a.Equal(MustParse("7")))

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &a))
}

func TestZeroValue(t *testing.T) {
	var a Amount
	assert.True(t, a.IsZero())
	assert.True(t, a.Equal(Zero))
	assert.Equal(t, "0", a.String())
}
