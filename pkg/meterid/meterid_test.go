package meterid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		canonical string
		key       int64
	}{
		{"bare digits", "141825620", "CIR0141825620", 141825620},
		{"leading zeros", "0142414721", "CIR0142414721", 142414721},
		{"prefixed", "CIR0142414721", "CIR0142414721", 142414721},
		{"lowercase prefix", "cir142414721", "CIR0142414721", 142414721},
		{"whitespace", "  CIR 1418256200 ", "CIR1418256200", 1418256200},
		{"longer than ten digits", "123456789012", "CIR123456789012", 123456789012},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.canonical, id.Canonical)
			assert.Equal(t, tt.key, id.Key)
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		for _, in := range []string{"", "   ", "CIR", "CIRabc", "12a4", "-12", "1.5", "99999999999999999999"} {
			_, err := Normalize(in)
			assert.ErrorIs(t, err, ErrInvalidIdentifier, "input %q", in)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		for _, key := range []int64{0, 1, 141825620, 1418256200, 9999999999} {
			id := FromKey(key)
			again, err := Normalize(id.Canonical)
			require.NoError(t, err)
			assert.Equal(t, id, again)
		}
	})
}

func TestParseCell(t *testing.T) {
	t.Run("SameKey", func(t *testing.T) {
		for _, v := range []any{142414721.0, 142414721, int64(142414721), "CIR0142414721", "142414721", "142414721.0", "1.42414721E8", " cir142414721 "} {
			key, ok := ParseCell(v)
			require.True(t, ok, "value %#v", v)
			assert.Equal(t, int64(142414721), key, "value %#v", v)
		}
	})

	t.Run("Rounds", func(t *testing.T) {
		key, ok := ParseCell(150000001.6)
		require.True(t, ok)
		assert.Equal(t, int64(150000002), key)
	})

	t.Run("Decorated", func(t *testing.T) {
		key, ok := ParseCell("Med-1418.25")
		require.True(t, ok)
		assert.Equal(t, int64(1418), key)

		key, ok = ParseCell("14-18-256")
		require.True(t, ok)
		assert.Equal(t, int64(1418256), key)
	})

	t.Run("Skipped", func(t *testing.T) {
		for _, v := range []any{nil, true, false, "", "   ", "medidor", math.NaN(), math.Inf(1), struct{}{}} {
			_, ok := ParseCell(v)
			assert.False(t, ok, "value %#v", v)
		}
	})
}
