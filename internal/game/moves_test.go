package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMove(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"e2-e4", "e2-e4", true},
		{"e2e4", "e2-e4", true},
		{"e7e8q", "e7-e8q", true},
		{"e7-e8Q", "e7-e8q", true},
		{" g1f3 ", "g1-f3", true},
		{"", "", false},
		{"e2", "", false},
		{"e2-e9", "", false},
		{"i2-e4", "", false},
		{"e7e8x", "", false},
		{"e7e8qq", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeMove(tc.in)
		if !tc.ok {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}
