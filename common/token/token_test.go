package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		tk, err := New()
		require.NoError(t, err)
		assert.Len(t, tk, Len)
		assert.True(t, Valid(tk), "generated token %s deemed invalid", tk)
		_, dup := seen[tk]
		require.False(t, dup, "duplicated token")
		seen[tk] = struct{}{}
	}
}

func TestValid(t *testing.T) {
	tcs := []struct {
		name     string
		in       string
		expected bool
	}{
		{name: "Empty", in: "", expected: false},
		{name: "TooShort", in: strings.Repeat("a", Len-1), expected: false},
		{name: "TooLong", in: strings.Repeat("a", Len+1), expected: false},
		{name: "BadAlphabet", in: strings.Repeat("a", Len-1) + "/", expected: false},
		{name: "Padding", in: strings.Repeat("a", Len-1) + "=", expected: false},
		{name: "UrlSafe", in: strings.Repeat("aZ0-_", Len/5) + "abc", expected: true},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, Valid(c.in))
		})
	}
}
