package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want Version
	}{
		{"1.31", Version{1, 31}},
		{"1.44.0", Version{1, 44}},
		{"MediaWiki 1.27.4", Version{1, 27}},
		{"1.44.0-wmf.5", Version{1, 44}},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "banana", "2"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestVersionAtLeast(t *testing.T) {
	v := Version{Major: 1, Minor: 26}
	assert.True(t, v.AtLeast(1, 26))
	assert.True(t, v.AtLeast(1, 19))
	assert.False(t, v.AtLeast(1, 27))
	assert.True(t, v.AtLeast(0, 99))
	assert.Equal(t, "1.26", v.String())
}
