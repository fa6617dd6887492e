package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestETagRoundTrip(t *testing.T) {
	id := "0192f3a4-7b1c-7d2e-8f90-123456789abc"
	tag := ETag(id, 7)
	assert.Equal(t, `"`+id+`-7"`, tag)

	gotID, gotVersion, err := ParseETag(tag)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, int64(7), gotVersion)

	gotID, _, err = ParseETag(`W/"e1-2"`)
	require.NoError(t, err)
	assert.Equal(t, "e1", gotID)
}

func TestParseETag_Malformed(t *testing.T) {
	for _, tag := range []string{"", `e1-2`, `"e1"`, `"-2"`, `"e1-"`, `"e1-x"`, `"e1-1.5"`} {
		_, _, err := ParseETag(tag)
		assert.ErrorIs(t, err, ErrInvalidPrecondition, tag)
	}
}
