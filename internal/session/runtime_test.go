package session

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	assert.Equal(t, "first line", summarize("first line\nsecond line"))
	assert.Equal(t, "short", summarize("short"))

	long := strings.Repeat("x", 300)
	assert.Equal(t, long[:200], summarize(long))

	// A multi-byte rune straddling the cut must not be split.
	straddled := strings.Repeat("x", 199) + "éllo"
	got := summarize(straddled)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 200)
	assert.Equal(t, strings.Repeat("x", 199), got)

	// A rune ending exactly at the limit is kept whole.
	exact := strings.Repeat("x", 198) + "éllo"
	got = summarize(exact)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", 198)+"é", got)
}
