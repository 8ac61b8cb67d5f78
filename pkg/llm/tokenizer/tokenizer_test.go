package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilTokenizerEstimates(t *testing.T) {
	var tok *Tokenizer

	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 1, tok.Count("abc"))
	assert.Equal(t, 3, tok.Count(strings.Repeat("x", 12)))

	out, cut := tok.Truncate(strings.Repeat("x", 100), 10)
	assert.True(t, cut)
	assert.Len(t, out, 40)

	out, cut = tok.Truncate("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", out)

	out, cut = tok.Truncate("anything", 0)
	assert.True(t, cut)
	assert.Empty(t, out)
}

func TestEncoding(t *testing.T) {
	tok, err := New()
	if err != nil {
		t.Skipf("encoding data unavailable: %v", err)
	}

	text := strings.Repeat("hello world ", 200)
	n := tok.Count(text)
	assert.Greater(t, n, 100)

	out, cut := tok.Truncate(text, 50)
	assert.True(t, cut)
	assert.LessOrEqual(t, tok.Count(out), 50)
	assert.True(t, strings.HasPrefix(text, out))

	out, cut = tok.Truncate("hello", 50)
	assert.False(t, cut)
	assert.Equal(t, "hello", out)
}
