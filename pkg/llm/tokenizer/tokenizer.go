// Package tokenizer counts and trims text in model tokens.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used for every model. Counts for non-OpenAI models are
// an approximation, which is all the observation budget needs.
const DefaultEncoding = "cl100k_base"

// charsPerToken is the estimate used when no encoding could be loaded.
const charsPerToken = 4

// Tokenizer wraps a tiktoken encoding. A nil *Tokenizer estimates counts from
// the text length, so callers can keep working when the encoding data is
// unavailable.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New loads the default encoding.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", DefaultEncoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if t == nil || t.enc == nil {
		return (len(text) + charsPerToken - 1) / charsPerToken
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most max tokens. The second result reports
// whether anything was cut.
func (t *Tokenizer) Truncate(text string, max int) (string, bool) {
	if max <= 0 {
		return "", text != ""
	}
	if t == nil || t.enc == nil {
		limit := max * charsPerToken
		if len(text) <= limit {
			return text, false
		}
		return text[:limit], true
	}

	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= max {
		return text, false
	}
	return t.enc.Decode(tokens[:max]), true
}
