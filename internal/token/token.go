// Package token counts tokens for context budgeting and response
// validation. The real counter wraps tiktoken's cl100k_base encoding;
// a character-ratio heuristic stands in when the encoding cannot be
// loaded (offline environments).
package token

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used by the supported models.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a real BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

var _ Counter = (*TiktokenCounter)(nil)

// NewTiktokenCounter creates a counter for the given model, falling back
// to looking the name up as an encoding. Loading can fail when the BPE
// files are unavailable; callers should degrade to NewHeuristicCounter.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding(DefaultEncoding)
			if err != nil {
				return nil, err
			}
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the number of BPE tokens in text.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as runes/4, the usual rule of
// thumb for English text. Never returns 0 for non-empty text.
type HeuristicCounter struct{}

var _ Counter = (*HeuristicCounter)(nil)

// NewHeuristicCounter creates the approximate counter.
func NewHeuristicCounter() *HeuristicCounter {
	return &HeuristicCounter{}
}

// Count approximates the token count.
func (c *HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) / 4
	if n == 0 {
		return 1
	}
	return n
}

// NewCounter returns the best counter available for the model: tiktoken
// when its encoding loads, the heuristic otherwise.
func NewCounter(model string) Counter {
	if c, err := NewTiktokenCounter(model); err == nil {
		return c
	}
	return NewHeuristicCounter()
}
