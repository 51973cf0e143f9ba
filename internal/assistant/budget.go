package assistant

import (
	"errors"
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// ErrPromptTooLarge is returned when a prompt exceeds the token budget.
var ErrPromptTooLarge = errors.New("prompt too large")

// Budget caps the number of tokens a prompt may use. A zero limit disables
// the check.
type Budget struct {
	limit int
	codec tokenizer.Codec
}

// NewBudget creates a budget that counts tokens with the cl100k encoding.
func NewBudget(limit int) (*Budget, error) {
	if limit <= 0 {
		return &Budget{}, nil
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Budget{limit: limit, codec: codec}, nil
}

// Limit returns the configured token limit.
func (b *Budget) Limit() int {
	if b == nil {
		return 0
	}
	return b.limit
}

// Count returns the number of tokens in text.
func (b *Budget) Count(text string) (int, error) {
	if b == nil || b.codec == nil {
		return 0, nil
	}
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return len(ids), nil
}

// Check returns ErrPromptTooLarge when text does not fit.
func (b *Budget) Check(text string) error {
	if b == nil || b.limit <= 0 {
		return nil
	}
	n, err := b.Count(text)
	if err != nil {
		return err
	}
	if n > b.limit {
		return fmt.Errorf("%w: %d tokens, limit %d", ErrPromptTooLarge, n, b.limit)
	}
	return nil
}
