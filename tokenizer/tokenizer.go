// Package tokenizer provides model-accurate token counting backed by
// tiktoken encodings, for use as a context-window Estimator.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding covers models tiktoken has no mapping for. cl100k is
// a reasonable approximation for non-OpenAI models too.
const fallbackEncoding = "cl100k_base"

var (
	// Encodings are expensive to build; cache them per model.
	cacheMu       sync.RWMutex
	encodingCache = make(map[string]*tiktoken.Tiktoken)
)

// Counter counts tokens for one model's encoding. It satisfies the
// runtime's Estimator interface.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// New creates a counter for the model, falling back to cl100k_base when
// the model is unknown.
func New(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()
	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountConversation counts a role/content message list including the
// per-message framing overhead and the assistant reply priming.
func (c *Counter) CountConversation(roles, contents []string) int {
	const tokensPerMessage = 3
	total := tokensPerMessage // reply priming
	for i := range contents {
		total += tokensPerMessage
		if i < len(roles) {
			total += len(c.encoding.Encode(roles[i], nil, nil))
		}
		total += len(c.encoding.Encode(contents[i], nil, nil))
	}
	return total
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string { return c.model }
