package tokenizer

import (
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is the fixed general-purpose subword encoding used when a
// model id has no registered encoding of its own (e.g. a newer variant).
const fallbackEncoding = "cl100k_base"

// heuristicFamilies are model-id prefixes for vendor families with no subword
// tokenizer available; their counts use the character-length approximation.
var heuristicFamilies = []string{"claude"}

type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Counter turns text into a unit count for pricing. It never fails: models
// outside the tokenizer's reach fall back to ceil(characters/4), a documented
// approximation rather than an error.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]encoder

	loadModel    func(model string) (encoder, error)
	loadFallback func() (encoder, error)
}

func NewCounter() *Counter {
	return &Counter{
		encoders: make(map[string]encoder),
		loadModel: func(model string) (encoder, error) {
			return tiktoken.EncodingForModel(model)
		},
		loadFallback: func() (encoder, error) {
			return tiktoken.GetEncoding(fallbackEncoding)
		},
	}
}

// Count returns the unit count for text under the given model. Empty input
// is always 0.
func (c *Counter) Count(text, modelID string) int {
	if text == "" {
		return 0
	}

	if heuristicModel(modelID) {
		return approximate(text)
	}

	enc := c.encoderFor(modelID)
	if enc == nil {
		return approximate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages sums the unit counts of every message content.
func (c *Counter) CountMessages(contents []string, modelID string) int64 {
	var total int64
	for _, content := range contents {
		total += int64(c.Count(content, modelID))
	}
	return total
}

func (c *Counter) encoderFor(modelID string) encoder {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[modelID]; ok {
		return enc
	}

	enc, err := c.loadModel(modelID)
	if err != nil {
		enc, err = c.loadFallback()
		if err != nil {
			log.Printf("tokenizer: no encoding for model %s, using length approximation: %v", modelID, err)
			enc = nil
		}
	}

	// Cache nil too so a broken encoding is not retried per call.
	c.encoders[modelID] = enc
	return enc
}

func heuristicModel(modelID string) bool {
	for _, family := range heuristicFamilies {
		if strings.HasPrefix(modelID, family) {
			return true
		}
	}
	return false
}

// approximate is the deliberate inexact policy for models without a subword
// tokenizer: one unit per four characters, rounded up.
func approximate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
