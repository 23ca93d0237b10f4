// Package tokencount estimates how many tokens a document costs the embedding model.
//
// Gemini does not publish its tokenizer, so counts come from tiktoken's
// cl100k_base encoding, which tracks it closely for English prose. The BPE
// ranks are compiled in so no network fetch happens at runtime.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const defaultEncoding = "cl100k_base"

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter provides thread-safe token counting.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// getEncoding returns the cached tiktoken encoding for name.
func (c *Counter) getEncoding(name string) (*tiktoken.Tiktoken, error) {
	c.mu.RLock()
	if enc, ok := c.encodingCache[name]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if enc, ok := c.encodingCache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	c.encodingCache[name] = enc
	return enc, nil
}

// encodingForModel maps an embedding model id to a tiktoken encoding name.
func encodingForModel(model string) string {
	model = strings.ToLower(model)
	model = strings.TrimPrefix(model, "models/")
	switch {
	case strings.HasPrefix(model, "text-embedding-ada"):
		return "cl100k_base"
	case strings.HasPrefix(model, "text-embedding-3"):
		return "cl100k_base"
	default:
		if model != "" && !strings.Contains(model, "embedding") {
			slog.Debug("unknown embedding model; using cl100k_base", slog.String("model", model))
		}
		return defaultEncoding
	}
}

// CountTokens counts the number of tokens in text for the given embedding model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncoding(encodingForModel(model))
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}
