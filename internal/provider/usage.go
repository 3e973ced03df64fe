package provider

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates token usage for backends that omit it. The
// BPE tables are embedded, so no download happens on the request path. It
// falls back to a rune heuristic when the tables cannot be loaded.
func EstimateTokens(texts ...string) int {
	encodingOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})

	total := 0
	for _, text := range texts {
		if text == "" {
			continue
		}
		if encoding != nil {
			total += len(encoding.Encode(text, nil, nil))
			continue
		}
		total += estimateByRunes(text)
	}
	return total
}

func estimateByRunes(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
