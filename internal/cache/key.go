package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Key derives the cache key from the RFC 8785 canonical form of the request
// identity, so map ordering in params never changes the key.
func Key(prompt, provider, model string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(struct {
		Prompt   string         `json:"prompt"`
		Provider string         `json:"provider"`
		Model    string         `json:"model"`
		Params   map[string]any `json:"params"`
	}{prompt, provider, model, params})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "llm:" + hex.EncodeToString(sum[:]), nil
}
