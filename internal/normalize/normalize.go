// Package normalize canonicalizes model identifiers: lowercase, strip
// whitespace, and collapse known vendor prefixes per a fixed alias table, so
// that "openai/gpt-4o-mini", " GPT-4O-Mini ", and "gpt-4o-mini" all resolve
// to the same canonical id.
//
// Provider selection is a registry/dispatcher concern; the table here only
// maps a model alias to its canonical id, never to a provider.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
)

// defaultAliases maps a known vendor-prefixed or otherwise non-canonical spelling
// to its canonical form. Unknown models pass through strip+lowercase
// unchanged — the table only needs entries for names that actually differ
// after stripping.
var defaultAliases = map[string]string{
	"openai/gpt-4o-mini":       "gpt-4o-mini",
	"openai/gpt-4o":            "gpt-4o",
	"openai/gpt-4-turbo":       "gpt-4-turbo",
	"openai/gpt-3.5-turbo":     "gpt-3.5-turbo",
	"openai/o1":                "o1",
	"openai/o1-mini":           "o1-mini",
	"anthropic/claude-3-opus":  "claude-3-opus",
	"anthropic/claude-3-haiku": "claude-3-haiku",
	"google/gemini-1.5-pro":    "gemini-1.5-pro",
	"google/gemini-1.5-flash":  "gemini-1.5-flash",
	"mistral/mistral-large":    "mistral-large",
	"mistralai/mistral-large":  "mistral-large",
	"meta/llama-3-70b":         "llama-3-70b",
	"meta-llama/llama-3-70b":   "llama-3-70b",
}

// Normalizer canonicalizes model identifiers against an alias table. It is
// pure and concurrency-safe by construction: the table is fixed at New
// time and never mutated in place.
type Normalizer struct {
	aliases map[string]string

	hashOnce sync.Once
	hash     string
}

// New builds a Normalizer from aliases. A nil map uses DefaultAliases().
func New(aliases map[string]string) *Normalizer {
	if aliases == nil {
		aliases = DefaultAliases()
	}
	return &Normalizer{aliases: aliases}
}

// DefaultAliases returns a copy of Hermes's built-in alias table.
func DefaultAliases() map[string]string {
	out := make(map[string]string, len(defaultAliases))
	for k, v := range defaultAliases {
		out[k] = v
	}
	return out
}

// Canonicalize lowercases and trims whitespace from model, then applies the
// alias table. Deterministic and stable: the same input always produces the
// same output for the lifetime of the Normalizer.
func (n *Normalizer) Canonicalize(model string) string {
	stripped := strings.ToLower(strings.TrimSpace(model))
	if canon, ok := n.aliases[stripped]; ok {
		return canon
	}
	return stripped
}

// AliasTableHash returns a stable hex-encoded SHA-256 hash of the active
// alias table, exposed so callers (the /v1/models response cache) can key a
// cache entry on "has the alias table changed" without re-hashing on every
// request.
func (n *Normalizer) AliasTableHash() string {
	n.hashOnce.Do(func() {
		keys := make([]string, 0, len(n.aliases))
		for k := range n.aliases {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		h := sha256.New()
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{0})
			h.Write([]byte(n.aliases[k]))
			h.Write([]byte{0})
		}
		n.hash = hex.EncodeToString(h.Sum(nil))
	})
	return n.hash
}
