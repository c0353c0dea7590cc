package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"

	"github.com/raaihank/result-sentinel/internal/rules"
)

const (
	// FullMask replaces values that are destroyed
	FullMask = "***REDACTED***"
	// RedactMarker replaces values that exist but are withheld
	RedactMarker = "[REDACTED]"
	// HashPrefix prefixes hashed values
	HashPrefix = "HASH:"
	// TokenPrefix prefixes pseudonymous tokens
	TokenPrefix = "TOK_"

	partialMinLength  = 4
	partialWideLength = 8
	hashDigestChars   = 16
	maskChar          = '*'
)

// Masker applies masking strategies. A Masker is request scoped because it
// owns the Tokenizer for that request.
type Masker struct {
	hashKey   []byte
	tokenizer *Tokenizer
}

// NewMasker creates a masker. A non-empty hashKey switches Hash to HMAC-SHA256.
func NewMasker(hashKey []byte, tokenizer *Tokenizer) *Masker {
	if tokenizer == nil {
		tokenizer = NewTokenizer()
	}
	return &Masker{hashKey: hashKey, tokenizer: tokenizer}
}

// Tokenizer returns the request-scoped tokenizer
func (m *Masker) Tokenizer() *Tokenizer {
	return m.tokenizer
}

// Apply masks value according to strategy. nil is returned unchanged, every
// other value is coerced to its canonical string first.
func (m *Masker) Apply(value interface{}, strategy rules.Strategy) interface{} {
	if value == nil {
		return nil
	}
	text, _ := Canonical(value)

	switch strategy {
	case rules.StrategyFull:
		return FullMask
	case rules.StrategyPartial:
		return maskPartial(text)
	case rules.StrategyHash:
		return m.hash(text)
	case rules.StrategyRedact:
		return RedactMarker
	case rules.StrategyTokenize:
		return m.tokenizer.Token(text)
	default:
		// Unknown strategies never reach here after validation; fail closed.
		return FullMask
	}
}

// Reversible reports whether the masked form of strategy can be mapped back to
// the original within the same request.
func Reversible(strategy rules.Strategy) bool {
	return strategy == rules.StrategyTokenize
}

// maskPartial keeps a short prefix and suffix and masks the rest to the
// original rune length. Values below the minimum length degrade to Full.
func maskPartial(text string) string {
	runes := []rune(text)
	n := len(runes)
	if n < partialMinLength {
		return FullMask
	}

	keep := 1
	if n >= partialWideLength {
		keep = 2
	}

	var b strings.Builder
	b.Grow(len(text))
	b.WriteString(string(runes[:keep]))
	b.WriteString(strings.Repeat(string(maskChar), n-2*keep))
	b.WriteString(string(runes[n-keep:]))
	return b.String()
}

func (m *Masker) hash(text string) string {
	var sum []byte
	if len(m.hashKey) > 0 {
		mac := hmac.New(sha256.New, m.hashKey)
		mac.Write([]byte(text))
		sum = mac.Sum(nil)
	} else {
		digest := sha256.Sum256([]byte(text))
		sum = digest[:]
	}
	return HashPrefix + hex.EncodeToString(sum)[:hashDigestChars]
}

// Tokenizer assigns pseudonymous tokens in first-seen order. Tokens are stable
// only within one request; there is no persistent vault.
type Tokenizer struct {
	mu      sync.Mutex
	tokens  map[string]string
	reverse map[string]string
}

// NewTokenizer creates an empty tokenizer
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		tokens:  make(map[string]string),
		reverse: make(map[string]string),
	}
}

// Token returns the token for value, assigning the next one if unseen
func (t *Tokenizer) Token(value string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tok, ok := t.tokens[value]; ok {
		return tok
	}
	tok := TokenPrefix + strconv.Itoa(len(t.tokens)+1)
	t.tokens[value] = tok
	t.reverse[tok] = value
	return tok
}

// Lookup returns the original value for a token issued by this tokenizer
func (t *Tokenizer) Lookup(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.reverse[token]
	return v, ok
}

// Len returns the number of distinct values tokenized so far
func (t *Tokenizer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}
