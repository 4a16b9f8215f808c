// Package safetycode issues the one-time release codes handed out when a
// minor checks in, and verifies them at check-out.
package safetycode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"rollcall/internal/config"
)

// Generator produces plaintext codes and their bcrypt hashes. It holds no
// per-code state and is safe for concurrent use if its random source is.
type Generator struct {
	length        int
	alphabet      []byte
	caseSensitive bool
	cost          int
	rand          io.Reader
}

// NewGenerator builds a generator from the safety code settings.
// A nil random source means crypto/rand.
func NewGenerator(cfg config.SafetyCodeConfig, random io.Reader) (*Generator, error) {
	if cfg.Length <= 0 {
		return nil, fmt.Errorf("safety code length must be positive, got %d", cfg.Length)
	}
	alphabet := cfg.Alphabet
	if !cfg.CaseSensitive {
		alphabet = strings.ToUpper(alphabet)
	}
	symbols := uniqueSymbols(alphabet)
	if len(symbols) < 2 {
		return nil, errors.New("safety code alphabet needs at least two distinct characters")
	}
	if len(symbols) > 256 {
		return nil, errors.New("safety code alphabet is too large")
	}

	cost := cfg.HashCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("safety code hash cost %d out of range", cost)
	}

	if random == nil {
		random = rand.Reader
	}
	return &Generator{
		length:        cfg.Length,
		alphabet:      symbols,
		caseSensitive: cfg.CaseSensitive,
		cost:          cost,
		rand:          random,
	}, nil
}

// Generate returns a fresh plaintext code and its hash. Only the hash may be
// persisted; the plaintext is shown to the caller once.
func (g *Generator) Generate() (string, string, error) {
	code, err := g.randomCode()
	if err != nil {
		return "", "", fmt.Errorf("generate safety code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(g.normalize(code)), g.cost)
	if err != nil {
		return "", "", fmt.Errorf("hash safety code: %w", err)
	}
	return code, string(hash), nil
}

// Verify reports whether candidate matches hash. The comparison re-hashes
// with the salt stored in hash and runs in constant time.
func (g *Generator) Verify(candidate, hash string) bool {
	candidate = g.normalize(candidate)
	if candidate == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}

func (g *Generator) normalize(code string) string {
	code = strings.TrimSpace(code)
	if !g.caseSensitive {
		code = strings.ToUpper(code)
	}
	return code
}

// randomCode draws each symbol uniformly. Bytes at or above the largest
// multiple of len(alphabet) are discarded to avoid modulo bias.
func (g *Generator) randomCode() (string, error) {
	n := len(g.alphabet)
	limit := 256 - (256 % n)

	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length)
	for len(out) < g.length {
		if _, err := io.ReadFull(g.rand, buf[:g.length-len(out)]); err != nil {
			return "", err
		}
		for _, b := range buf[:g.length-len(out)] {
			if int(b) >= limit {
				continue
			}
			out = append(out, g.alphabet[int(b)%n])
		}
	}
	return string(out), nil
}

func uniqueSymbols(s string) []byte {
	seen := make(map[byte]bool, len(s))
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c > '~' || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
