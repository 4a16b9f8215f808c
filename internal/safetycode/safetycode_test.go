package safetycode

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"rollcall/internal/config"
)

func testConfig() config.SafetyCodeConfig {
	return config.SafetyCodeConfig{
		Length:   6,
		Alphabet: config.DefaultAlphabet,
		HashCost: bcrypt.MinCost,
	}
}

func TestGenerateFromReader(t *testing.T) {
	t.Parallel()

	gen, err := NewGenerator(testConfig(), bytes.NewReader([]byte{9, 25, 5, 31, 14, 23}))
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	code, hash, err := gen.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code != "K3F9QZ" {
		t.Fatalf("code = %q, want K3F9QZ", code)
	}
	if hash == "" || strings.Contains(hash, code) {
		t.Fatalf("hash must be set and must not contain the plaintext: %q", hash)
	}
	if !gen.Verify("k3f9qz", hash) {
		t.Fatal("expected case-insensitive match")
	}
	if !gen.Verify(" K3F9QZ ", hash) {
		t.Fatal("expected surrounding whitespace to be ignored")
	}
	if gen.Verify("K3F9QX", hash) {
		t.Fatal("near miss must not verify")
	}
	if gen.Verify("", hash) || gen.Verify(code, "") {
		t.Fatal("empty inputs must not verify")
	}
}

func TestGenerateSaltsEveryCode(t *testing.T) {
	t.Parallel()

	// Same plaintext twice must still hash differently.
	gen, err := NewGenerator(testConfig(), bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 1, 2, 3, 4, 5, 6}))
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	c1, h1, err := gen.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c2, h2, err := gen.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected identical plaintexts, got %q and %q", c1, c2)
	}
	if h1 == h2 {
		t.Fatal("expected distinct salts")
	}
	if !gen.Verify(c1, h2) || !gen.Verify(c2, h1) {
		t.Fatal("both hashes must verify the plaintext")
	}
}

func TestGenerateRejectsBiasedBytes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Alphabet = "ABCDEFGHJK" // 10 symbols: bytes >= 250 are discarded
	cfg.Length = 4
	gen, err := NewGenerator(cfg, bytes.NewReader([]byte{255, 0, 251, 1, 250, 2, 3}))
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	code, _, err := gen.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code != "ABCD" {
		t.Fatalf("code = %q, want ABCD", code)
	}
}

func TestGenerateShortReader(t *testing.T) {
	t.Parallel()

	gen, err := NewGenerator(testConfig(), bytes.NewReader([]byte{1, 2}))
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, _, err := gen.Generate(); err == nil {
		t.Fatal("expected error from exhausted random source")
	}
}

func TestCaseSensitive(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Alphabet = "abcdXYZW"
	cfg.CaseSensitive = true
	gen, err := NewGenerator(cfg, bytes.NewReader([]byte{0, 1, 4, 5, 2, 6}))
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	code, hash, err := gen.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code != "abXYcZ" {
		t.Fatalf("code = %q", code)
	}
	if gen.Verify(strings.ToUpper(code), hash) {
		t.Fatal("case-sensitive generator must not fold case")
	}
	if !gen.Verify(code, hash) {
		t.Fatal("exact code must verify")
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.SafetyCodeConfig)
	}{
		{name: "zero length", mutate: func(c *config.SafetyCodeConfig) { c.Length = 0 }},
		{name: "single symbol", mutate: func(c *config.SafetyCodeConfig) { c.Alphabet = "aA" }},
		{name: "cost too high", mutate: func(c *config.SafetyCodeConfig) { c.HashCost = bcrypt.MaxCost + 1 }},
	}
	for _, tt := range tests {
		cfg := testConfig()
		tt.mutate(&cfg)
		if _, err := NewGenerator(cfg, nil); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestGenerateDefaultSource(t *testing.T) {
	t.Parallel()

	gen, err := NewGenerator(testConfig(), nil)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	code, hash, err := gen.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code length = %d", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(config.DefaultAlphabet, r) {
			t.Fatalf("code %q has symbol outside alphabet", code)
		}
	}
	if !gen.Verify(code, hash) {
		t.Fatal("generated code must verify")
	}
}
