package util

import (
	"strings"
	"testing"
)

func TestNewShortKey(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		key, err := NewShortKey(ShortKeyLength)
		if err != nil {
			t.Fatalf("new short key: %v", err)
		}
		if len(key) != ShortKeyLength {
			t.Fatalf("unexpected key length %d", len(key))
		}
		for _, c := range key {
			if !strings.ContainsRune(shortKeyAlphabet, c) {
				t.Fatalf("unexpected character %q in %q", c, key)
			}
		}
		seen[key] = struct{}{}
	}
	if len(seen) < 199 {
		t.Fatalf("expected unique keys, got %d distinct", len(seen))
	}
}
