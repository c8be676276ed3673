package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

const shortKeyAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ShortKeyLength is the length of generated short link keys.
const ShortKeyLength = 7

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewShortKey returns a random base62 key of length n.
func NewShortKey(n int) (string, error) {
	if n <= 0 {
		n = ShortKeyLength
	}
	out := make([]byte, n)
	max := big.NewInt(int64(len(shortKeyAlphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = shortKeyAlphabet[v.Int64()]
	}
	return string(out), nil
}
