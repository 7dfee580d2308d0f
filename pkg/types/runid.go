package types

import (
	"crypto/rand"
)

const runIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// NewRunID returns a 5-character URL-safe identifier, in the spirit of the
// nanoid-generated run ids the original harness used. No nanoid-equivalent
// library exists in the dependency pack, so this is a narrow,
// crypto/rand-backed stand-in rather than a hand-rolled UUID truncation.
func NewRunID() (string, error) {
	return randomID(5)
}

func randomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := make([]byte, n)
	for i, b := range buf {
		id[i] = runIDAlphabet[int(b)%len(runIDAlphabet)]
	}
	return string(id), nil
}
