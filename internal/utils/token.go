package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const tokenAlphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// RandToken returns a random token of the given length using an alphabet
// without the easily confused I and O.
func RandToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid token length: %d", length)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	for i := range buf {
		buf[i] = tokenAlphabet[int(buf[i])%len(tokenAlphabet)]
	}
	return string(buf), nil
}

// MaskSecret keeps the first four characters of s for log output.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}

// TokenHex returns n random bytes hex encoded. Used for short connection ids.
func TokenHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
