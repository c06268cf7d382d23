package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyLength   = 22
)

// randomKey generates the random body of a device key: letters and digits
// with at least one lower, one upper and three digits, so provisioning
// output survives lax copy-paste and case-mangling mail clients.
func randomKey() (string, error) {
	for {
		buf := make([]byte, keyLength)
		for i := range buf {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keyAlphabet))))
			if err != nil {
				return "", fmt.Errorf("generate key: %w", err)
			}
			buf[i] = keyAlphabet[n.Int64()]
		}
		if keyMeetsPolicy(buf) {
			return string(buf), nil
		}
	}
}

func keyMeetsPolicy(key []byte) bool {
	var lower, upper bool
	digits := 0
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digits++
		}
	}
	return lower && upper && digits >= 3
}
