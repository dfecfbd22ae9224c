package ota

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// passwordCharset is what the module's access point accepts in a WPA key.
const passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"

// WPA2-PSK passphrase bounds.
const (
	minPasswordLength = 8
	maxPasswordLength = 63
)

// GeneratePassword returns a random password of length n drawn uniformly
// from passwordCharset. A nil source uses crypto/rand.
func GeneratePassword(src io.Reader, n int) (string, error) {
	if n < minPasswordLength || n > maxPasswordLength {
		return "", fmt.Errorf("ota: password length %d outside %d..%d", n, minPasswordLength, maxPasswordLength)
	}
	if src == nil {
		src = rand.Reader
	}
	max := big.NewInt(int64(len(passwordCharset)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(src, max)
		if err != nil {
			return "", fmt.Errorf("ota: generating password: %w", err)
		}
		out[i] = passwordCharset[idx.Int64()]
	}
	return string(out), nil
}
