package exam

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

const (
	accessCodeBytes = 16
	// OTPTTL is how long a sent OTP stays valid.
	OTPTTL = 10 * time.Minute

	otpMin = 100000
	otpMax = 999999
)

// newAccessCode returns 16 random bytes, hex encoded.
func newAccessCode() (string, error) {
	b := make([]byte, accessCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newOTPCode returns a six-digit code drawn uniformly from [100000, 999999].
func newOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return "", fmt.Errorf("draw otp: %w", err)
	}
	return strconv.FormatInt(otpMin+n.Int64(), 10), nil
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
