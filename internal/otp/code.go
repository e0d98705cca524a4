package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/model"
)

const codeLength = 6

var codeSpace = big.NewInt(1_000_000)

// GenerateCode returns a uniformly random 6-digit code; leading zeros are kept.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}

// hashCode returns SHA-256(driverID:channel:code:salt). Binding the driver and channel into the
// hash means a code leaked for one pair is useless for another.
func hashCode(driverID uuid.UUID, channel model.Channel, code, salt string) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", driverID, channel, code, salt)))
	return sum[:]
}

func codeMatches(c model.OtpChallenge, code, salt string) bool {
	provided := hashCode(c.DriverID, c.Channel, code, salt)
	return subtle.ConstantTimeCompare(provided, c.CodeHash) == 1
}
