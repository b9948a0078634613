package state

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// DefaultUsername is the HTTP user created on first boot.
const DefaultUsername = "admin"

// DefaultDeviceName derives a stable name from the hardware address.
func DefaultDeviceName(hw Address) string {
	return fmt.Sprintf("rgbw-ctrl-%02x%02x%02x", hw[3], hw[4], hw[5])
}

// GenerateCredentials returns DefaultUsername with a random password of the
// form 123456A-b654321. A nil rnd uses crypto/rand.
func GenerateCredentials(rnd io.Reader) (Credentials, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	a, err := rand.Int(rnd, big.NewInt(1_000_000))
	if err != nil {
		return Credentials{}, fmt.Errorf("generate password: %w", err)
	}
	b, err := rand.Int(rnd, big.NewInt(1_000_000))
	if err != nil {
		return Credentials{}, fmt.Errorf("generate password: %w", err)
	}
	return Credentials{
		Username: DefaultUsername,
		Password: fmt.Sprintf("%06dA-b%06d", a.Int64(), b.Int64()),
	}, nil
}
