package solana

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/gagliardetto/solana-go"
)

// ErrInvalidAddress is returned for input that is not a base58 public key.
var ErrInvalidAddress = errors.New("invalid address")

// A 32-byte key encodes to at most 44 base58 characters.
const maxAddressLength = 44

// Valid Solana address characters: base58 (no 0, O, I, l)
var validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

// ParseAddress validates an account address and decodes it into a public key.
// It never touches the network.
func ParseAddress(address string) (solana.PublicKey, error) {
	if address == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}

	if len(address) > maxAddressLength {
		return solana.PublicKey{}, fmt.Errorf("%w: address too long: maximum length is %d characters", ErrInvalidAddress, maxAddressLength)
	}

	if !validAddressRegex.MatchString(address) {
		return solana.PublicKey{}, fmt.Errorf("%w: must contain only valid base58 characters", ErrInvalidAddress)
	}

	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: not a 32-byte public key", ErrInvalidAddress)
	}

	return pubkey, nil
}
