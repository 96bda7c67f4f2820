package venue

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// ReferenceAlphabet is base58: digits and letters minus 0, O, I and l.
const ReferenceAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ReferenceLength matches a base58 encoded ledger transaction signature.
const ReferenceLength = 88

var alphabetSize = big.NewInt(int64(len(ReferenceAlphabet)))

// NewReference returns an execution reference drawn uniformly from
// ReferenceAlphabet using the operating system's secure random source.
func NewReference() (string, error) {
	buf := make([]byte, ReferenceLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate execution reference: %w", err)
		}
		buf[i] = ReferenceAlphabet[n.Int64()]
	}
	return string(buf), nil
}
