package address

import (
	"fmt"

	"github.com/btcsuite/btcutil/bech32"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/crypto/hash"
)

const (
	// AddressHRP is the human-readable part of every account address.
	AddressHRP = "sn"
	// AddressWords is the data length in 5-bit words: 20 hash bytes -> 32 words.
	AddressWords = 32
)

// FromPublicKey derives the bech32 address for a public key: the first 20
// bytes of the blake2b-256 hash of the key, bech32-encoded under the sn HRP.
func FromPublicKey(pub crypto.PublicKey) (string, error) {
	h := hash.NewHash(pub.Bytes())
	words, err := bech32.ConvertBits(h[:20], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert address bits: %w", err)
	}
	addr, err := bech32.Encode(AddressHRP, words)
	if err != nil {
		return "", fmt.Errorf("failed to encode address: %w", err)
	}
	return addr, nil
}

// Validate checks that a string is a well-formed address: bech32, correct
// HRP, correct data length.
func Validate(addr string) bool {
	hrp, words, err := bech32.Decode(addr)
	if err != nil {
		return false
	}
	if hrp != AddressHRP {
		return false
	}
	return len(words) == AddressWords
}

// Matches reports whether addr is the address of the given raw public key
// bytes. Used when verifying that a transaction's key belongs to its sender.
func Matches(addr string, pubKey []byte) bool {
	pk, err := crypto.NewPublicKey(pubKey)
	if err != nil {
		return false
	}
	derived, err := FromPublicKey(pk)
	if err != nil {
		return false
	}
	return derived == addr
}
