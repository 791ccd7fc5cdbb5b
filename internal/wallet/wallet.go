// Package wallet holds the secp256k1 signing key used for upstream payments
// and derives its EVM address.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidKey = errors.New("wallet: invalid private key")

// Wallet is an already-resolved signing key. Where the key came from is the
// caller's concern.
type Wallet struct {
	key     *secp256k1.PrivateKey
	address [20]byte
}

// FromHex parses a 32-byte hex private key, with or without 0x prefix.
func FromHex(s string) (*Wallet, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidKey
	}
	return fromBytes(b)
}

func fromBytes(b []byte) (*Wallet, error) {
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow || scalar.IsZero() {
		return nil, ErrInvalidKey
	}
	key := secp256k1.NewPrivateKey(&scalar)
	return &Wallet{key: key, address: addressOf(key.PubKey())}, nil
}

// Generate creates a fresh random key.
func Generate() (*Wallet, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Wallet{key: key, address: addressOf(key.PubKey())}, nil
}

// Address returns the EIP-55 checksummed address.
func (w *Wallet) Address() string {
	return ChecksumAddress(w.address)
}

// AddressBytes returns the raw 20-byte address.
func (w *Wallet) AddressBytes() [20]byte {
	return w.address
}

// PrivateKeyHex returns the 0x-prefixed key, for key generation tooling only.
func (w *Wallet) PrivateKeyHex() string {
	b := w.key.Serialize()
	return "0x" + hex.EncodeToString(b)
}

// SignHash signs a 32-byte digest and returns the 65-byte r||s||v signature
// with v in {27, 28}.
func (w *Wallet) SignHash(hash [32]byte) []byte {
	compact := ecdsa.SignCompact(w.key, hash[:], false)
	// compact is v||r||s
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig
}

// RecoverAddress returns the address that produced sig over hash.
func RecoverAddress(hash [32]byte, sig []byte) ([20]byte, error) {
	if len(sig) != 65 {
		return [20]byte{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	compact := make([]byte, 65)
	compact[0] = sig[64]
	copy(compact[1:], sig[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, hash[:])
	if err != nil {
		return [20]byte{}, fmt.Errorf("recover public key: %w", err)
	}
	return addressOf(pub), nil
}

func addressOf(pub *secp256k1.PublicKey) [20]byte {
	uncompressed := pub.SerializeUncompressed()
	h := Keccak256(uncompressed[1:])
	var addr [20]byte
	copy(addr[:], h[12:])
	return addr
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// ChecksumAddress formats addr per EIP-55.
func ChecksumAddress(addr [20]byte) string {
	lower := hex.EncodeToString(addr[:])
	hash := Keccak256([]byte(lower))

	out := make([]byte, 2, 42)
	copy(out, "0x")
	for i, c := range []byte(lower) {
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// ParseAddress decodes a 0x-prefixed hex address. Checksums are not enforced.
func ParseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 20 {
		return addr, fmt.Errorf("invalid address %q", s)
	}
	copy(addr[:], b)
	return addr, nil
}
