// Package identity provides the key management collaborator consumed by channel engines.
//
// A channel only talks to the local party keys through the Identity interface,
// it never handles private key material directly.
package identity

import (
	"code.kerpass.org/channel/internal/utils"
)

// PublicKeys holds the public part of a party keys.
type PublicKeys struct {
	// Cipher is the key agreement public key, used to derive channel shared keys.
	Cipher utils.HexBinary `json:"cipher" cbor:"1,keyasint"`

	// Signer is the public key that verifies the party signatures.
	Signer utils.HexBinary `json:"signer" cbor:"2,keyasint"`
}

// Check returns an error if one of the keys is missing.
func (self PublicKeys) Check() error {
	if len(self.Cipher) == 0 {
		return utils.NewError(0, ErrKey, "missing cipher public key")
	}
	if len(self.Signer) == 0 {
		return utils.NewError(0, ErrKey, "missing signer public key")
	}
	return nil
}

// Equal returns true if self & other hold the same keys.
func (self PublicKeys) Equal(other PublicKeys) bool {
	return self.Cipher.Equal(other.Cipher) && self.Signer.Equal(other.Signer)
}

// Identity gives access to the local party identifier, public keys and
// to the cryptographic operations that use its private keys.
type Identity interface {
	// Identifier returns the stable identifier of the local party.
	Identifier() string

	// PublicKeys returns the local party public keys.
	PublicKeys() PublicKeys

	// Sign returns the signature of data.
	Sign(data []byte) ([]byte, error)

	// Verify errors if sig is not a valid signature of data for signer public key pub.
	Verify(pub []byte, sig []byte, data []byte) error

	// Seal returns data with an attached signature.
	Seal(data []byte) ([]byte, error)

	// Open checks the signature attached to sealed using signer public key pub
	// and returns the signed data.
	Open(pub []byte, sealed []byte) ([]byte, error)

	// Encrypt encrypts data using symmetric key.
	Encrypt(data []byte, key []byte) ([]byte, error)

	// Decrypt decrypts ciphertext using symmetric key.
	Decrypt(ciphertext []byte, key []byte) ([]byte, error)

	// GenerateSharedKey derives a symmetric key from the local cipher private key
	// and peer cipher public key. Both parties derive the same key.
	GenerateSharedKey(peerCipherKey []byte) ([]byte, error)

	// Hash returns a digest of data.
	Hash(data []byte) []byte
}
