package identity

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/chacha20poly1305"

	"code.kerpass.org/channel/internal/algos"
	"code.kerpass.org/channel/internal/utils"
)

const (
	SharedKeySize = chacha20poly1305.KeySize
	sharedKeyInfo = "kerpass channel shared key v1"
)

// KeyPair is an in memory Identity that uses Ed25519 signatures, X25519 key agreement,
// XChaCha20-Poly1305 encryption and BLAKE2b hashing.
type KeyPair struct {
	identifier string
	signer     ed25519.PrivateKey
	cipher     *ecdh.PrivateKey
	curve      algos.Curve
	hash       algos.Hash
}

// KeyPairCfg holds the private keys used to restore a KeyPair.
type KeyPairCfg struct {
	Identifier string          `json:"identifier" cbor:"1,keyasint"`
	SignerSeed utils.HexBinary `json:"signerSeed" cbor:"2,keyasint"`
	CipherKey  utils.HexBinary `json:"cipherKey" cbor:"3,keyasint"`
}

// Check returns an error if the KeyPairCfg is invalid.
func (self KeyPairCfg) Check() error {
	if len(self.SignerSeed) != ed25519.SeedSize {
		return newError("invalid SignerSeed, length %d != %d", len(self.SignerSeed), ed25519.SeedSize)
	}
	if len(self.CipherKey) == 0 {
		return newError("missing CipherKey")
	}
	return nil
}

// GenerateKeyPair returns a KeyPair with fresh random keys.
// If identifier is empty, an identifier is derived from the signer public key.
func GenerateKeyPair(identifier string) (*KeyPair, error) {
	_, signer, err := ed25519.GenerateKey(rand.Reader)
	if nil != err {
		return nil, wrapError(err, "failed generating signer key")
	}
	curve, err := algos.GetCurve(algos.CURVE_X25519)
	if nil != err {
		return nil, wrapError(err, "failed loading curve")
	}
	cipher, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		return nil, wrapError(err, "failed generating cipher key")
	}

	return newKeyPair(identifier, signer, cipher, curve)
}

// NewKeyPair restores the KeyPair described by cfg.
func NewKeyPair(cfg KeyPairCfg) (*KeyPair, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid KeyPairCfg")
	}
	curve, err := algos.GetCurve(algos.CURVE_X25519)
	if nil != err {
		return nil, wrapError(err, "failed loading curve")
	}
	cipher, err := curve.NewPrivateKey(cfg.CipherKey)
	if nil != err {
		return nil, wrapError(err, "failed loading CipherKey")
	}

	return newKeyPair(cfg.Identifier, ed25519.NewKeyFromSeed(cfg.SignerSeed), cipher, curve)
}

func newKeyPair(identifier string, signer ed25519.PrivateKey, cipher *ecdh.PrivateKey, curve algos.Curve) (*KeyPair, error) {
	hash, err := algos.GetHash(algos.HASH_BLAKE2B_256)
	if nil != err {
		return nil, wrapError(err, "failed loading hash")
	}
	kp := &KeyPair{signer: signer, cipher: cipher, curve: curve, hash: hash}
	if "" == identifier {
		digest := hash.Sum(signer.Public().(ed25519.PublicKey))
		identifier = "kp:" + hex.EncodeToString(digest[:16])
	}
	kp.identifier = identifier

	return kp, nil
}

// Cfg returns the KeyPairCfg that restores self.
func (self *KeyPair) Cfg() KeyPairCfg {
	return KeyPairCfg{
		Identifier: self.identifier,
		SignerSeed: utils.HexBinary(self.signer.Seed()),
		CipherKey:  utils.HexBinary(self.cipher.Bytes()),
	}
}

// Identifier implements Identity.
func (self *KeyPair) Identifier() string {
	return self.identifier
}

// PublicKeys implements Identity.
func (self *KeyPair) PublicKeys() PublicKeys {
	return PublicKeys{
		Cipher: utils.HexBinary(self.cipher.PublicKey().Bytes()),
		Signer: utils.HexBinary(self.signer.Public().(ed25519.PublicKey)),
	}
}

// Sign implements Identity.
func (self *KeyPair) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(self.signer, data), nil
}

// Verify implements Identity.
func (self *KeyPair) Verify(pub []byte, sig []byte, data []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return utils.NewError(0, ErrKey, "invalid signer public key length %d", len(pub))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return utils.NewError(0, ErrSignature, "signature does not verify")
	}
	return nil
}

// Seal implements Identity. The signature is prepended to data.
func (self *KeyPair) Seal(data []byte) ([]byte, error) {
	sig, err := self.Sign(data)
	if nil != err {
		return nil, wrapError(err, "failed signing data")
	}
	sealed := make([]byte, 0, len(sig)+len(data))
	sealed = append(sealed, sig...)
	return append(sealed, data...), nil
}

// Open implements Identity.
func (self *KeyPair) Open(pub []byte, sealed []byte) ([]byte, error) {
	if len(sealed) < ed25519.SignatureSize {
		return nil, utils.NewError(0, ErrSignature, "sealed data too short")
	}
	sig, data := sealed[:ed25519.SignatureSize], sealed[ed25519.SignatureSize:]
	err := self.Verify(pub, sig, data)
	if nil != err {
		return nil, wrapError(err, "failed opening sealed data")
	}
	return bytes.Clone(data), nil
}

// Encrypt implements Identity. The random nonce is prepended to the ciphertext.
func (self *KeyPair) Encrypt(data []byte, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if nil != err {
		return nil, utils.WrapError(err, 0, ErrKey, "invalid symmetric key")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	_, err = rand.Read(nonce)
	if nil != err {
		return nil, wrapError(err, "failed generating nonce")
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt implements Identity.
func (self *KeyPair) Decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if nil != err {
		return nil, utils.WrapError(err, 0, ErrKey, "invalid symmetric key")
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, utils.NewError(0, ErrDecryption, "ciphertext too short")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	data, err := aead.Open(nil, nonce, ct, nil)
	if nil != err {
		return nil, utils.WrapError(err, 0, ErrDecryption, "failed decrypting ciphertext")
	}
	return data, nil
}

// GenerateSharedKey implements Identity.
//
// The HKDF salt is the concatenation of both cipher public keys in ascending order,
// which makes the derivation independent of which side runs it.
func (self *KeyPair) GenerateSharedKey(peerCipherKey []byte) ([]byte, error) {
	dhsec, err := self.curve.DH(self.cipher, peerCipherKey)
	if nil != err {
		return nil, utils.WrapError(err, 0, ErrKey, "failed key agreement")
	}

	own := self.cipher.PublicKey().Bytes()
	lo, hi := own, peerCipherKey
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := make([]byte, 0, len(lo)+len(hi))
	salt = append(append(salt, lo...), hi...)

	key := make([]byte, SharedKeySize)
	err = self.hash.Derive(key, dhsec, salt, []byte(sharedKeyInfo))
	if nil != err {
		return nil, wrapError(err, "failed deriving shared key")
	}
	return key, nil
}

// Hash implements Identity.
func (self *KeyPair) Hash(data []byte) []byte {
	return self.hash.Sum(data)
}

var _ Identity = &KeyPair{}
