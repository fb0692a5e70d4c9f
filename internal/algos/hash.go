package algos

import (
	"crypto"
	"slices"

	_ "crypto/sha256"
	_ "crypto/sha512"
	_ "golang.org/x/crypto/blake2b"
	_ "golang.org/x/crypto/blake2s"
	_ "golang.org/x/crypto/sha3"

	"golang.org/x/crypto/hkdf"

	"code.kerpass.org/channel/internal/utils"
)

const (
	HASH_SHA256      = "SHA256"
	HASH_SHA512      = "SHA512"
	HASH_SHA3_256    = "SHA3/256"
	HASH_BLAKE2B     = "BLAKE2b"
	HASH_BLAKE2B_256 = "BLAKE2b/256"
	HASH_BLAKE2S     = "BLAKE2s"
)

// Hash embeds crypto.Hash and adds digest & key derivation helpers.
type Hash struct {
	crypto.Hash
	name string
}

// Name returns the registered name of the Hash.
func (self Hash) Name() string {
	return self.name
}

// Sum returns the digest of the concatenation of parts.
func (self Hash) Sum(parts ...[]byte) []byte {
	h := self.New()
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}

// Derive fills key using HKDF with secret as input keying material.
func (self Hash) Derive(key, secret, salt, info []byte) error {
	if len(key) == 0 {
		return newError("empty key")
	}
	rdr := hkdf.New(self.New, secret, salt, info)
	rsz, err := rdr.Read(key)
	if nil != err {
		return wrapError(err, "failed HKDF key reading")
	}
	if rsz != len(key) {
		return newError("HKDF key reading returned %d bytes instead of %d", rsz, len(key))
	}
	return nil
}

var hashRegistry *utils.Registry[string, Hash]

// MustRegisterHash adds hash to the Hash registry. It panics if name is already in use or hash is invalid.
func MustRegisterHash(name string, hash crypto.Hash) {
	err := RegisterHash(name, hash)
	if nil != err {
		panic(err)
	}
}

// RegisterHash adds hash to the Hash registry. It errors if name is already in use or hash is invalid.
func RegisterHash(name string, hash crypto.Hash) error {
	if !hash.Available() {
		return newError("missing implementation for Hash %s", name)
	}
	return wrapError(
		utils.RegistrySet(hashRegistry, name, Hash{Hash: hash, name: name}),
		"failed registering Hash algorithm, %s",
		name,
	)
}

// GetHash loads Hash implementation from the registry. It errors if no hash was registered with name.
func GetHash(name string) (Hash, error) {
	hash, found := utils.RegistryGet(hashRegistry, name)
	if !found {
		return hash, newError("unsupported Hash algorithm, %s", name)
	}
	return hash, nil
}

// ListHashes returns the sorted names of the registered Hash algorithms.
func ListHashes() []string {
	hashIdx := utils.RegistryEntries(hashRegistry)
	rv := make([]string, 0, len(hashIdx))
	for name := range hashIdx {
		rv = append(rv, name)
	}
	slices.Sort(rv)
	return rv
}

func init() {
	hashRegistry = utils.NewRegistry[string, Hash]()
	MustRegisterHash(HASH_SHA256, crypto.SHA256)
	MustRegisterHash(HASH_SHA512, crypto.SHA512)
	MustRegisterHash(HASH_SHA3_256, crypto.SHA3_256)
	MustRegisterHash(HASH_BLAKE2B, crypto.BLAKE2b_512)
	MustRegisterHash(HASH_BLAKE2B_256, crypto.BLAKE2b_256)
	MustRegisterHash(HASH_BLAKE2S, crypto.BLAKE2s_256)
}
