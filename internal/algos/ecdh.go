package algos

import (
	"crypto/ecdh"
	"math/rand/v2"
	"slices"

	"code.kerpass.org/channel/internal/utils"
)

const (
	CURVE_X25519 = "X25519"
	CURVE_P256   = "P256"
	CURVE_P384   = "P384"
)

// Curve embeds ecdh.Curve and records the size of its outputs.
type Curve struct {
	ecdh.Curve
	name        string
	privkeySize int
	pubkeySize  int
	dhsecSize   int
}

// Name returns Name of Curve
func (self Curve) Name() string {
	return self.name
}

// PrivateKeyLen returns byte length of Curve PrivateKey
func (self Curve) PrivateKeyLen() int {
	return self.privkeySize
}

// PublicKeyLen returns byte length of uncompressed form of Curve PublicKey
func (self Curve) PublicKeyLen() int {
	return self.pubkeySize
}

// DHLen returns byte length of Diffie-Hellmann shared secret
func (self Curve) DHLen() int {
	return self.dhsecSize
}

// DH loads peer public key bytes and returns the shared secret computed with privkey.
func (self Curve) DH(privkey *ecdh.PrivateKey, peerkey []byte) ([]byte, error) {
	if nil == privkey {
		return nil, newError("nil private key")
	}
	if len(peerkey) != self.pubkeySize {
		return nil, newError("invalid %s public key length %d", self.name, len(peerkey))
	}
	pubkey, err := self.NewPublicKey(peerkey)
	if nil != err {
		return nil, wrapError(err, "failed loading %s public key", self.name)
	}
	dhsec, err := privkey.ECDH(pubkey)
	return dhsec, wrapError(err, "failed %s ECDH", self.name) // nil if err is nil
}

func (self *Curve) init() error {
	if nil == self || nil == self.Curve {
		return newError("can not initialize nil curve")
	}

	// rnd only determines Curve output sizes, it does not need to be crypto rand.Reader
	rnd := rand.NewChaCha8([32]byte{})

	curve := self.Curve
	pk1, err := curve.GenerateKey(rnd)
	if nil != err {
		return wrapError(err, "failed generating pk1")
	}
	self.privkeySize = len(pk1.Bytes())
	self.pubkeySize = len(pk1.PublicKey().Bytes())

	pk2, err := curve.GenerateKey(rnd)
	if nil != err {
		return wrapError(err, "failed generating pk2")
	}

	dhsec, err := pk1.ECDH(pk2.PublicKey())
	if nil != err {
		return wrapError(err, "failed generating dhsec")
	}
	self.dhsecSize = len(dhsec)

	return nil
}

var curveRegistry *utils.Registry[string, Curve]

// MustRegisterCurve adds curve to the Curve registry. It panics if name is already in use or curve is invalid.
func MustRegisterCurve(name string, curve ecdh.Curve) {
	err := RegisterCurve(name, curve)
	if nil != err {
		panic(err)
	}
}

// RegisterCurve adds curve to the Curve registry. It errors if name is already in use or curve is invalid.
func RegisterCurve(name string, curve ecdh.Curve) error {
	regcurve := Curve{Curve: curve, name: name}
	err := regcurve.init()
	if nil != err {
		return wrapError(err, "failed initializing Curve %s", name)
	}
	return wrapError(
		utils.RegistrySet(curveRegistry, name, regcurve),
		"failed registering Curve algorithm, %s",
		name,
	)
}

// GetCurve loads Curve implementation from the registry. It errors if no curve was registered with name.
func GetCurve(name string) (Curve, error) {
	curve, found := utils.RegistryGet(curveRegistry, name)
	if !found {
		return curve, newError("unsupported Curve algorithm, %s", name)
	}
	return curve, nil
}

// ListCurves returns the sorted names of the registered elliptic curves.
func ListCurves() []string {
	curveIdx := utils.RegistryEntries(curveRegistry)
	rv := make([]string, 0, len(curveIdx))
	for name := range curveIdx {
		rv = append(rv, name)
	}
	slices.Sort(rv)
	return rv
}

func init() {
	curveRegistry = utils.NewRegistry[string, Curve]()
	MustRegisterCurve(CURVE_X25519, ecdh.X25519())
	MustRegisterCurve(CURVE_P256, ecdh.P256())
	MustRegisterCurve(CURVE_P384, ecdh.P384())
}
