// Package peer holds what a channel knows about the remote party.
package peer

import (
	"bytes"

	"code.kerpass.org/channel/pkg/identity"
	"code.kerpass.org/channel/pkg/receipt"
)

// Info is the serializable part of a Session.
type Info struct {
	Identifier string              `json:"identifier" cbor:"1,keyasint"`
	PublicKeys identity.PublicKeys `json:"publicKeys" cbor:"2,keyasint"`
}

// Check returns an error wrapping ErrInvalidPeerInfo if identifier or a public key is missing.
func (self Info) Check() error {
	if "" == self.Identifier {
		return infoError(nil, "missing identifier")
	}
	err := self.PublicKeys.Check()
	if nil != err {
		return infoError(err, "invalid public keys")
	}
	return nil
}

// Session holds the remote party identifier, public keys and the shared key
// derived during the OPEN handshake. A Session is immutable.
type Session struct {
	info      Info
	sharedKey []byte
}

// Establish derives the shared key between local identity id and the remote party.
// It errors with ErrInvalidPeerInfo if info is incomplete.
func Establish(id identity.Identity, info Info) (*Session, error) {
	err := info.Check()
	if nil != err {
		return nil, err
	}
	if nil == id {
		return nil, wrapError(identity.Error, "nil local Identity")
	}
	key, err := id.GenerateSharedKey(info.PublicKeys.Cipher)
	if nil != err {
		return nil, infoError(err, "failed deriving shared key with %s", info.Identifier)
	}

	return &Session{info: info, sharedKey: key}, nil
}

// Identifier returns the remote party identifier.
func (self *Session) Identifier() string {
	return self.info.Identifier
}

// PublicKeys returns the remote party public keys.
func (self *Session) PublicKeys() identity.PublicKeys {
	return self.info.PublicKeys
}

// SharedKey returns a copy of the shared symmetric key.
func (self *Session) SharedKey() []byte {
	return bytes.Clone(self.sharedKey)
}

// Info returns the serializable part of the Session.
func (self *Session) Info() Info {
	return self.info
}

// Party returns the remote party as a receipt Party.
func (self *Session) Party() receipt.Party {
	return receipt.Party{Identifier: self.info.Identifier, PublicKeys: self.info.PublicKeys}
}

// Same returns true if info describes the Session remote party.
func (self *Session) Same(info Info) bool {
	return self.info.Identifier == info.Identifier && self.info.PublicKeys.Equal(info.PublicKeys)
}
