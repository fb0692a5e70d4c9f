package peer

import (
	"bytes"
	"errors"
	"testing"

	"code.kerpass.org/channel/pkg/identity"
)

func TestEstablishSymmetric(t *testing.T) {
	alice, _ := identity.GenerateKeyPair("A")
	bob, _ := identity.GenerateKeyPair("B")

	sa, err := Establish(alice, Info{Identifier: "B", PublicKeys: bob.PublicKeys()})
	if nil != err {
		t.Fatalf("failed alice Establish, got error %v", err)
	}
	sb, err := Establish(bob, Info{Identifier: "A", PublicKeys: alice.PublicKeys()})
	if nil != err {
		t.Fatalf("failed bob Establish, got error %v", err)
	}
	if !bytes.Equal(sa.SharedKey(), sb.SharedKey()) {
		t.Error("failed shared key control, keys differ")
	}
	if "B" != sa.Identifier() || "A" != sb.Identifier() {
		t.Errorf("failed Identifier control, got %s & %s", sa.Identifier(), sb.Identifier())
	}
	if !sa.Same(Info{Identifier: "B", PublicKeys: bob.PublicKeys()}) {
		t.Error("failed Same control")
	}
}

func TestEstablishInvalidInfo(t *testing.T) {
	alice, _ := identity.GenerateKeyPair("A")
	bob, _ := identity.GenerateKeyPair("B")
	keys := bob.PublicKeys()

	testcases := []struct {
		name string
		info Info
	}{
		{name: "no identifier", info: Info{PublicKeys: keys}},
		{name: "no cipher key", info: Info{Identifier: "B", PublicKeys: identity.PublicKeys{Signer: keys.Signer}}},
		{name: "no signer key", info: Info{Identifier: "B", PublicKeys: identity.PublicKeys{Cipher: keys.Cipher}}},
		{name: "bad cipher key", info: Info{Identifier: "B", PublicKeys: identity.PublicKeys{Cipher: []byte("ca"), Signer: []byte("sa")}}},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Establish(alice, tc.info)
			if !errors.Is(err, ErrInvalidPeerInfo) {
				t.Errorf("failed invalid info control, got error %v", err)
			}
		})
	}
}

func TestSharedKeyIsCopy(t *testing.T) {
	alice, _ := identity.GenerateKeyPair("A")
	bob, _ := identity.GenerateKeyPair("B")
	s, err := Establish(alice, Info{Identifier: "B", PublicKeys: bob.PublicKeys()})
	if nil != err {
		t.Fatalf("failed Establish, got error %v", err)
	}
	key := s.SharedKey()
	key[0] ^= 0xFF
	if bytes.Equal(key, s.SharedKey()) {
		t.Error("failed immutability control, SharedKey exposes inner storage")
	}
}
