package receipt

import (
	"errors"
	"testing"

	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/identity"
)

type peers struct {
	alice, bob   *identity.KeyPair
	sharedKey    []byte
	aliceAuth    Authority
	bobAuth      Authority
	messageEvent event.Event
}

func newPeers(t *testing.T) peers {
	t.Helper()
	alice, err := identity.GenerateKeyPair("alice")
	if nil != err {
		t.Fatalf("failed generating alice keys, got error %v", err)
	}
	bob, err := identity.GenerateKeyPair("bob")
	if nil != err {
		t.Fatalf("failed generating bob keys, got error %v", err)
	}
	key, err := alice.GenerateSharedKey(bob.PublicKeys().Cipher)
	if nil != err {
		t.Fatalf("failed GenerateSharedKey, got error %v", err)
	}
	req, err := event.Create(event.MessageRequest, event.Metadata{ChannelId: "chan-1"}, nil, []byte("protected"))
	if nil != err {
		t.Fatalf("failed event.Create, got error %v", err)
	}

	return peers{
		alice:        alice,
		bob:          bob,
		sharedKey:    key,
		aliceAuth:    Authority{Identity: alice},
		bobAuth:      Authority{Identity: bob},
		messageEvent: req,
	}
}

func TestSealVerifyRoundTrip(t *testing.T) {
	p := newPeers(t)
	req := p.messageEvent

	// bob answers alice request
	rcpt, err := p.bobAuth.NewReceipt(event.MessageConfirm, req, "hello")
	if nil != err {
		t.Fatalf("failed NewReceipt, got error %v", err)
	}
	digest, err := p.bobAuth.Seal(rcpt, p.sharedKey)
	if nil != err {
		t.Fatalf("failed Seal, got error %v", err)
	}

	// alice verifies bob receipt
	verified, err := p.aliceAuth.Verify(digest, p.sharedKey, p.bob.PublicKeys().Signer, req.Metadata.EventId)
	if nil != err {
		t.Fatalf("failed Verify, got error %v", err)
	}
	if verified.EventId != req.Metadata.EventId || verified.ChannelId != "chan-1" {
		t.Errorf("failed binding control, got %+v", verified)
	}
	var msg string
	err = verified.Decode(&msg)
	if nil != err {
		t.Fatalf("failed Decode, got error %v", err)
	}
	if "hello" != msg {
		t.Errorf("failed payload control, %q != hello", msg)
	}
	hash, _ := p.aliceAuth.PayloadHash(req)
	if string(hash) != string(verified.Hash) {
		t.Error("failed request hash control")
	}
}

func TestVerifyMismatch(t *testing.T) {
	p := newPeers(t)
	rcpt, err := p.bobAuth.NewReceipt(event.MessageConfirm, p.messageEvent, nil)
	if nil != err {
		t.Fatalf("failed NewReceipt, got error %v", err)
	}
	digest, err := p.bobAuth.Seal(rcpt, p.sharedKey)
	if nil != err {
		t.Fatalf("failed Seal, got error %v", err)
	}

	other, _ := event.Create(event.MessageRequest, event.Metadata{ChannelId: "chan-1"}, nil, []byte("other"))
	_, err = p.aliceAuth.Verify(digest, p.sharedKey, p.bob.PublicKeys().Signer, other.Metadata.EventId)
	if !errors.Is(err, ErrReceiptMismatch) {
		t.Errorf("failed mismatch control, got error %v", err)
	}
	if !errors.Is(err, ErrReceiptVerification) {
		t.Errorf("failed mismatch classification, got error %v", err)
	}
}

func TestVerifyFailures(t *testing.T) {
	p := newPeers(t)
	rcpt, err := p.bobAuth.NewReceipt(event.MessageConfirm, p.messageEvent, nil)
	if nil != err {
		t.Fatalf("failed NewReceipt, got error %v", err)
	}
	digest, err := p.bobAuth.Seal(rcpt, p.sharedKey)
	if nil != err {
		t.Fatalf("failed Seal, got error %v", err)
	}
	eventId := p.messageEvent.Metadata.EventId

	testcases := []struct {
		name   string
		digest []byte
		key    []byte
		signer []byte
	}{
		{name: "wrong signer", digest: digest, key: p.sharedKey, signer: p.alice.PublicKeys().Signer},
		{name: "wrong key", digest: digest, key: make([]byte, identity.SharedKeySize), signer: p.bob.PublicKeys().Signer},
		{name: "tampered", digest: append([]byte{digest[0] ^ 0xFF}, digest[1:]...), key: p.sharedKey, signer: p.bob.PublicKeys().Signer},
		{name: "truncated", digest: digest[:10], key: p.sharedKey, signer: p.bob.PublicKeys().Signer},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.aliceAuth.Verify(tc.digest, tc.key, tc.signer, eventId)
			if !errors.Is(err, ErrReceiptVerification) {
				t.Errorf("failed verification control, got error %v", err)
			}
			if errors.Is(err, ErrReceiptMismatch) {
				t.Errorf("failed classification, got mismatch error %v", err)
			}
		})
	}
}

func TestSealSucceeds(t *testing.T) {
	p := newPeers(t)
	rcpt, err := p.bobAuth.NewReceipt(event.MessageConfirm, p.messageEvent, nil)
	if nil != err {
		t.Fatalf("failed NewReceipt, got error %v", err)
	}
	digest, err := p.bobAuth.Seal(rcpt, p.sharedKey)
	if nil != err {
		t.Fatalf("failed Seal, got error %v", err)
	}
	if 0 == len(digest) {
		t.Fatal("failed digest control, empty digest")
	}

	var opened Receipt
	err = p.aliceAuth.Unprotect(digest, p.sharedKey, p.bob.PublicKeys().Signer, &opened)
	if nil != err {
		t.Fatalf("failed Unprotect, got error %v", err)
	}
	if rcpt.EventId != opened.EventId || rcpt.Type != opened.Type {
		t.Errorf("failed sealed content control, got %+v", opened)
	}
}

func TestSealInvalidReceipt(t *testing.T) {
	p := newPeers(t)
	_, err := p.bobAuth.Seal(Receipt{Type: event.MessageRequest}, p.sharedKey)
	if !errors.Is(err, ErrReceiptCreation) {
		t.Errorf("failed invalid receipt control, got error %v", err)
	}
	rcpt, _ := p.bobAuth.NewReceipt(event.MessageConfirm, p.messageEvent, nil)
	_, err = p.bobAuth.Seal(rcpt, []byte("short key"))
	if !errors.Is(err, ErrReceiptCreation) {
		t.Errorf("failed invalid key control, got error %v", err)
	}
}

func TestReceiptParties(t *testing.T) {
	p := newPeers(t)
	open, _ := event.Create(event.OpenRequest, event.Metadata{ChannelId: "chan-1"}, &event.Data{Identifier: "alice"}, nil)
	parties := []Party{
		{Identifier: "alice", PublicKeys: p.alice.PublicKeys()},
		{Identifier: "bob", PublicKeys: p.bob.PublicKeys()},
	}
	rcpt, err := p.bobAuth.NewReceipt(event.OpenConfirm, open, nil, parties...)
	if nil != err {
		t.Fatalf("failed NewReceipt, got error %v", err)
	}
	digest, err := p.bobAuth.Seal(rcpt, p.sharedKey)
	if nil != err {
		t.Fatalf("failed Seal, got error %v", err)
	}
	verified, err := p.aliceAuth.Verify(digest, p.sharedKey, p.bob.PublicKeys().Signer, open.Metadata.EventId)
	if nil != err {
		t.Fatalf("failed Verify, got error %v", err)
	}
	party, found := verified.Party("bob")
	if !found {
		t.Fatal("failed Party control, bob not found")
	}
	if !party.PublicKeys.Equal(p.bob.PublicKeys()) {
		t.Error("failed Party keys control")
	}
}

func TestVerifyRequest(t *testing.T) {
	p := newPeers(t)
	req := p.messageEvent

	rcpt, err := p.bobAuth.NewReceipt(event.MessageConfirm, req, nil)
	if nil != err {
		t.Fatalf("failed NewReceipt, got error %v", err)
	}
	digest, err := p.bobAuth.Seal(rcpt, p.sharedKey)
	if nil != err {
		t.Fatalf("failed Seal, got error %v", err)
	}
	_, err = p.aliceAuth.VerifyRequest(digest, p.sharedKey, p.bob.PublicKeys().Signer, req)
	if nil != err {
		t.Fatalf("failed VerifyRequest, got error %v", err)
	}

	// same eventId, altered payload
	altered := req
	altered.Digest = []byte("altered")
	_, err = p.aliceAuth.VerifyRequest(digest, p.sharedKey, p.bob.PublicKeys().Signer, altered)
	if !errors.Is(err, ErrReceiptVerification) || errors.Is(err, ErrReceiptMismatch) {
		t.Errorf("failed hash control, got error %v", err)
	}

	// same eventId, other channel
	moved := req
	moved.Metadata.ChannelId = "chan-2"
	_, err = p.aliceAuth.VerifyRequest(digest, p.sharedKey, p.bob.PublicKeys().Signer, moved)
	if !errors.Is(err, ErrReceiptMismatch) {
		t.Errorf("failed channel control, got error %v", err)
	}
}
