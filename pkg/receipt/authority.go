package receipt

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"

	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/identity"
)

// Authority seals & verifies Receipts with the local Identity.
type Authority struct {
	Identity identity.Identity
}

// NewReceipt returns a Receipt of type typ bound to request req.
//
// payload is optional, when set it is encoded in the Receipt Payload.
func (self Authority) NewReceipt(typ event.Type, req event.Event, payload any, parties ...Party) (Receipt, error) {
	var rcpt Receipt
	if nil == self.Identity {
		return rcpt, creationError(nil, "nil Identity")
	}
	hash, err := self.PayloadHash(req)
	if nil != err {
		return rcpt, creationError(err, "failed hashing request payload")
	}

	rcpt = Receipt{
		Type:      typ,
		ChannelId: req.Metadata.ChannelId,
		EventId:   req.Metadata.EventId,
		Timestamp: time.Now().UTC().UnixMilli(),
		Hash:      hash,
		Parties:   parties,
	}
	if nil != payload {
		rcpt.Payload, err = Marshal(payload)
		if nil != err {
			return rcpt, creationError(err, "failed encoding receipt payload")
		}
	}
	return rcpt, nil
}

// PayloadHash returns the Identity Hash of evt Data or Digest.
func (self Authority) PayloadHash(evt event.Event) ([]byte, error) {
	if len(evt.Digest) > 0 {
		return self.Identity.Hash(evt.Digest), nil
	}
	if nil == evt.Data {
		return nil, newError("event has no payload")
	}
	srzdata, err := Marshal(evt.Data)
	if nil != err {
		return nil, newError("failed encoding event data, got error %v", err)
	}
	return self.Identity.Hash(srzdata), nil
}

// Seal serializes rcpt, encrypts it with sharedKey and signs the ciphertext.
func (self Authority) Seal(rcpt Receipt, sharedKey []byte) ([]byte, error) {
	err := rcpt.Check()
	if nil != err {
		return nil, creationError(err, "invalid receipt")
	}
	digest, err := self.Protect(rcpt, sharedKey)
	if nil != err {
		return nil, creationError(err, "failed protecting receipt")
	}
	return digest, nil
}

// Verify opens digest signature using peerSignerKey, decrypts it with sharedKey and
// returns the Receipt it contains.
//
// Verify errors with ErrReceiptMismatch if the Receipt is not bound to expectedEventId.
func (self Authority) Verify(digest []byte, sharedKey []byte, peerSignerKey []byte, expectedEventId string) (Receipt, error) {
	var rcpt Receipt
	err := self.Unprotect(digest, sharedKey, peerSignerKey, &rcpt)
	if nil != err {
		return Receipt{}, verificationError(err, "failed opening receipt")
	}
	err = rcpt.Check()
	if nil != err {
		return Receipt{}, verificationError(err, "invalid receipt")
	}
	if expectedEventId != rcpt.EventId {
		return rcpt, verificationError(
			ErrReceiptMismatch,
			"receipt bound to event %s, expected %s",
			rcpt.EventId,
			expectedEventId,
		)
	}
	return rcpt, nil
}

// Protect encodes v, encrypts it with sharedKey and signs the ciphertext.
func (self Authority) Protect(v any, sharedKey []byte) ([]byte, error) {
	if nil == self.Identity {
		return nil, newError("nil Identity")
	}
	srzv, err := Marshal(v)
	if nil != err {
		return nil, newError("failed encoding value, got error %v", err)
	}
	ciphertext, err := self.Identity.Encrypt(srzv, sharedKey)
	if nil != err {
		return nil, wrapError(err, "failed encrypting value")
	}
	sealed, err := self.Identity.Seal(ciphertext)
	return sealed, wrapError(err, "failed signing ciphertext") // nil if err is nil
}

// Unprotect reverses Protect, decoding the protected value into v.
func (self Authority) Unprotect(digest []byte, sharedKey []byte, peerSignerKey []byte, v any) error {
	if nil == self.Identity {
		return newError("nil Identity")
	}
	ciphertext, err := self.Identity.Open(peerSignerKey, digest)
	if nil != err {
		return wrapError(err, "failed opening signature")
	}
	srzv, err := self.Identity.Decrypt(ciphertext, sharedKey)
	if nil != err {
		return wrapError(err, "failed decrypting value")
	}
	err = cbor.Unmarshal(srzv, v)
	return wrapError(err, "failed decoding value") // nil if err is nil
}

// VerifyRequest verifies that digest holds a Receipt answering request req.
//
// On top of Verify controls, the Receipt must reference req channel and its Hash must
// match req payload.
func (self Authority) VerifyRequest(digest []byte, sharedKey []byte, peerSignerKey []byte, req event.Event) (Receipt, error) {
	rcpt, err := self.Verify(digest, sharedKey, peerSignerKey, req.Metadata.EventId)
	if nil != err {
		return rcpt, err
	}
	if req.Metadata.ChannelId != rcpt.ChannelId {
		return rcpt, verificationError(ErrReceiptMismatch, "receipt bound to channel %s", rcpt.ChannelId)
	}
	if req.Type.ConfirmType() != rcpt.Type {
		return rcpt, verificationError(nil, "receipt type %s does not answer %s", rcpt.Type, req.Type)
	}
	hash, err := self.PayloadHash(req)
	if nil != err {
		return rcpt, verificationError(err, "failed hashing request payload")
	}
	if !bytes.Equal(hash, rcpt.Hash) {
		return rcpt, verificationError(nil, "receipt hash does not match request payload")
	}
	return rcpt, nil
}
