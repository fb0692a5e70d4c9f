package utils

import (
	"bytes"
	"encoding/hex"
)

// HexBinary is a []byte that serializes to hexadecimal text.
//
// It is used for key material in JSON payloads. Binary codecs (CBOR) keep the raw bytes.
type HexBinary []byte

// UnmarshalText decodes hexadecimal text into self, reusing its storage when possible.
func (self *HexBinary) UnmarshalText(text []byte) error {
	var dst []byte
	hxsz := hex.DecodedLen(len(text))
	if cap([]byte(*self)) >= hxsz {
		dst = []byte(*self)[:0]
	} else {
		dst = make([]byte, 0, hxsz)
	}

	dst, err := hex.AppendDecode(dst, text)
	if nil != err {
		return err
	}

	*self = HexBinary(dst)
	return nil
}

// MarshalText encodes self as hexadecimal text.
func (self HexBinary) MarshalText() ([]byte, error) {
	return hex.AppendEncode(nil, []byte(self)), nil
}

// String returns the hexadecimal form of self.
func (self HexBinary) String() string {
	return hex.EncodeToString(self)
}

// Equal returns true if self & other hold the same bytes.
func (self HexBinary) Equal(other HexBinary) bool {
	return bytes.Equal(self, other)
}
