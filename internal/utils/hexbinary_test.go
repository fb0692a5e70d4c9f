package utils

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

type keyHolder struct {
	Identifier string    `json:"identifier"`
	Key        HexBinary `json:"key"`
}

func TestHexBinarySerialization(t *testing.T) {
	k1 := keyHolder{Identifier: "alice", Key: HexBinary{0, 1, 2, 3, 0xfe, 0xff}}
	srzk1, err := json.Marshal(k1)
	if nil != err {
		t.Fatalf("Oops, failed Marshal, got error %v", err)
	}
	if !strings.Contains(string(srzk1), `"00010203feff"`) {
		t.Errorf("Oops, key not hex encoded in %s", srzk1)
	}
	k2 := keyHolder{}
	err = json.Unmarshal(srzk1, &k2)
	if nil != err {
		t.Fatalf("Oops, failed Unmarshal, got error %v", err)
	}
	if !reflect.DeepEqual(k1, k2) {
		t.Errorf("Oops, failed Unmarshal verif, %+v != %+v", k1, k2)
	}
}

func TestHexBinaryInvalid(t *testing.T) {
	var hb HexBinary
	err := hb.UnmarshalText([]byte("zz"))
	if nil == err {
		t.Error("Oops, invalid hex text accepted")
	}
}

func TestHexBinaryEqual(t *testing.T) {
	a := HexBinary{1, 2, 3}
	if !a.Equal(HexBinary{1, 2, 3}) {
		t.Error("failed Equal control on identical keys")
	}
	if a.Equal(HexBinary{1, 2}) {
		t.Error("failed Equal control on distinct keys")
	}
	if "010203" != a.String() {
		t.Errorf("failed String control, got %s", a)
	}
}
