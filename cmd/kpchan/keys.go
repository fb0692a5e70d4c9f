package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"

	"code.kerpass.org/channel/pkg/identity"
)

// loadIdentity returns the KeyPair saved in keyPath.
// A new KeyPair named identifier is generated if keyPath is empty.
func loadIdentity(keyPath string, identifier string) (*identity.KeyPair, error) {
	if "" == keyPath {
		return identity.GenerateKeyPair(identifier)
	}
	srzcfg, err := os.ReadFile(keyPath)
	if nil != err {
		return nil, err
	}
	var cfg identity.KeyPairCfg
	err = json.Unmarshal(srzcfg, &cfg)
	if nil != err {
		return nil, fmt.Errorf("invalid key file %s, got error %w", keyPath, err)
	}
	return identity.NewKeyPair(cfg)
}

// saveIdentity writes kp private keys in keyPath, it does not overwrite existing files.
func saveIdentity(keyPath string, kp *identity.KeyPair) error {
	srzcfg, err := json.MarshalIndent(kp.Cfg(), "", "  ")
	if nil != err {
		return err
	}
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if nil != err {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("key file %s already exists", keyPath)
		}
		return err
	}
	_, err = f.Write(srzcfg)
	return errors.Join(err, f.Close())
}

const keygenUsageFmt = `
Command Usage: %s keygen [Flags]
  Generate a key pair and save it in a JSON file.

Flags:
------
`

type KeygenCmd struct {
	KeyPath    string
	Identifier string
}

func parseKeygenFlags(progname string, args []string) *KeygenCmd {
	cmd := KeygenCmd{}

	flags := flag.NewFlagSet(progname+" keygen", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, keygenUsageFmt, path.Base(progname))
		flags.PrintDefaults()
	}
	flags.StringVar(&cmd.KeyPath, "o", "kpchan-key.json", `path where to save the key pair`)
	flags.StringVar(&cmd.Identifier, "id", "", `identifier of the key pair owner`)
	flags.Parse(args)

	if "" == cmd.Identifier {
		log.Fatal("missing -id flag")
	}

	return &cmd
}

func (self *KeygenCmd) Run() error {
	kp, err := identity.GenerateKeyPair(self.Identifier)
	if nil != err {
		return err
	}
	return saveIdentity(self.KeyPath, kp)
}
