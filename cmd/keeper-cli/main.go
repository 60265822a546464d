package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"syscall"

	"github.com/holiman/uint256"
	"golang.org/x/term"

	"vaultkeeper/crypto"
	"vaultkeeper/native/rewards"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "keygen":
		err = cmdKeygen(args[1:])
	case "addr":
		err = cmdAddr(args[1:])
	case "sign-snapshot":
		err = cmdSignSnapshot(args[1:])
	case "harvest-leaf":
		err = cmdHarvestLeaf(args[1:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: keeper-cli <command> [args]

commands:
  keygen <keystore-path>                        generate an attestor key
  addr <keystore-path>                          print the key's addresses
  sign-snapshot <keystore-path> <root-hex> <timestamp> <nonce>
                                                sign a snapshot digest
  harvest-leaf <vault-addr> <cumulative-reward> <cumulative-exec-reward>
                                                print a harvest Merkle leaf`)
}

func cmdKeygen(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("keygen: expected <keystore-path>")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pass, err := promptPassphrase(true)
	if err != nil {
		return err
	}
	path, err := crypto.SaveToKeystore(args[0], key, pass)
	if err != nil {
		return err
	}
	fmt.Printf("address:  %s\n", key.PubKey().Address().String())
	fmt.Printf("keystore: %s\n", path)
	return nil
}

func cmdAddr(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("addr: expected <keystore-path>")
	}
	key, err := loadKey(args[0])
	if err != nil {
		return err
	}
	raw := key.PubKey().RawAddress()
	fmt.Printf("vault:    %s\n", crypto.MustNewAddress(crypto.VaultPrefix, raw[:]).String())
	fmt.Printf("attestor: %s\n", crypto.MustNewAddress(crypto.AttestorPrefix, raw[:]).String())
	fmt.Printf("raw:      %x\n", raw)
	return nil
}

func cmdSignSnapshot(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("sign-snapshot: expected <keystore-path> <root-hex> <timestamp> <nonce>")
	}
	key, err := loadKey(args[0])
	if err != nil {
		return err
	}
	rootBytes, err := hex.DecodeString(args[1])
	if err != nil || len(rootBytes) != 32 {
		return fmt.Errorf("sign-snapshot: root must be 32 hex-encoded bytes")
	}
	var root [32]byte
	copy(root[:], rootBytes)
	timestamp, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("sign-snapshot: invalid timestamp: %w", err)
	}
	nonce, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("sign-snapshot: invalid nonce: %w", err)
	}

	digest := crypto.SnapshotDigest(root, timestamp, nonce)
	sig, err := key.Sign(digest[:])
	if err != nil {
		return err
	}
	fmt.Printf("signature: %x\n", sig)
	return nil
}

func cmdHarvestLeaf(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("harvest-leaf: expected <vault-addr> <cumulative-reward> <cumulative-exec-reward>")
	}
	addr, err := crypto.DecodeAddress(args[0])
	if err != nil {
		return err
	}
	var vault [20]byte
	copy(vault[:], addr.Bytes())
	cumulative, ok := new(big.Int).SetString(args[1], 10)
	if !ok {
		return fmt.Errorf("harvest-leaf: invalid cumulative reward %q", args[1])
	}
	exec, err := uint256.FromDecimal(args[2])
	if err != nil {
		return fmt.Errorf("harvest-leaf: invalid exec reward: %w", err)
	}
	leaf := rewards.HarvestLeaf(vault, cumulative, exec)
	fmt.Printf("leaf: %x\n", leaf)
	return nil
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	pass, err := promptPassphrase(false)
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func promptPassphrase(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "passphrase: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if confirm {
		fmt.Fprint(os.Stderr, "repeat passphrase: ")
		again, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if string(pass) != string(again) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(pass), nil
}
