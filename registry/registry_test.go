package registry

import (
	"os"
	"path/filepath"
	"testing"

	"vaultkeeper/crypto"
)

func newAddr(t *testing.T, prefix crypto.AddressPrefix) ([20]byte, string) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw := key.PubKey().RawAddress()
	return raw, crypto.NewAddress(prefix, raw[:]).String()
}

func TestFromFile(t *testing.T) {
	a1, s1 := newAddr(t, crypto.AttestorPrefix)
	a2, s2 := newAddr(t, crypto.AttestorPrefix)
	v1, sv := newAddr(t, crypto.VaultPrefix)

	reg, err := FromFile(File{
		Quorum:    2,
		Attestors: []string{s1, s2},
		Vaults:    []string{sv},
	})
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if reg.Quorum() != 2 {
		t.Fatalf("quorum mismatch: %d", reg.Quorum())
	}
	if !reg.IsAttestor(a1) || !reg.IsAttestor(a2) {
		t.Fatal("registered attestors not recognized")
	}
	if reg.IsAttestor(v1) {
		t.Fatal("vault address must not pass the attestor check")
	}
	if !reg.IsVault(v1) {
		t.Fatal("registered vault not recognized")
	}
}

func TestFromFileValidation(t *testing.T) {
	_, s1 := newAddr(t, crypto.AttestorPrefix)

	if _, err := FromFile(File{Quorum: 0, Attestors: []string{s1}}); err == nil {
		t.Fatal("zero quorum must be rejected")
	}
	if _, err := FromFile(File{Quorum: 2, Attestors: []string{s1}}); err == nil {
		t.Fatal("attestor set below quorum must be rejected")
	}
	if _, err := FromFile(File{Quorum: 1, Attestors: []string{"not-bech32"}}); err == nil {
		t.Fatal("malformed attestor address must be rejected")
	}
}

func TestLoadFromDisk(t *testing.T) {
	a1, s1 := newAddr(t, crypto.AttestorPrefix)
	_, sv := newAddr(t, crypto.VaultPrefix)

	path := filepath.Join(t.TempDir(), "registry.yaml")
	doc := "quorum: 1\nattestors:\n  - " + s1 + "\nvaults:\n  - " + sv + "\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reg.IsAttestor(a1) {
		t.Fatal("attestor from disk not recognized")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file must be an error")
	}
}

func TestRuntimeAdditionsAndOrdering(t *testing.T) {
	reg := New(1)
	var b [20]byte
	b[19] = 2
	var a [20]byte
	a[19] = 1
	reg.AddAttestor(b)
	reg.AddAttestor(a)
	reg.AddVault(a)

	if !reg.IsAttestor(a) || !reg.IsAttestor(b) || !reg.IsVault(a) {
		t.Fatal("runtime additions not visible")
	}
	attestors := reg.Attestors()
	if len(attestors) != 2 || attestors[0] != a || attestors[1] != b {
		t.Fatalf("attestors not in ascending order: %v", attestors)
	}
}
