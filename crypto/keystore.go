package crypto

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// KeystoreFileName derives the canonical file name for an attestor key:
// the bech32 attestor address with a .json suffix.
func KeystoreFileName(key *PrivateKey) string {
	raw := key.PubKey().RawAddress()
	return MustNewAddress(AttestorPrefix, raw[:]).String() + ".json"
}

// SaveToKeystore writes the attestor key to an Ethereum v3 keystore file and
// returns the path written. When path is an existing directory the file is
// named after the key's attestor address, so a keystore directory holds one
// self-describing file per attestor. Missing parent directories are created
// with 0700 permissions.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) (string, error) {
	if key == nil {
		return "", errors.New("crypto: nil private key")
	}
	if path == "" {
		return "", errors.New("crypto: empty keystore path")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, KeystoreFileName(key))
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.StandardScryptN, keystore.StandardScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("crypto: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := os.Rename(src, path); err != nil {
		return "", err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file with the supplied
// passphrase and checks that the recorded address matches the key, so a
// renamed or hand-edited file cannot impersonate another attestor.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}

	key := &PrivateKey{PrivateKey: decrypted.PrivateKey}
	derived := key.PubKey().RawAddress()
	if !bytes.Equal(derived[:], decrypted.Address[:]) {
		return nil, errors.New("crypto: keystore address does not match its key")
	}
	return key, nil
}
