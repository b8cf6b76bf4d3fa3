package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// ErrKeyExists is returned by SaveKeyFile when the file already exists.
var ErrKeyExists = errors.New("key file already exists")

// SaveKeyFile writes priv to path in the libp2p protobuf key encoding,
// readable only by the owner. An existing file is never overwritten.
func SaveKeyFile(path string, priv ed25519.PrivateKey) error {
	if err := ValidateEd25519PrivateKey(priv); err != nil {
		return err
	}
	k, err := lcrypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return err
	}
	data, err := lcrypto.MarshalPrivateKey(k)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrKeyExists, path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadKeyFile reads a key written by SaveKeyFile.
func LoadKeyFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	k, err := lcrypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if k.Type() != lcrypto.Ed25519 {
		return nil, fmt.Errorf("%s: unsupported key type %s", path, k.Type())
	}
	raw, err := k.Raw()
	if err != nil {
		return nil, err
	}
	priv := ed25519.PrivateKey(raw)
	if err := ValidateEd25519PrivateKey(priv); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return priv, nil
}
