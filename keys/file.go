// keys/file.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package keys

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

var ErrBadPassphrase = errors.New("incorrect passphrase")

// The key file holds every key encrypted with a key-encryption key derived
// from a passphrase. Only a hash of the passphrase is stored.
type keyFile struct {
	Salt           string     `yaml:"salt"`
	PassphraseHash string     `yaml:"passphrase_hash"`
	Keys           []keyEntry `yaml:"keys"`
}

type keyEntry struct {
	Number uint16 `yaml:"number"`
	Name   string `yaml:"name,omitempty"`
	IV     string `yaml:"iv"`
	Value  string `yaml:"value"`
}

// Derive a 64-byte hash from the passphrase using PBKDF2 with 65536
// rounds of SHA256. The first half is stored to check the passphrase; the
// second half encrypts the keys and is never stored.
func deriveKeys(passphrase string, salt []byte) (passHash, keyEncryptKey []byte) {
	hash := pbkdf2.Key([]byte(passphrase), salt, 65536, 64, sha256.New)
	return hash[:32], hash[32:]
}

// Load reads the key file at path. A missing file yields an empty store.
func Load(path, passphrase string) (*Store, error) {
	s := NewStore()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	} else if err != nil {
		return nil, err
	}

	var kf keyFile
	if err := yaml.Unmarshal(b, &kf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	salt, err := hex.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("%s: salt: %w", path, err)
	}
	storedHash, err := hex.DecodeString(kf.PassphraseHash)
	if err != nil {
		return nil, fmt.Errorf("%s: passphrase hash: %w", path, err)
	}

	passHash, kek := deriveKeys(passphrase, salt)
	if !bytes.Equal(passHash, storedHash) {
		return nil, fmt.Errorf("%s: %w", path, ErrBadPassphrase)
	}

	for _, e := range kf.Keys {
		iv, err := hex.DecodeString(e.IV)
		if err != nil || len(iv) != aes.BlockSize {
			return nil, fmt.Errorf("%s: key %d: bad iv", path, e.Number)
		}
		enc, err := hex.DecodeString(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: key %d: %w", path, e.Number, err)
		}
		if err := s.Import(e.Number, e.Name, cfb(kek, iv, enc, false)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	log.Debug("%s: loaded %d keys", path, len(kf.Keys))
	return s, nil
}

// Save writes the store to path, encrypted with a key derived from
// passphrase and a fresh salt.
func (s *Store) Save(path, passphrase string) error {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	passHash, kek := deriveKeys(passphrase, salt)

	kf := keyFile{
		Salt:           hex.EncodeToString(salt),
		PassphraseHash: hex.EncodeToString(passHash),
	}
	for _, n := range s.ordered() {
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return err
		}
		kf.Keys = append(kf.Keys, keyEntry{
			Number: n,
			Name:   s.Name(n),
			IV:     hex.EncodeToString(iv),
			Value:  hex.EncodeToString(cfb(kek, iv, s.values[n], true)),
		})
	}

	b, err := yaml.Marshal(&kf)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cfb(key, iv, data []byte, encrypt bool) []byte {
	block, err := aes.NewCipher(key)
	log.CheckError(err)
	var stream cipher.Stream
	if encrypt {
		stream = cipher.NewCFBEncrypter(block, iv)
	} else {
		stream = cipher.NewCFBDecrypter(block, iv)
	}
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out
}
