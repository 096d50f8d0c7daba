// ABOUTME: Per-device-key-encrypted private key storage, for platforms with
// ABOUTME: no OS keyring. Grounded on secrets_store.rs, upgraded XOR->AEAD.

package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/whitenoise/core/internal/werr"
)

const (
	serviceName   = "whitenoise"
	hkdfInfo      = "whitenoise-secrets-store-v1"
	deviceKeyFile = "whitenoise_device_id"
	secretsFile   = "whitenoise_secrets.json"
)

// ErrKeyNotFound is returned when no private key is stored for a pubkey.
var ErrKeyNotFound = errors.New("secrets: key not found")

// FileStore is the obfuscated-JSON-file secrets backend used on platforms
// without an OS keyring. Every
// value is sealed with an AEAD key derived from a per-data-dir device id,
// so the file alone (without the device id file next to it) does not
// disclose any private key.
type FileStore struct {
	dataDir string
}

// NewFileStore returns a store rooted at dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir}
}

func (s *FileStore) deviceID() ([]byte, error) {
	path := filepath.Join(s.dataDir, deviceKeyFile)
	if raw, err := os.ReadFile(path); err == nil {
		id, err := uuid.Parse(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, werr.New(werr.KindSecretsStore, "secrets.deviceID", err)
		}
		return id[:], nil
	}

	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return nil, werr.New(werr.KindFilesystem, "secrets.deviceID", err)
	}
	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()), 0o600); err != nil {
		return nil, werr.New(werr.KindFilesystem, "secrets.deviceID", err)
	}
	return id[:], nil
}

func (s *FileStore) aead() (cipher.AEAD, error) {
	deviceID, err := s.deviceID()
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, deviceID, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, werr.New(werr.KindSecretsStore, "secrets.aead", err)
	}
	return chacha20poly1305.New(key)
}

// obfuscate seals plaintext with the device-derived AEAD key, returning an
// unpadded-base64 string safe to embed in the JSON secrets file.
func (s *FileStore) obfuscate(plaintext string) (string, error) {
	aead, err := s.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", werr.New(werr.KindSecretsStore, "secrets.obfuscate", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (s *FileStore) deobfuscate(encoded string) (string, error) {
	aead, err := s.aead()
	if err != nil {
		return "", err
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", werr.New(werr.KindSecretsStore, "secrets.deobfuscate", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", werr.New(werr.KindSecretsStore, "secrets.deobfuscate", fmt.Errorf("ciphertext too short"))
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", werr.New(werr.KindSecretsStore, "secrets.deobfuscate", err)
	}
	return string(plain), nil
}

func (s *FileStore) path() string {
	return filepath.Join(s.dataDir, secretsFile)
}

func (s *FileStore) read() (map[string]string, error) {
	raw, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, werr.New(werr.KindFilesystem, "secrets.read", err)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, werr.New(werr.KindSecretsStore, "secrets.read", err)
	}
	return m, nil
}

func (s *FileStore) write(m map[string]string) error {
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return werr.New(werr.KindFilesystem, "secrets.write", err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return werr.New(werr.KindSecretsStore, "secrets.write", err)
	}
	return os.WriteFile(s.path(), raw, 0o600)
}

// StorePrivateKey seals and persists a private key (hex) under its pubkey.
func (s *FileStore) StorePrivateKey(pubkeyHex, privkeyHex string) error {
	sealed, err := s.obfuscate(privkeyHex)
	if err != nil {
		return err
	}
	m, err := s.read()
	if err != nil {
		return err
	}
	m[pubkeyHex] = sealed
	return s.write(m)
}

// PrivateKeyFor returns the stored private key (hex) for a pubkey, or
// ErrKeyNotFound.
func (s *FileStore) PrivateKeyFor(pubkeyHex string) (string, error) {
	m, err := s.read()
	if err != nil {
		return "", err
	}
	sealed, ok := m[pubkeyHex]
	if !ok {
		return "", ErrKeyNotFound
	}
	return s.deobfuscate(sealed)
}

// DeletePrivateKey removes a stored key. Idempotent: deleting an absent key
// is not an error.
func (s *FileStore) DeletePrivateKey(pubkeyHex string) error {
	m, err := s.read()
	if err != nil {
		return err
	}
	delete(m, pubkeyHex)
	return s.write(m)
}
