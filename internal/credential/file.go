package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/danmuck/meshlink/internal/model"
)

const (
	fileVersion = 1
	saltSize    = 16
	checkValue  = "meshlink-vault"
)

// KDFParams are the argon2id cost parameters for the vault key.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// DefaultKDFParams follows the argon2 package's recommended interactive
// settings.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

type vaultFile struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	KDF     KDFParams         `json:"kdf"`
	Check   string            `json:"check"`
	Entries map[string]string `json:"entries"`
}

// FileVault persists passwords in a single JSON file, each sealed with
// XChaCha20-Poly1305 under an argon2id key derived from a master passphrase.
// The node key is bound as associated data.
type FileVault struct {
	mu   sync.Mutex
	path string
	aead cipherAEAD
	file vaultFile
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// OpenFileVault loads the vault at path, creating it on first use. A wrong
// passphrase for an existing vault returns ErrBadPassphrase.
func OpenFileVault(path, passphrase string, params KDFParams) (*FileVault, error) {
	v := &FileVault{path: path}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("credential: salt: %w", err)
		}
		v.file = vaultFile{
			Version: fileVersion,
			Salt:    base64.StdEncoding.EncodeToString(salt),
			KDF:     params,
			Entries: make(map[string]string),
		}
		if err := v.deriveKey(passphrase, salt); err != nil {
			return nil, err
		}
		check, err := v.seal([]byte(checkValue), nil)
		if err != nil {
			return nil, err
		}
		v.file.Check = check
		if err := v.flush(); err != nil {
			return nil, err
		}
		return v, nil
	case err != nil:
		return nil, fmt.Errorf("credential: read vault: %w", err)
	}

	if err := json.Unmarshal(raw, &v.file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if v.file.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v.file.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(v.file.Salt)
	if err != nil || len(salt) != saltSize {
		return nil, fmt.Errorf("%w: bad salt", ErrCorrupt)
	}
	if v.file.Entries == nil {
		v.file.Entries = make(map[string]string)
	}
	if err := v.deriveKey(passphrase, salt); err != nil {
		return nil, err
	}
	check, err := v.open(v.file.Check, nil)
	if err != nil || string(check) != checkValue {
		return nil, ErrBadPassphrase
	}
	return v, nil
}

func (v *FileVault) deriveKey(passphrase string, salt []byte) error {
	p := v.file.KDF
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return fmt.Errorf("%w: invalid kdf params", ErrCorrupt)
	}
	key := argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("credential: cipher: %w", err)
	}
	v.aead = aead
	return nil
}

func (v *FileVault) seal(plain, ad []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credential: nonce: %w", err)
	}
	out := v.aead.Seal(nonce, nonce, plain, ad)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *FileVault) open(sealed string, ad []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	n := v.aead.NonceSize()
	if len(raw) < n {
		return nil, fmt.Errorf("%w: short entry", ErrCorrupt)
	}
	return v.aead.Open(nil, raw[:n], raw[n:], ad)
}

// flush writes the vault via a temp file and rename.
func (v *FileVault) flush() error {
	raw, err := json.MarshalIndent(v.file, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: encode vault: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("credential: vault dir: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("credential: write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("credential: replace vault: %w", err)
	}
	return nil
}

func (v *FileVault) StorePassword(_ context.Context, key model.PublicKey, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := key.String()
	sealed, err := v.seal([]byte(password), []byte(id))
	if err != nil {
		return err
	}
	prev, had := v.file.Entries[id]
	v.file.Entries[id] = sealed
	if err := v.flush(); err != nil {
		if had {
			v.file.Entries[id] = prev
		} else {
			delete(v.file.Entries, id)
		}
		return err
	}
	return nil
}

func (v *FileVault) RetrievePassword(_ context.Context, key model.PublicKey) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := key.String()
	sealed, ok := v.file.Entries[id]
	if !ok {
		return "", false, nil
	}
	plain, err := v.open(sealed, []byte(id))
	if err != nil {
		return "", false, fmt.Errorf("%w: entry %s", ErrCorrupt, id)
	}
	return string(plain), true, nil
}

func (v *FileVault) DeletePassword(_ context.Context, key model.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := key.String()
	prev, ok := v.file.Entries[id]
	if !ok {
		return nil
	}
	delete(v.file.Entries, id)
	if err := v.flush(); err != nil {
		v.file.Entries[id] = prev
		return err
	}
	return nil
}
