// Package credential stores remote-node passwords keyed by node public key.
package credential

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/meshlink/internal/model"
)

var (
	ErrBadPassphrase = errors.New("credential: vault passphrase rejected")
	ErrCorrupt       = errors.New("credential: vault file corrupt")
)

// Vault is the secure credential port. Retrieve reports ok=false when no
// password is stored; Delete of an absent key is not an error.
type Vault interface {
	StorePassword(ctx context.Context, key model.PublicKey, password string) error
	RetrievePassword(ctx context.Context, key model.PublicKey) (string, bool, error)
	DeletePassword(ctx context.Context, key model.PublicKey) error
}

// MemoryVault keeps passwords in process memory.
type MemoryVault struct {
	mu        sync.RWMutex
	passwords map[model.PublicKey]string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{passwords: make(map[model.PublicKey]string)}
}

func (v *MemoryVault) StorePassword(_ context.Context, key model.PublicKey, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.passwords[key] = password
	return nil
}

func (v *MemoryVault) RetrievePassword(_ context.Context, key model.PublicKey) (string, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.passwords[key]
	return p, ok, nil
}

func (v *MemoryVault) DeletePassword(_ context.Context, key model.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.passwords, key)
	return nil
}

var (
	_ Vault = (*MemoryVault)(nil)
	_ Vault = (*FileVault)(nil)
)
