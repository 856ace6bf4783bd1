package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/meshlink/internal/config"
	"github.com/danmuck/meshlink/internal/credential"
	"github.com/danmuck/meshlink/internal/engine"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/danmuck/meshlink/internal/store/sqlitestore"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	errNoPassphrase    = errors.New("vault passphrase not set")
	errContactNotFound = errors.New("contact not found")
	errAmbiguous       = errors.New("contact reference is ambiguous")
)

// runtime is one process's wiring of store, vault and engine.
type runtime struct {
	cfg    config.Config
	store  store.Store
	vault  credential.Vault
	engine *engine.Engine
}

func openRuntime(c config.Config, syncOnConnect bool) (*runtime, error) {
	st, err := openStore(c.Store)
	if err != nil {
		return nil, err
	}
	vault, err := openVault(c.Credentials)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	ec := c.EngineConfig()
	ec.SyncOnConnect = syncOnConnect
	eng, err := engine.New(transport.NewTCP(c.TCPConfig()), st, vault, ec)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &runtime{cfg: c, store: st, vault: vault, engine: eng}, nil
}

func (r *runtime) Close() {
	r.engine.Close()
	if err := r.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
}

func openStore(c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		st, err := sqlitestore.Open(c.Path)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", c.Path, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", c.Driver)
	}
}

func openVault(c config.VaultConfig) (credential.Vault, error) {
	switch c.Kind {
	case config.VaultMemory:
		return credential.NewMemoryVault(), nil
	case config.VaultFile:
		pass := os.Getenv(c.PassphraseEnv)
		if pass == "" {
			return nil, fmt.Errorf("%w: export %s", errNoPassphrase, c.PassphraseEnv)
		}
		v, err := credential.OpenFileVault(c.Path, pass, credential.DefaultKDFParams())
		if err != nil {
			return nil, fmt.Errorf("open vault %s: %w", c.Path, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported credentials kind %q", c.Kind)
	}
}

// findContact resolves ref as a contact name (case-insensitive) or a hex
// public key prefix.
func findContact(ctx context.Context, st store.Store, deviceID, ref string) (*model.Contact, error) {
	ref = strings.TrimSpace(ref)
	list, err := st.Contacts().List(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	var byName []model.Contact
	for _, c := range list {
		if strings.EqualFold(c.Name, ref) {
			byName = append(byName, c)
		}
	}
	switch len(byName) {
	case 1:
		return &byName[0], nil
	case 0:
	default:
		return nil, fmt.Errorf("%w: %d contacts named %q", errAmbiguous, len(byName), ref)
	}

	prefix, err := hex.DecodeString(ref)
	if err != nil || len(prefix) == 0 {
		return nil, fmt.Errorf("%w: %q", errContactNotFound, ref)
	}
	var byKey []model.Contact
	for _, c := range list {
		if strings.HasPrefix(c.PublicKey.String(), strings.ToLower(ref)) {
			byKey = append(byKey, c)
		}
	}
	switch len(byKey) {
	case 0:
		return nil, fmt.Errorf("%w: %q", errContactNotFound, ref)
	case 1:
		return &byKey[0], nil
	default:
		return nil, fmt.Errorf("%w: %d keys start with %s", errAmbiguous, len(byKey), ref)
	}
}

// openSession returns the session for ref, creating it on first use, and
// logs in with password. An empty password falls back to the vault.
func (r *runtime) openSession(ctx context.Context, ref, password string) (*model.RemoteNodeSession, error) {
	contact, err := findContact(ctx, r.store, r.cfg.DeviceID, ref)
	if err != nil {
		return nil, err
	}
	var pw *string
	if password != "" {
		pw = &password
	}
	sess, err := r.engine.Nodes.CreateSession(ctx, r.cfg.DeviceID, *contact, pw)
	if err != nil {
		return nil, err
	}
	if sess.IsConnected && password == "" {
		return sess, nil
	}
	return r.engine.Nodes.Login(ctx, sess.ID, password)
}
