// Package sqlitestore is a store.Store adapter over SQLite (modernc.org/sqlite,
// no cgo). Each table keeps its lookup keys as columns and the full record as
// a JSON document.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/store"
)

const schemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		public_key TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL,
		UNIQUE(device_id, public_key)
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		device_id TEXT NOT NULL,
		idx INTEGER NOT NULL CHECK(idx >= 0 AND idx < 256),
		data TEXT NOT NULL,
		PRIMARY KEY(device_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		direction TEXT NOT NULL,
		contact_id TEXT NOT NULL DEFAULT '',
		channel_index INTEGER,
		session_id TEXT NOT NULL DEFAULT '',
		ack_code INTEGER NOT NULL DEFAULT 0,
		dedup_key TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL,
		created INTEGER NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ack ON messages(device_id, ack_code)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_dedup ON messages(session_id, dedup_key)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		public_key TEXT NOT NULL,
		prefix TEXT NOT NULL,
		data TEXT NOT NULL,
		UNIQUE(device_id, public_key)
	)`,
}

// Store implements store.Store on a single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("sqlitestore: enable WAL: %w", err)
	}
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("sqlitestore: read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("sqlitestore: apply schema: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("sqlitestore: write schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Devices() store.DeviceStore   { return deviceStore{s.db} }
func (s *Store) Contacts() store.ContactStore { return contactStore{s.db} }
func (s *Store) Channels() store.ChannelStore { return channelStore{s.db} }
func (s *Store) Messages() store.MessageStore { return messageStore{s.db} }
func (s *Store) Sessions() store.SessionStore { return sessionStore{s.db} }
func (s *Store) Close() error                 { return s.db.Close() }

var _ store.Store = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanOne[T any](row *sql.Row, what string) (*T, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, what)
		}
		return nil, fmt.Errorf("sqlitestore: %s: %w", what, err)
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode %s: %w", what, err)
	}
	return &v, nil
}

func scanAll[T any](rows *sql.Rows, err error) ([]T, error) {
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query: %w", err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: encode: %w", err)
	}
	return string(raw), nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, what)
	}
	return nil
}

// update runs a read-modify-write of one JSON document inside a transaction.
func update[T any](ctx context.Context, db *sql.DB, table, id string, fn func(*T)) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	what := fmt.Sprintf("%s %q", strings.TrimSuffix(table, "s"), id)
	v, err := scanOne[T](tx.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE id = ?", id), what)
	if err != nil {
		return err
	}
	fn(v)
	data, err := encode(v)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET data = ? WHERE id = ?", data, id); err != nil {
		return fmt.Errorf("sqlitestore: update %s: %w", what, err)
	}
	return tx.Commit()
}

// conflict reports another row holding (device_id, public_key).
func conflict(ctx context.Context, q querier, table, deviceID, key, id string) error {
	var other string
	err := q.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE device_id = ? AND public_key = ? AND id <> ?",
		deviceID, key, id).Scan(&other)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("sqlitestore: uniqueness check: %w", err)
	default:
		return fmt.Errorf("%w: %s exists as %s", store.ErrConflict, key, other)
	}
}

// ---------------------------------------------------------------------------
// devices
// ---------------------------------------------------------------------------

type deviceStore struct{ db *sql.DB }

func (s deviceStore) Get(ctx context.Context, id string) (*model.Device, error) {
	return scanOne[model.Device](s.db.QueryRowContext(ctx, "SELECT data FROM devices WHERE id = ?", id), "device "+id)
}

func (s deviceStore) List(ctx context.Context) ([]model.Device, error) {
	return scanAll[model.Device](s.db.QueryContext(ctx, "SELECT data FROM devices ORDER BY id"))
}

func (s deviceStore) Upsert(ctx context.Context, d *model.Device) error {
	if d.ID == "" {
		return fmt.Errorf("%w: device id required", store.ErrConflict)
	}
	data, err := encode(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO devices (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data",
		d.ID, data)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert device: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// contacts
// ---------------------------------------------------------------------------

type contactStore struct{ db *sql.DB }

func (s contactStore) Get(ctx context.Context, id string) (*model.Contact, error) {
	return scanOne[model.Contact](s.db.QueryRowContext(ctx, "SELECT data FROM contacts WHERE id = ?", id), "contact "+id)
}

func (s contactStore) GetByKey(ctx context.Context, deviceID string, key model.PublicKey) (*model.Contact, error) {
	return scanOne[model.Contact](s.db.QueryRowContext(ctx,
		"SELECT data FROM contacts WHERE device_id = ? AND public_key = ?", deviceID, key.String()),
		"contact "+key.String())
}

func (s contactStore) FindByPrefix(ctx context.Context, deviceID string, prefix []byte) (*model.Contact, error) {
	if len(prefix) == 0 {
		return nil, fmt.Errorf("%w: empty prefix", store.ErrNotFound)
	}
	return scanOne[model.Contact](s.db.QueryRowContext(ctx,
		"SELECT data FROM contacts WHERE device_id = ? AND substr(public_key, 1, ?) = ? LIMIT 1",
		deviceID, len(prefix)*2, fmt.Sprintf("%x", prefix)),
		fmt.Sprintf("contact prefix %x", prefix))
}

func (s contactStore) List(ctx context.Context, deviceID string) ([]model.Contact, error) {
	return scanAll[model.Contact](s.db.QueryContext(ctx,
		"SELECT data FROM contacts WHERE device_id = ? ORDER BY name, id", deviceID))
}

func (s contactStore) Upsert(ctx context.Context, c *model.Contact) error {
	if c.ID == "" {
		return fmt.Errorf("%w: contact id required", store.ErrConflict)
	}
	data, err := encode(c)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := conflict(ctx, tx, "contacts", c.DeviceID, c.PublicKey.String(), c.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO contacts (id, device_id, public_key, name, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id, public_key = excluded.public_key,
		name = excluded.name, data = excluded.data`,
		c.ID, c.DeviceID, c.PublicKey.String(), c.Name, data)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert contact: %w", err)
	}
	return tx.Commit()
}

func (s contactStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM contacts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete contact: %w", err)
	}
	return requireAffected(res, "contact "+id)
}

func (s contactStore) IncrementUnread(ctx context.Context, id string) error {
	return update(ctx, s.db, "contacts", id, func(c *model.Contact) { c.UnreadCount++ })
}

func (s contactStore) ClearUnread(ctx context.Context, id string) error {
	return update(ctx, s.db, "contacts", id, func(c *model.Contact) { c.UnreadCount = 0 })
}

func (s contactStore) UpdateLastMessage(ctx context.Context, id string, at time.Time) error {
	return update(ctx, s.db, "contacts", id, func(c *model.Contact) {
		if at.After(c.LastMessageAt) {
			c.LastMessageAt = at
		}
	})
}

// ---------------------------------------------------------------------------
// channels
// ---------------------------------------------------------------------------

type channelStore struct{ db *sql.DB }

func (s channelStore) Get(ctx context.Context, deviceID string, index uint8) (*model.Channel, error) {
	return scanOne[model.Channel](s.db.QueryRowContext(ctx,
		"SELECT data FROM channels WHERE device_id = ? AND idx = ?", deviceID, index),
		fmt.Sprintf("channel %d", index))
}

func (s channelStore) List(ctx context.Context, deviceID string) ([]model.Channel, error) {
	return scanAll[model.Channel](s.db.QueryContext(ctx,
		"SELECT data FROM channels WHERE device_id = ? ORDER BY idx", deviceID))
}

func (s channelStore) Upsert(ctx context.Context, ch *model.Channel) error {
	data, err := encode(ch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO channels (device_id, idx, data) VALUES (?, ?, ?)
		ON CONFLICT(device_id, idx) DO UPDATE SET data = excluded.data`,
		ch.DeviceID, ch.Index, data)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert channel: %w", err)
	}
	return nil
}

func (s channelStore) Delete(ctx context.Context, deviceID string, index uint8) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM channels WHERE device_id = ? AND idx = ?", deviceID, index)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete channel: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("channel %d", index))
}

// ---------------------------------------------------------------------------
// messages
// ---------------------------------------------------------------------------

type messageStore struct{ db *sql.DB }

func messageColumns(m *model.Message) ([]any, error) {
	data, err := encode(m)
	if err != nil {
		return nil, err
	}
	var channel any
	if m.ChannelIndex != nil {
		channel = int64(*m.ChannelIndex)
	}
	return []any{
		m.DeviceID, string(m.Kind), string(m.Direction), m.ContactID, channel, m.SessionID,
		int64(m.AckCode), m.DedupKey, m.Timestamp.UnixNano(), m.CreatedAt.UnixNano(), data, m.ID,
	}, nil
}

func (s messageStore) Get(ctx context.Context, id string) (*model.Message, error) {
	return scanOne[model.Message](s.db.QueryRowContext(ctx, "SELECT data FROM messages WHERE id = ?", id), "message "+id)
}

func (s messageStore) Insert(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		return fmt.Errorf("%w: message id required", store.ErrConflict)
	}
	args, err := messageColumns(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages
		(device_id, kind, direction, contact_id, channel_index, session_id, ack_code, dedup_key, ts, created, data, id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: message %q exists", store.ErrConflict, m.ID)
		}
		return fmt.Errorf("sqlitestore: insert message: %w", err)
	}
	return nil
}

func (s messageStore) Update(ctx context.Context, m *model.Message) error {
	args, err := messageColumns(m)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET
		device_id = ?, kind = ?, direction = ?, contact_id = ?, channel_index = ?, session_id = ?,
		ack_code = ?, dedup_key = ?, ts = ?, created = ?, data = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlitestore: update message: %w", err)
	}
	return requireAffected(res, "message "+m.ID)
}

func (s messageStore) FindByAck(ctx context.Context, deviceID string, ackCode uint32) (*model.Message, error) {
	return scanOne[model.Message](s.db.QueryRowContext(ctx,
		"SELECT data FROM messages WHERE device_id = ? AND ack_code = ? AND direction = ? ORDER BY created DESC LIMIT 1",
		deviceID, int64(ackCode), string(model.Outgoing)),
		fmt.Sprintf("ack %d", ackCode))
}

func (s messageStore) HasDedupKey(ctx context.Context, sessionID, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ? AND dedup_key = ?", sessionID, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: dedup lookup: %w", err)
	}
	return n > 0, nil
}

func (s messageStore) List(ctx context.Context, q store.MessageQuery) ([]model.Message, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if q.DeviceID != "" {
		add("device_id = ?", q.DeviceID)
	}
	if q.Kind != "" {
		add("kind = ?", string(q.Kind))
	}
	if q.ContactID != "" {
		add("contact_id = ?", q.ContactID)
	}
	if q.SessionID != "" {
		add("session_id = ?", q.SessionID)
	}
	if q.ChannelIndex != nil {
		add("channel_index = ?", int64(*q.ChannelIndex))
	}
	query := "SELECT data FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Limit <= 0 {
		return scanAll[model.Message](s.db.QueryContext(ctx, query+" ORDER BY ts, created", args...))
	}
	args = append(args, q.Limit)
	out, err := scanAll[model.Message](s.db.QueryContext(ctx, query+" ORDER BY ts DESC, created DESC LIMIT ?", args...))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// sessions
// ---------------------------------------------------------------------------

type sessionStore struct{ db *sql.DB }

func (s sessionStore) Get(ctx context.Context, id string) (*model.RemoteNodeSession, error) {
	return scanOne[model.RemoteNodeSession](s.db.QueryRowContext(ctx, "SELECT data FROM sessions WHERE id = ?", id), "session "+id)
}

func (s sessionStore) GetByKey(ctx context.Context, deviceID string, key model.PublicKey) (*model.RemoteNodeSession, error) {
	return scanOne[model.RemoteNodeSession](s.db.QueryRowContext(ctx,
		"SELECT data FROM sessions WHERE device_id = ? AND public_key = ?", deviceID, key.String()),
		"session "+key.String())
}

func (s sessionStore) FindByPrefix(ctx context.Context, deviceID string, prefix model.Prefix) (*model.RemoteNodeSession, error) {
	return scanOne[model.RemoteNodeSession](s.db.QueryRowContext(ctx,
		"SELECT data FROM sessions WHERE device_id = ? AND prefix = ? LIMIT 1", deviceID, prefix.String()),
		"session prefix "+prefix.String())
}

func (s sessionStore) List(ctx context.Context, deviceID string) ([]model.RemoteNodeSession, error) {
	if deviceID == "" {
		return scanAll[model.RemoteNodeSession](s.db.QueryContext(ctx, "SELECT data FROM sessions ORDER BY id"))
	}
	return scanAll[model.RemoteNodeSession](s.db.QueryContext(ctx,
		"SELECT data FROM sessions WHERE device_id = ? ORDER BY id", deviceID))
}

func (s sessionStore) Upsert(ctx context.Context, sess *model.RemoteNodeSession) error {
	if sess.ID == "" {
		return fmt.Errorf("%w: session id required", store.ErrConflict)
	}
	data, err := encode(sess)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := conflict(ctx, tx, "sessions", sess.DeviceID, sess.PublicKey.String(), sess.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (id, device_id, public_key, prefix, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id, public_key = excluded.public_key,
		prefix = excluded.prefix, data = excluded.data`,
		sess.ID, sess.DeviceID, sess.PublicKey.String(), sess.Prefix.String(), data)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert session: %w", err)
	}
	return tx.Commit()
}

func (s sessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete session: %w", err)
	}
	return requireAffected(res, "session "+id)
}

func (s sessionStore) IncrementUnread(ctx context.Context, id string) error {
	return update(ctx, s.db, "sessions", id, func(sess *model.RemoteNodeSession) { sess.UnreadCount++ })
}

func (s sessionStore) ResetUnread(ctx context.Context, id string) error {
	return update(ctx, s.db, "sessions", id, func(sess *model.RemoteNodeSession) { sess.UnreadCount = 0 })
}
