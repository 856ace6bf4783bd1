// Package model holds the engine's persisted records.
package model

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/meshlink/internal/protocol"
)

// NewID returns a random record id.
func NewID() string {
	return uuid.New().String()
}

// PublicKey is a node's stable identity.
type PublicKey [protocol.PublicKeySize]byte

// Prefix is the 6-byte public-key prefix used to match mesh replies.
type Prefix [protocol.PubKeyPrefixSize]byte

func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	err := decodeFixedHex(k[:], s, "public key")
	return k, err
}

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

func (k PublicKey) IsZero() bool { return k == PublicKey{} }

func (k PublicKey) Prefix() Prefix {
	var p Prefix
	copy(p[:], k[:])
	return p
}

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PublicKey) UnmarshalText(b []byte) error {
	parsed, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (p Prefix) String() string { return hex.EncodeToString(p[:]) }

func (p Prefix) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Prefix) UnmarshalText(b []byte) error {
	return decodeFixedHex(p[:], string(b), "prefix")
}

// Secret is a derived 16-byte channel key.
type Secret [protocol.SecretSize]byte

func (s Secret) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(s[:])), nil }

func (s *Secret) UnmarshalText(b []byte) error {
	return decodeFixedHex(s[:], string(b), "secret")
}

func decodeFixedHex(dst []byte, s, what string) error {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("model: %s: %w", what, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("model: %s: want %d bytes, got %d", what, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

// Device is the locally paired radio.
type Device struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	PublicKey         PublicKey `json:"public_key"`
	FirmwareVersion   string    `json:"firmware_version"`
	Model             string    `json:"model"`
	MaxContacts       int       `json:"max_contacts"`
	MaxChannels       int       `json:"max_channels"`
	ManualAddContacts bool      `json:"manual_add_contacts"`
	LastConnectedAt   time.Time `json:"last_connected_at"`
}

// Contact is a directory entry mirrored from the radio.
type Contact struct {
	ID            string               `json:"id"`
	DeviceID      string               `json:"device_id"`
	PublicKey     PublicKey            `json:"public_key"`
	Name          string               `json:"name"`
	Type          protocol.ContactType `json:"type"`
	Flags         byte                 `json:"flags"`
	PathLength    int8                 `json:"path_length"`
	Path          []byte               `json:"path,omitempty"`
	LastAdvert    time.Time            `json:"last_advert"`
	RawLastAdvert uint32               `json:"raw_last_advert,omitempty"`
	Latitude      float64              `json:"latitude"`
	Longitude     float64              `json:"longitude"`
	LastModified  uint32               `json:"last_modified"`
	IsArchived    bool                 `json:"is_archived"`
	IsPending     bool                 `json:"is_pending"`
	UnreadCount   int                  `json:"unread_count"`
	LastMessageAt time.Time            `json:"last_message_at"`
	Nickname      string               `json:"nickname,omitempty"`
}

// IsFloodRouted reports a contact with no known path.
func (c Contact) IsFloodRouted() bool { return c.PathLength < 0 }

// Channel is one configured broadcast slot.
type Channel struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Index    uint8  `json:"index"`
	Name     string `json:"name"`
	Secret   Secret `json:"secret"`
	Enabled  bool   `json:"enabled"`
}

// IsPublic reports the all-zero secret of the public channel.
func (c Channel) IsPublic() bool {
	return c.Secret == Secret{}
}

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
)

type MessageKind string

const (
	KindDirect  MessageKind = "direct"
	KindChannel MessageKind = "channel"
	KindRoom    MessageKind = "room"
	KindCLI     MessageKind = "cli"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Message is a sent or received text unit.
type Message struct {
	ID                 string        `json:"id"`
	DeviceID           string        `json:"device_id"`
	Kind               MessageKind   `json:"kind"`
	Direction          Direction     `json:"direction"`
	ContactID          string        `json:"contact_id,omitempty"`
	ChannelIndex       *uint8        `json:"channel_index,omitempty"`
	SessionID          string        `json:"session_id,omitempty"`
	Text               string        `json:"text"`
	Timestamp          time.Time     `json:"timestamp"`
	Status             MessageStatus `json:"status"`
	AckCode            uint32        `json:"ack_code,omitempty"`
	RoundTripMs        uint32        `json:"round_trip_ms,omitempty"`
	AttemptCount       int           `json:"attempt_count"`
	SenderPrefix       []byte        `json:"sender_prefix,omitempty"`
	AuthorPrefix       []byte        `json:"author_prefix,omitempty"`
	DedupKey           string        `json:"dedup_key,omitempty"`
	PathLength         int           `json:"path_length"`
	SNR                float32       `json:"snr,omitempty"`
	TimestampCorrected bool          `json:"timestamp_corrected,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Role is the kind of remote node a session talks to.
type Role string

const (
	RoleRoom     Role = "room"
	RoleRepeater Role = "repeater"
)

// RoleFor maps a contact type onto a session role.
func RoleFor(t protocol.ContactType) (Role, bool) {
	switch t {
	case protocol.ContactRoom:
		return RoleRoom, true
	case protocol.ContactRepeater:
		return RoleRepeater, true
	default:
		return "", false
	}
}

// Permission mirrors the remote node's ACL levels.
type Permission int

const (
	PermissionGuest Permission = iota
	PermissionReadOnly
	PermissionReadWrite
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionReadOnly:
		return "read_only"
	case PermissionReadWrite:
		return "read_write"
	case PermissionAdmin:
		return "admin"
	default:
		return "guest"
	}
}

func (p Permission) CanPost() bool { return p >= PermissionReadWrite }

func (p Permission) IsAdmin() bool { return p == PermissionAdmin }

// RemoteNodeSession is an authenticated session with a room or repeater.
type RemoteNodeSession struct {
	ID              string     `json:"id"`
	DeviceID        string     `json:"device_id"`
	PublicKey       PublicKey  `json:"public_key"`
	Prefix          Prefix     `json:"prefix"`
	Name            string     `json:"name"`
	Role            Role       `json:"role"`
	Permission      Permission `json:"permission"`
	IsConnected     bool       `json:"is_connected"`
	UnreadCount     int        `json:"unread_count"`
	LastLoginAt     time.Time  `json:"last_login_at"`
	LastKeepAliveAt time.Time  `json:"last_keep_alive_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Demote drops the session to guest and marks it disconnected.
func (s *RemoteNodeSession) Demote() {
	s.Permission = PermissionGuest
	s.IsConnected = false
}
