// Package model defines the persisted entities the server core consumes:
// registered users, the channel tree, ACL records, and bans.
package model

import (
	"errors"
	"net/netip"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	MaxUsernameLength    = 64
	MaxChannelNameLength = 64
	MaxChannelDescLength = 512
)

var (
	ErrUsernameEmpty        = errors.New("username must not be empty")
	ErrUsernameTooLong      = errors.New("username too long")
	ErrUsernameInvalidChars = errors.New("username contains invalid characters")

	ErrChannelNameEmpty   = errors.New("channel name must not be empty")
	ErrChannelNameTooLong = errors.New("channel name too long")
	ErrChannelDescTooLong = errors.New("channel description too long")
)

// RegisteredUser is a durable account. Connected-but-anonymous users have
// no RegisteredUser and carry a negative registered id in their session.
type RegisteredUser struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	PasswordHash []byte    `json:"-"`
	Salt         []byte    `json:"-"`
	LastChannel  int64     `json:"last_channel"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidateUsername checks a login name: ASCII letters, digits, hyphen and
// underscore only.
func ValidateUsername(name string) error {
	if name == "" {
		return ErrUsernameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		switch {
		case r > unicode.MaxASCII:
			return ErrUsernameInvalidChars
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// Channel is the persisted form of one node of the channel tree.
// ParentID is -1 for the root channel.
type Channel struct {
	ID          int64     `json:"id"`
	ParentID    int64     `json:"parent_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	InheritACL  bool      `json:"inherit_acl"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks a channel's name and description lengths.
func (c *Channel) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrChannelNameEmpty
	}
	if utf8.RuneCountInString(c.Name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}
	if utf8.RuneCountInString(c.Description) > MaxChannelDescLength {
		return ErrChannelDescTooLong
	}
	return nil
}

// ChannelLink is a symmetric link edge between two channels. The store
// keeps each edge once with A < B.
type ChannelLink struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

// ACLEntry is one persisted ACL rule on a channel. UserID is -1 when the
// rule targets a group instead of an individual user.
type ACLEntry struct {
	ChannelID int64  `json:"channel_id"`
	Priority  int    `json:"priority"`
	UserID    int64  `json:"user_id"`
	Group     string `json:"group"`
	ApplyHere bool   `json:"apply_here"`
	ApplySubs bool   `json:"apply_subs"`
	Allow     uint32 `json:"allow"`
	Deny      uint32 `json:"deny"`
}

// GroupMember is one persisted membership row of a channel-scoped group.
type GroupMember struct {
	ChannelID int64  `json:"channel_id"`
	Group     string `json:"group"`
	UserID    int64  `json:"user_id"`
}

// Ban blocks an address prefix. Mask is the prefix length in bits.
type Ban struct {
	ID        int64     `json:"id"`
	IP        string    `json:"ip"`
	Mask      int       `json:"mask"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"` // zero means permanent
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the ban applies at the given time.
func (b *Ban) Active(now time.Time) bool {
	return b.ExpiresAt.IsZero() || now.Before(b.ExpiresAt)
}

// Matches reports whether addr falls inside the banned prefix. A ban
// with an unparseable address never matches.
func (b *Ban) Matches(addr netip.Addr) bool {
	base, err := netip.ParseAddr(b.IP)
	if err != nil {
		return false
	}
	prefix, err := base.Prefix(b.Mask)
	if err != nil {
		return false
	}
	return prefix.Contains(addr.Unmap())
}
