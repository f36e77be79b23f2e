// Package datastore persists the server's durable state in SQLite: the
// channel tree, channel links, ACL rules, channel groups, registered
// users, and bans. The core reads this state at startup and on
// control-plane mutations; the voice datapath never touches it.
package datastore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iyara/mumble/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("datastore: not found")

// RootChannelID is the fixed id of the root of the channel tree.
const RootChannelID = 0

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("datastore: open: %w", err)
	}

	// WAL keeps control-plane writes from stalling reads.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("datastore: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS channels (
		id          INTEGER PRIMARY KEY,
		parent_id   INTEGER NOT NULL DEFAULT -1,
		name        TEXT    NOT NULL CHECK(length(name) > 0),
		description TEXT    NOT NULL DEFAULT '',
		inherit_acl INTEGER NOT NULL DEFAULT 1,
		position    INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT    NOT NULL
	);
	CREATE TABLE IF NOT EXISTS channel_links (
		a INTEGER NOT NULL,
		b INTEGER NOT NULL,
		PRIMARY KEY (a, b)
	);
	CREATE TABLE IF NOT EXISTS acl_entries (
		channel_id INTEGER NOT NULL,
		priority   INTEGER NOT NULL,
		user_id    INTEGER NOT NULL DEFAULT -1,
		grp        TEXT    NOT NULL DEFAULT '',
		apply_here INTEGER NOT NULL DEFAULT 1,
		apply_subs INTEGER NOT NULL DEFAULT 1,
		allow      INTEGER NOT NULL DEFAULT 0,
		deny       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (channel_id, priority)
	);
	CREATE TABLE IF NOT EXISTS group_members (
		channel_id INTEGER NOT NULL,
		grp        TEXT    NOT NULL,
		user_id    INTEGER NOT NULL,
		PRIMARY KEY (channel_id, grp, user_id)
	);
	CREATE TABLE IF NOT EXISTS users (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		name         TEXT    NOT NULL UNIQUE CHECK(length(name) > 0),
		pw_hash      BLOB,
		salt         BLOB,
		last_channel INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT    NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ip         TEXT    NOT NULL,
		mask       INTEGER NOT NULL,
		reason     TEXT    NOT NULL DEFAULT '',
		expires_at TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dbTimeLayout)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(dbTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EnsureRootChannel creates the root channel row if the tree is empty.
func (s *Store) EnsureRootChannel(name string) error {
	_, err := s.db.Exec(
		`INSERT INTO channels (id, parent_id, name, created_at)
		 SELECT ?, -1, ?, ? WHERE NOT EXISTS (SELECT 1 FROM channels WHERE id = ?)`,
		RootChannelID, name, encodeTime(time.Now()), RootChannelID)
	if err != nil {
		return fmt.Errorf("datastore: ensure root: %w", err)
	}
	return nil
}

// ListChannels returns all channels ordered by position then id.
func (s *Store) ListChannels() ([]model.Channel, error) {
	rows, err := s.db.Query(
		`SELECT id, parent_id, name, description, inherit_acl, position, created_at
		 FROM channels ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("datastore: list channels: %w", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var c model.Channel
		var created string
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Name, &c.Description, &c.InheritACL, &c.Position, &created); err != nil {
			return nil, fmt.Errorf("datastore: scan channel: %w", err)
		}
		c.CreatedAt = decodeTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateChannel inserts a channel and fills in its assigned id.
func (s *Store) CreateChannel(c *model.Channel) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("datastore: create channel: %w", err)
	}
	c.CreatedAt = time.Now()
	res, err := s.db.Exec(
		`INSERT INTO channels (parent_id, name, description, inherit_acl, position, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ParentID, c.Name, c.Description, c.InheritACL, c.Position, encodeTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create channel: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("datastore: create channel id: %w", err)
	}
	return nil
}

// SetChannelParent reparents a channel.
func (s *Store) SetChannelParent(id, parentID int64) error {
	_, err := s.db.Exec(`UPDATE channels SET parent_id = ? WHERE id = ?`, parentID, id)
	if err != nil {
		return fmt.Errorf("datastore: set channel parent: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel and its links, ACLs, and groups.
func (s *Store) DeleteChannel(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("datastore: delete channel: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, q := range []string{
		`DELETE FROM channels WHERE id = ?`,
		`DELETE FROM channel_links WHERE a = ?1 OR b = ?1`,
		`DELETE FROM acl_entries WHERE channel_id = ?`,
		`DELETE FROM group_members WHERE channel_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("datastore: delete channel: %w", err)
		}
	}
	return tx.Commit()
}

// ListLinks returns every link edge once, with A < B.
func (s *Store) ListLinks() ([]model.ChannelLink, error) {
	rows, err := s.db.Query(`SELECT a, b FROM channel_links ORDER BY a, b`)
	if err != nil {
		return nil, fmt.Errorf("datastore: list links: %w", err)
	}
	defer rows.Close()

	var out []model.ChannelLink
	for rows.Next() {
		var l model.ChannelLink
		if err := rows.Scan(&l.A, &l.B); err != nil {
			return nil, fmt.Errorf("datastore: scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AddLink records a symmetric link between two channels.
func (s *Store) AddLink(a, b int64) error {
	if a > b {
		a, b = b, a
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO channel_links (a, b) VALUES (?, ?)`, a, b)
	if err != nil {
		return fmt.Errorf("datastore: add link: %w", err)
	}
	return nil
}

// RemoveLink deletes a link edge.
func (s *Store) RemoveLink(a, b int64) error {
	if a > b {
		a, b = b, a
	}
	_, err := s.db.Exec(`DELETE FROM channel_links WHERE a = ? AND b = ?`, a, b)
	if err != nil {
		return fmt.Errorf("datastore: remove link: %w", err)
	}
	return nil
}

// ListACLEntries returns a channel's ACL rules in priority order.
func (s *Store) ListACLEntries(channelID int64) ([]model.ACLEntry, error) {
	rows, err := s.db.Query(
		`SELECT channel_id, priority, user_id, grp, apply_here, apply_subs, allow, deny
		 FROM acl_entries WHERE channel_id = ? ORDER BY priority`, channelID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list acl: %w", err)
	}
	defer rows.Close()

	var out []model.ACLEntry
	for rows.Next() {
		var e model.ACLEntry
		if err := rows.Scan(&e.ChannelID, &e.Priority, &e.UserID, &e.Group,
			&e.ApplyHere, &e.ApplySubs, &e.Allow, &e.Deny); err != nil {
			return nil, fmt.Errorf("datastore: scan acl: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceACLEntries swaps a channel's full rule list in one transaction.
func (s *Store) ReplaceACLEntries(channelID int64, entries []model.ACLEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("datastore: replace acl: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM acl_entries WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("datastore: replace acl: %w", err)
	}
	for i, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO acl_entries (channel_id, priority, user_id, grp, apply_here, apply_subs, allow, deny)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			channelID, i, e.UserID, e.Group, e.ApplyHere, e.ApplySubs, e.Allow, e.Deny); err != nil {
			return fmt.Errorf("datastore: replace acl: %w", err)
		}
	}
	return tx.Commit()
}

// ListGroupMembers returns the group membership rows for one channel.
func (s *Store) ListGroupMembers(channelID int64) ([]model.GroupMember, error) {
	rows, err := s.db.Query(
		`SELECT channel_id, grp, user_id FROM group_members WHERE channel_id = ? ORDER BY grp, user_id`,
		channelID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list groups: %w", err)
	}
	defer rows.Close()

	var out []model.GroupMember
	for rows.Next() {
		var g model.GroupMember
		if err := rows.Scan(&g.ChannelID, &g.Group, &g.UserID); err != nil {
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AddGroupMember inserts one membership row.
func (s *Store) AddGroupMember(channelID int64, group string, userID int64) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO group_members (channel_id, grp, user_id) VALUES (?, ?, ?)`,
		channelID, group, userID)
	if err != nil {
		return fmt.Errorf("datastore: add group member: %w", err)
	}
	return nil
}

// GetUserByName looks up a registered user.
func (s *Store) GetUserByName(name string) (*model.RegisteredUser, error) {
	var u model.RegisteredUser
	var created string
	err := s.db.QueryRow(
		`SELECT id, name, pw_hash, salt, last_channel, created_at FROM users WHERE name = ?`,
		name).Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Salt, &u.LastChannel, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.CreatedAt = decodeTime(created)
	return &u, nil
}

// RegisterUser creates a registered user and returns its id.
func (s *Store) RegisterUser(name string, pwHash, salt []byte) (int64, error) {
	if err := model.ValidateUsername(name); err != nil {
		return 0, fmt.Errorf("datastore: register user: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO users (name, pw_hash, salt, created_at) VALUES (?, ?, ?, ?)`,
		name, pwHash, salt, encodeTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("datastore: register user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("datastore: register user id: %w", err)
	}
	return id, nil
}

// SetLastChannel remembers where a registered user was last seen.
func (s *Store) SetLastChannel(userID, channelID int64) error {
	_, err := s.db.Exec(`UPDATE users SET last_channel = ? WHERE id = ?`, channelID, userID)
	if err != nil {
		return fmt.Errorf("datastore: set last channel: %w", err)
	}
	return nil
}

// ListBans returns all ban rows.
func (s *Store) ListBans() ([]model.Ban, error) {
	rows, err := s.db.Query(`SELECT id, ip, mask, reason, expires_at, created_at FROM bans`)
	if err != nil {
		return nil, fmt.Errorf("datastore: list bans: %w", err)
	}
	defer rows.Close()

	var out []model.Ban
	for rows.Next() {
		var b model.Ban
		var expires, created string
		if err := rows.Scan(&b.ID, &b.IP, &b.Mask, &b.Reason, &expires, &created); err != nil {
			return nil, fmt.Errorf("datastore: scan ban: %w", err)
		}
		b.ExpiresAt = decodeTime(expires)
		b.CreatedAt = decodeTime(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddBan inserts a ban and fills in its id.
func (s *Store) AddBan(b *model.Ban) error {
	b.CreatedAt = time.Now()
	res, err := s.db.Exec(
		`INSERT INTO bans (ip, mask, reason, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.IP, b.Mask, b.Reason, encodeTime(b.ExpiresAt), encodeTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: add ban: %w", err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("datastore: add ban id: %w", err)
	}
	return nil
}

// RemoveExpiredBans drops bans whose expiry has passed.
func (s *Store) RemoveExpiredBans(now time.Time) error {
	_, err := s.db.Exec(
		`DELETE FROM bans WHERE expires_at != '' AND expires_at < ?`, encodeTime(now))
	if err != nil {
		return fmt.Errorf("datastore: remove expired bans: %w", err)
	}
	return nil
}
