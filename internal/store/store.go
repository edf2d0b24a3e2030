// Package store provides persistent chat-server state backed by an embedded
// SQLite database: accounts, chats, memberships, messages, and friendship
// state. It owns the database lifecycle and exposes typed operations only;
// no caller ever sees query text.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string; never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Sentinel errors callers branch on. Driver failures are wrapped separately.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNothingToUpdate = errors.New("nothing to update")
	ErrNotVoiceChat    = errors.New("not a voice chat")
	ErrNotAdmin        = errors.New("not the chat admin")
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1: accounts; pass holds the password digest, never cleartext
	`CREATE TABLE IF NOT EXISTS Users (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		login TEXT NOT NULL UNIQUE,
		pass  TEXT NOT NULL,
		name  TEXT NOT NULL
	)`,
	// v2: chats
	`CREATE TABLE IF NOT EXISTS Chat (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		adminid     INTEGER NOT NULL,
		isVoiceChat INTEGER NOT NULL DEFAULT 0
	)`,
	// v3: memberships; parentuser records who brought the member in
	`CREATE TABLE IF NOT EXISTS UserInChat (
		chatid      INTEGER NOT NULL,
		userid      INTEGER NOT NULL,
		parentuser  INTEGER NOT NULL DEFAULT 0,
		isvoicechat INTEGER NOT NULL DEFAULT 0,
		UNIQUE(chatid, userid)
	)`,
	// v4: messages; date is milliseconds since the Unix epoch
	`CREATE TABLE IF NOT EXISTS Message (
		id     INTEGER PRIMARY KEY AUTOINCREMENT,
		text   TEXT NOT NULL,
		date   INTEGER NOT NULL,
		chatid INTEGER NOT NULL,
		userid INTEGER NOT NULL
	)`,
	// v5: accepted friendships, one symmetric row per pair (lower id first)
	`CREATE TABLE IF NOT EXISTS Friends (
		user_id   INTEGER NOT NULL,
		friend_id INTEGER NOT NULL,
		UNIQUE(user_id, friend_id)
	)`,
	// v6: friend requests
	`CREATE TABLE IF NOT EXISTS FriendRequests (
		requester_id INTEGER NOT NULL,
		requested_id INTEGER NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		UNIQUE(requester_id, requested_id)
	)`,
	// v7: history reads in chat order
	`CREATE INDEX IF NOT EXISTS idx_message_chat_date ON Message(chatid, date, id)`,
	// v8: membership lookups by user
	`CREATE INDEX IF NOT EXISTS idx_userinchat_user ON UserInChat(userid)`,
}

// User is one account row as exposed to callers.
type User struct {
	ID   int64
	Name string
}

// Chat is one chat row.
type Chat struct {
	ID      int64
	Name    string
	AdminID int64
	IsVoice bool
}

// MessageRow is one persisted chat message.
type MessageRow struct {
	ID       int64
	ChatID   int64
	UserID   int64
	UserName string
	Text     string
	Date     int64 // milliseconds since epoch
}

// Store wraps the SQLite database and exposes chat-server state operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any pending
// migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// WAL mode for concurrent readers; a busy timeout lets concurrent
	// transactions queue instead of failing with SQLITE_BUSY.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("sqlite WAL mode", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("sqlite busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// Authenticate looks an account up by login and digest equality. The caller
// passes the password digest, never the cleartext. Returns ErrNotFound when
// no account matches.
func (s *Store) Authenticate(ctx context.Context, login, passDigest string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM Users WHERE login = ? AND pass = ?`,
		login, passDigest,
	).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("authenticate: %w", err)
	}
	return u, nil
}

// Register creates a new account and returns its id. Returns
// ErrAlreadyExists when the login is taken.
func (s *Store) Register(ctx context.Context, login, passDigest, name string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("register: begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM Users WHERE login = ?`, login,
	).Scan(&exists)
	if err == nil {
		return 0, ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("register: check login: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO Users(login, pass, name) VALUES(?, ?, ?)`,
		login, passDigest, name,
	)
	if err != nil {
		return 0, fmt.Errorf("register: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("register: last id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("register: commit: %w", err)
	}
	slog.Debug("account registered", "user_id", id, "login", login)
	return id, nil
}

// UpdateAccount changes the display name and/or the password digest. Returns
// ErrNothingToUpdate when neither is given and ErrNotFound for unknown users.
func (s *Store) UpdateAccount(ctx context.Context, userID int64, newName, newPassDigest string) error {
	var (
		set  []string
		args []any
	)
	if newName != "" {
		set = append(set, "name = ?")
		args = append(args, newName)
	}
	if newPassDigest != "" {
		set = append(set, "pass = ?")
		args = append(args, newPassDigest)
	}
	if len(set) == 0 {
		return ErrNothingToUpdate
	}
	args = append(args, userID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE Users SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserName returns the display name for a user id.
func (s *Store) UserName(ctx context.Context, userID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM Users WHERE id = ?`, userID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("user name: %w", err)
	}
	return name, nil
}

// ListUsers returns every account, id order.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM Users ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SearchUsersByName returns accounts whose display name contains the term,
// case-insensitively.
func (s *Store) SearchUsersByName(ctx context.Context, term string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM Users WHERE name LIKE ? ORDER BY id`,
		"%"+term+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateChat inserts the chat row and the creator's membership in one
// transaction and returns the chat id.
func (s *Store) CreateChat(ctx context.Context, adminID int64, name string, isVoice bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("create chat: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO Chat(name, adminid, isVoiceChat) VALUES(?, ?, ?)`,
		name, adminID, boolToInt(isVoice),
	)
	if err != nil {
		return 0, fmt.Errorf("create chat: insert chat: %w", err)
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create chat: last id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO UserInChat(chatid, userid, parentuser, isvoicechat) VALUES(?, ?, ?, ?)`,
		chatID, adminID, adminID, boolToInt(isVoice),
	); err != nil {
		return 0, fmt.Errorf("create chat: insert membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("create chat: commit: %w", err)
	}
	slog.Debug("chat created", "chat_id", chatID, "admin_id", adminID, "voice", isVoice)
	return chatID, nil
}

// ChatByID returns one chat row. Returns ErrNotFound for unknown ids.
func (s *Store) ChatByID(ctx context.Context, chatID int64) (Chat, error) {
	var (
		c       Chat
		isVoice int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, adminid, isVoiceChat FROM Chat WHERE id = ?`, chatID,
	).Scan(&c.ID, &c.Name, &c.AdminID, &isVoice)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("chat by id: %w", err)
	}
	c.IsVoice = isVoice == 1
	return c, nil
}

// AddMembers inserts memberships for every invitee that exists, is not the
// inviter, and is not already in the chat. Insert-or-ignore semantics; the
// returned slice holds the invitees that passed the filter.
func (s *Store) AddMembers(ctx context.Context, chatID, parentUser int64, invitees []int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("add members: begin: %w", err)
	}
	defer tx.Rollback()

	var inserted []int64
	for _, id := range invitees {
		if id == parentUser {
			continue
		}
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM Users WHERE id = ?`, id,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("add members: check user: %w", err)
		}
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM UserInChat WHERE chatid = ? AND userid = ?`, chatID, id,
		).Scan(&one)
		if err == nil {
			continue // already a member
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("add members: check membership: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO UserInChat(chatid, userid, parentuser) VALUES(?, ?, ?)`,
			chatID, id, parentUser,
		); err != nil {
			return nil, fmt.Errorf("add members: insert: %w", err)
		}
		inserted = append(inserted, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("add members: commit: %w", err)
	}
	return inserted, nil
}

// IsMember reports whether the user belongs to the chat. Unknown chats
// report false.
func (s *Store) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM UserInChat WHERE chatid = ? AND userid = ?`,
		chatID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return true, nil
}

// RemoveMembership deletes one membership row. Removing an absent row is not
// an error.
func (s *Store) RemoveMembership(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM UserInChat WHERE chatid = ? AND userid = ?`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// ListChatsFor returns every chat the user is a member of.
func (s *Store) ListChatsFor(ctx context.Context, userID int64) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT Chat.id, Chat.name, Chat.adminid, Chat.isVoiceChat
		 FROM Chat JOIN UserInChat ON Chat.id = UserInChat.chatid
		 WHERE UserInChat.userid = ?
		 ORDER BY Chat.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var (
			c       Chat
			isVoice int
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.AdminID, &isVoice); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.IsVoice = isVoice == 1
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ListMembers returns the users currently in the chat.
func (s *Store) ListMembers(ctx context.Context, chatID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT Users.id, Users.name
		 FROM Users JOIN UserInChat ON Users.id = UserInChat.userid
		 WHERE UserInChat.chatid = ?
		 ORDER BY Users.id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AppendMessage persists one message and returns the assigned id. The
// timestamp is milliseconds since the Unix epoch.
func (s *Store) AppendMessage(ctx context.Context, chatID, userID int64, text string, tsMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO Message(text, date, chatid, userid) VALUES(?, ?, ?, ?)`,
		text, tsMs, chatID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: last id: %w", err)
	}
	slog.Debug("message persisted", "msg_id", id, "chat_id", chatID, "user_id", userID)
	return id, nil
}

// ListMessages returns the full history of a chat ordered by (date, id).
func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]MessageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT Message.id, Message.chatid, Message.userid, Users.name, Message.text, Message.date
		 FROM Message JOIN Users ON Users.id = Message.userid
		 WHERE Message.chatid = ?
		 ORDER BY Message.date, Message.id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.UserName, &m.Text, &m.Date); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteVoiceChat removes a voice chat with its memberships and messages.
// Only the chat admin may delete it, and only voice chats can be deleted
// this way.
func (s *Store) DeleteVoiceChat(ctx context.Context, userID, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete voice chat: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		isVoice int
		adminID int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT isVoiceChat, adminid FROM Chat WHERE id = ?`, chatID,
	).Scan(&isVoice, &adminID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete voice chat: lookup: %w", err)
	}
	if isVoice != 1 {
		return ErrNotVoiceChat
	}
	if adminID != userID {
		return ErrNotAdmin
	}

	for _, q := range []string{
		`DELETE FROM Message WHERE chatid = ?`,
		`DELETE FROM UserInChat WHERE chatid = ?`,
		`DELETE FROM Chat WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return fmt.Errorf("delete voice chat: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete voice chat: commit: %w", err)
	}
	slog.Debug("voice chat deleted", "chat_id", chatID, "admin_id", userID)
	return nil
}

// DeleteAccount removes every row referencing the user in one transaction:
// friendships, friend requests, memberships, messages, and the account row.
// Either everything goes or nothing does.
func (s *Store) DeleteAccount(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete account: begin: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		q    string
		args []any
	}{
		{`DELETE FROM Friends WHERE user_id = ? OR friend_id = ?`, []any{userID, userID}},
		{`DELETE FROM FriendRequests WHERE requester_id = ? OR requested_id = ?`, []any{userID, userID}},
		{`DELETE FROM UserInChat WHERE userid = ?`, []any{userID}},
		{`UPDATE UserInChat SET parentuser = 0 WHERE parentuser = ?`, []any{userID}},
		{`DELETE FROM Message WHERE userid = ?`, []any{userID}},
	}
	for _, st := range steps {
		if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM Users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete account: user row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete account: commit: %w", err)
	}
	slog.Debug("account deleted", "user_id", userID)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
