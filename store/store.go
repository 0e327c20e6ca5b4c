// Package store persists chat accounts and the message log in SQLite.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/chat"
)

// DefaultDBFile is the SQLite file used when no path is given.
const DefaultDBFile = "server.db"

var (
	// ErrAuthFailed is returned on any failed login: unknown name, wrong
	// password or deactivated account. Callers must not tell those apart.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUserExists is returned by Signup for a taken username.
	ErrUserExists = errors.New("user already exists")
	// ErrNoSuchUser is returned by lookups and updates that matched no row.
	ErrNoSuchUser = errors.New("no such user")
)

// User is one account row without its credential columns.
type User struct {
	ID     string
	Name   string
	Active bool
	Admin  bool
}

// UserMessage is one persisted chat line joined with its author name.
type UserMessage struct {
	AuthorName string
	Message    string
	SentAt     time.Time
}

// Store wraps the SQLite database holding users and user_messages.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	observeQuery func(query string, d time.Duration)
}

type StoreOption func(s *Store)

// WithStoreLogger allows customizing store logger
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = logger
	}
}

// WithQueryObserver installs a callback receiving the duration of every
// store operation, keyed by operation name. Used to feed the SQL latency
// histogram.
func WithQueryObserver(f func(query string, d time.Duration)) StoreOption {
	return func(s *Store) {
		s.observeQuery = f
	}
}

// Open opens or creates the SQLite database at path and ensures the schema
// exists. A fresh database gets a bootstrap admin/admin account.
func Open(path string, options ...StoreOption) (*Store, error) {
	if path == "" {
		path = DefaultDBFile
	}
	// Foreign keys are off by default in SQLite. The busy timeout covers
	// the chat sessions and the web console writing concurrently.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s err=%w", path, err)
	}

	s := &Store{
		db:  db,
		log: log.Logger.With().Str("caller", "Store").Logger(),
	}
	for _, o := range options {
		o(s)
	}

	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Authenticate checks username and password against the stored digest.
// Deactivated accounts fail exactly like wrong credentials.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	defer s.observe("authenticate", time.Now())

	u, digest, salt, err := s.userByName(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrAuthFailed
		}
		return User{}, err
	}
	if !u.Active || digest != passwordDigest(password, salt) {
		return User{}, ErrAuthFailed
	}
	return u, nil
}

// Signup creates a new active, non admin account. The uniqueness check and
// the insert run in one transaction.
func (s *Store) Signup(ctx context.Context, username, password string) (User, error) {
	defer s.observe("signup", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin signup tx err=%w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, "select id from users where name=?", username).Scan(&existing)
	switch {
	case err == nil:
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, username)
	case !errors.Is(err, sql.ErrNoRows):
		return User{}, fmt.Errorf("signup lookup err=%w", err)
	}

	u := User{
		ID:     uuid.NewString(),
		Name:   username,
		Active: true,
	}
	salt := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		"insert into users(id, name, active, salt, password) values(?,?,?,?,?)",
		u.ID, username, 1, salt, passwordDigest(password, salt),
	)
	if err != nil {
		// The unique name index backstops a race between two signups.
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return User{}, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return User{}, fmt.Errorf("signup insert err=%w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("signup commit err=%w", err)
	}
	return u, nil
}

// ChangePassword stores a new digest under a fresh salt for the given user.
func (s *Store) ChangePassword(ctx context.Context, user User, newPassword string) error {
	defer s.observe("change_password", time.Now())

	salt := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		"update users set password=?, salt=? where id=?",
		passwordDigest(newPassword, salt), salt, user.ID,
	)
	if err != nil {
		return fmt.Errorf("change password err=%w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("change password err=%w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrNoSuchUser, user.Name)
	}
	return nil
}

// UpdateUser sets the admin and active flags of an account.
func (s *Store) UpdateUser(ctx context.Context, id string, admin, active bool) error {
	defer s.observe("update_user", time.Now())

	res, err := s.db.ExecContext(ctx,
		"update users set active=?, admin=? where id=?",
		boolInt(active), boolInt(admin), id,
	)
	if err != nil {
		return fmt.Errorf("update user err=%w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user err=%w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchUser, id)
	}
	return nil
}

// UserByID fetches one account.
func (s *Store) UserByID(ctx context.Context, id string) (User, error) {
	defer s.observe("user_by_id", time.Now())

	var (
		u             User
		active, admin int
	)
	err := s.db.QueryRowContext(ctx,
		"select id, name, active, admin from users where id=?", id,
	).Scan(&u.ID, &u.Name, &active, &admin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", ErrNoSuchUser, id)
	}
	if err != nil {
		return User{}, fmt.Errorf("user by id err=%w", err)
	}
	u.Active = active > 0
	u.Admin = admin > 0
	return u, nil
}

// AllUsers lists every account.
func (s *Store) AllUsers(ctx context.Context) ([]User, error) {
	defer s.observe("all_users", time.Now())

	rows, err := s.db.QueryContext(ctx, "select id, name, active, admin from users order by name")
	if err != nil {
		return nil, fmt.Errorf("all users err=%w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u             User
			active, admin int
		)
		if err := rows.Scan(&u.ID, &u.Name, &active, &admin); err != nil {
			return nil, fmt.Errorf("all users scan err=%w", err)
		}
		u.Active = active > 0
		u.Admin = admin > 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveMessage persists a loggable rendering of m for the message history.
// Messages without a text rendering, credentials and control traffic, are
// skipped without error.
func (s *Store) SaveMessage(ctx context.Context, user User, m chat.Message) error {
	defer s.observe("save_message", time.Now())

	text, ok := renderMessage(m)
	if !ok {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"insert into user_messages(id, author_id, message, sent_at_instant) values(?,?,?,?)",
		uuid.NewString(), user.ID, text, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save message err=%w", err)
	}
	return nil
}

// Messages returns the full message history, newest first.
func (s *Store) Messages(ctx context.Context) ([]UserMessage, error) {
	defer s.observe("messages", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		select u.name as author_name, m.message, m.sent_at_instant
		from user_messages m
			join users u on u.id = m.author_id
		order by m.sent_at_instant desc, m.rowid desc`)
	if err != nil {
		return nil, fmt.Errorf("messages err=%w", err)
	}
	defer rows.Close()

	var msgs []UserMessage
	for rows.Next() {
		var (
			um     UserMessage
			sentAt int64
		)
		if err := rows.Scan(&um.AuthorName, &um.Message, &sentAt); err != nil {
			return nil, fmt.Errorf("messages scan err=%w", err)
		}
		um.SentAt = time.Unix(sentAt, 0)
		msgs = append(msgs, um)
	}
	return msgs, rows.Err()
}

func (s *Store) userByName(ctx context.Context, name string) (User, string, string, error) {
	var (
		u             User
		active, admin int
		digest, salt  string
	)
	err := s.db.QueryRowContext(ctx,
		"select id, name, active, admin, password, salt from users where name=?", name,
	).Scan(&u.ID, &u.Name, &active, &admin, &digest, &salt)
	if err != nil {
		return User{}, "", "", err
	}
	u.Active = active > 0
	u.Admin = admin > 0
	return u, digest, salt, nil
}

func (s *Store) observe(query string, start time.Time) {
	if s.observeQuery != nil {
		s.observeQuery(query, time.Since(start))
	}
}

// renderMessage maps a chat message to its history line. Only text and
// attachment markers are stored, never attachment bytes.
func renderMessage(m chat.Message) (string, bool) {
	switch m := m.(type) {
	case *chat.Text:
		return m.Body, true
	case *chat.File:
		return fmt.Sprintf("[Shared file %s]", m.Name), true
	case *chat.Image:
		return "[Shared an image]", true
	}
	return "", false
}

func passwordDigest(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var initSQL = []string{
	`create table users (
		id       TEXT not null
			constraint users_pk
				primary key,
		name     TEXT,
		active   INTEGER,
		admin    INTEGER default 0,
		password TEXT not null,
		salt     TEXT not null
	)`,
	`create unique index uq_users_name on users (name)`,
	`create table user_messages (
		id              TEXT    not null
			constraint user_messages_pk
				primary key,
		author_id       TEXT    not null,
		message         TEXT    not null,
		sent_at_instant INTEGER not null,
		foreign key (author_id) references users (id)
	)`,
	`create index idx_user_messages_author_id on user_messages (author_id)`,
	`create index idx_user_messages_sent_at on user_messages (sent_at_instant desc)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		"select name from sqlite_master where type='table' and name in ('users','user_messages')")
	if err != nil {
		return fmt.Errorf("inspect schema err=%w", err)
	}
	found := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect schema err=%w", err)
		}
		found++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema err=%w", err)
	}
	if found == 2 {
		return nil
	}

	s.log.Info().Msg("Creating a new database as it did not exist before")
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx err=%w", err)
	}
	defer tx.Rollback()
	for _, stmt := range initSQL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema err=%w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create schema commit err=%w", err)
	}

	admin, err := s.Signup(ctx, "admin", "admin")
	if err != nil {
		return fmt.Errorf("bootstrap admin err=%w", err)
	}
	if err := s.UpdateUser(ctx, admin.ID, true, true); err != nil {
		return fmt.Errorf("bootstrap admin err=%w", err)
	}
	s.log.Warn().Msg("Created first admin user admin/admin, don't forget to change the credentials")
	return nil
}
