package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrUserExists = errors.New("user already registered")

// DB is the sqlite-backed account directory.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			last_login TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_users (
			user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			login_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			date_time TEXT NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			contact_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			UNIQUE(owner_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_stats (
			user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			sent INTEGER NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_user ON login_history(user_id, date_time)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// ResetSessions forgets every active user. Called once at server start,
// since a killed process never logs its sessions out.
func (db *DB) ResetSessions() error {
	_, err := db.conn.Exec("DELETE FROM active_users")
	return err
}

// Register creates an account with a bcrypt password. An account that only
// ever logged in without a password can be claimed this way once.
func (db *DB) Register(name, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := db.conn.Exec(
		`INSERT INTO users (name, password, last_login) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET password = excluded.password WHERE users.password = ''`,
		name, string(hashed), now,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrUserExists, name)
	}
	return nil
}

// Authenticate accepts any password for accounts without a stored one.
func (db *DB) Authenticate(name, password string) (bool, error) {
	var hashed string
	err := db.conn.QueryRow("SELECT password FROM users WHERE name = ?", name).Scan(&hashed)
	if err == sql.ErrNoRows || (err == nil && hashed == "") {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(name string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Login records a session start: the user is created on first sight, marked
// active and appended to the login history.
func (db *DB) Login(name, ip string, port int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRow(
		`INSERT INTO users (name, last_login) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_login = excluded.last_login
		 RETURNING id`,
		name, now,
	).Scan(&userID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO active_users (user_id, ip, port, login_time) VALUES (?, ?, ?, ?)",
		userID, ip, port, now,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO login_history (user_id, date_time, ip, port) VALUES (?, ?, ?, ?)",
		userID, now, ip, port,
	); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT OR IGNORE INTO message_stats (user_id) VALUES (?)", userID); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) Logout(name string) error {
	_, err := db.conn.Exec(
		"DELETE FROM active_users WHERE user_id = (SELECT id FROM users WHERE name = ?)",
		name,
	)
	return err
}

// Contact methods
func (db *DB) Contacts(owner string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT c.name FROM contacts
		 JOIN users o ON o.id = contacts.owner_id
		 JOIN users c ON c.id = contacts.contact_id
		 WHERE o.name = ?
		 ORDER BY c.name`,
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		contacts = append(contacts, name)
	}

	return contacts, rows.Err()
}

// AddContact is a no-op when either user is unknown or the contact is
// already present.
func (db *DB) AddContact(owner, contact string) error {
	_, err := db.conn.Exec(
		`INSERT OR IGNORE INTO contacts (owner_id, contact_id)
		 SELECT o.id, c.id FROM users o, users c WHERE o.name = ? AND c.name = ?`,
		owner, contact,
	)
	return err
}

func (db *DB) RemoveContact(owner, contact string) error {
	_, err := db.conn.Exec(
		`DELETE FROM contacts
		 WHERE owner_id = (SELECT id FROM users WHERE name = ?)
		   AND contact_id = (SELECT id FROM users WHERE name = ?)`,
		owner, contact,
	)
	return err
}

func (db *DB) KnownUsers() ([]string, error) {
	rows, err := db.conn.Query("SELECT name FROM users ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		users = append(users, name)
	}
	return users, rows.Err()
}

// RecordMessage bumps the sender's sent and the recipient's accepted counters.
func (db *DB) RecordMessage(sender, recipient string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	updates := []struct {
		query string
		name  string
	}{
		{"UPDATE message_stats SET sent = sent + 1 WHERE user_id = (SELECT id FROM users WHERE name = ?)", sender},
		{"UPDATE message_stats SET accepted = accepted + 1 WHERE user_id = (SELECT id FROM users WHERE name = ?)", recipient},
	}
	for _, u := range updates {
		if _, err := tx.Exec("INSERT OR IGNORE INTO message_stats (user_id) SELECT id FROM users WHERE name = ?", u.name); err != nil {
			return err
		}
		if _, err := tx.Exec(u.query, u.name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (db *DB) ActiveUsers() ([]models.ActiveUser, error) {
	rows, err := db.conn.Query(
		`SELECT u.name, a.ip, a.port, a.login_time FROM active_users a
		 JOIN users u ON u.id = a.user_id
		 ORDER BY u.name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.ActiveUser
	for rows.Next() {
		var u models.ActiveUser
		var loginTime string
		if err := rows.Scan(&u.Name, &u.IP, &u.Port, &loginTime); err != nil {
			return nil, err
		}
		if u.LoginTime, err = time.Parse(time.RFC3339Nano, loginTime); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LoginHistory returns the logins of name, or of everybody when name is
// empty, oldest first.
func (db *DB) LoginHistory(name string) ([]models.LoginRecord, error) {
	query := `SELECT u.name, h.date_time, h.ip, h.port FROM login_history h
		JOIN users u ON u.id = h.user_id`
	var args []any
	if name != "" {
		query += " WHERE u.name = ?"
		args = append(args, name)
	}
	query += " ORDER BY h.date_time, h.id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.LoginRecord
	for rows.Next() {
		var r models.LoginRecord
		var at string
		if err := rows.Scan(&r.Name, &at, &r.IP, &r.Port); err != nil {
			return nil, err
		}
		if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (db *DB) MessageStats() ([]models.MessageStats, error) {
	rows, err := db.conn.Query(
		`SELECT u.name, u.last_login, COALESCE(s.sent, 0), COALESCE(s.accepted, 0) FROM users u
		 LEFT JOIN message_stats s ON s.user_id = u.id
		 ORDER BY u.name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.MessageStats
	for rows.Next() {
		var s models.MessageStats
		var lastLogin string
		if err := rows.Scan(&s.Name, &lastLogin, &s.Sent, &s.Accepted); err != nil {
			return nil, err
		}
		if s.LastLogin, err = time.Parse(time.RFC3339Nano, lastLogin); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func (db *DB) Users() ([]models.User, error) {
	rows, err := db.conn.Query("SELECT id, name, password, last_login FROM users ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var lastLogin string
		if err := rows.Scan(&u.ID, &u.Name, &u.Password, &lastLogin); err != nil {
			return nil, err
		}
		if u.LastLogin, err = time.Parse(time.RFC3339Nano, lastLogin); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
