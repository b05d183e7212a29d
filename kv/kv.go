// Package kv is a badger-backed account directory. Values are CBOR.
package kv

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"chatrelay/models"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/bcrypt"
)

var ErrUserExists = errors.New("user already registered")

// Key prefixes. Compound keys separate their parts with a NUL byte so
// account names may contain any printable character.
const (
	prefixUser    = "user:"
	prefixActive  = "active:"
	prefixLogin   = "login:"
	prefixContact = "contact:"
	prefixStats   = "stats:"
	sep           = "\x00"
)

type userRecord struct {
	Password  string `cbor:"1,keyasint,omitempty"`
	LastLogin int64  `cbor:"2,keyasint"`
}

type sessionRecord struct {
	IP   string `cbor:"1,keyasint"`
	Port int    `cbor:"2,keyasint"`
	At   int64  `cbor:"3,keyasint"`
}

type statsRecord struct {
	Sent     int `cbor:"1,keyasint"`
	Accepted int `cbor:"2,keyasint"`
}

type Store struct {
	db *badger.DB
}

// Open opens or creates the store in dir. Badger's own logging goes to log.
func Open(dir string, log *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log.With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return New(db)
}

// New wraps an open badger database.
func New(db *badger.DB) (*Store, error) {
	return &Store{db: db}, nil
}

// ResetSessions forgets every active user.
func (s *Store) ResetSessions() error {
	return s.db.DropPrefix([]byte(prefixActive))
}

func (s *Store) Close() error {
	return s.db.Close()
}

func userKey(name string) []byte { return []byte(prefixUser + name) }
func activeKey(name string) []byte { return []byte(prefixActive + name) }
func statsKey(name string) []byte { return []byte(prefixStats + name) }

func contactKey(owner, contact string) []byte {
	return []byte(prefixContact + owner + sep + contact)
}

// loginKey sorts by time within a user.
func loginKey(name string, at time.Time) []byte {
	return []byte(prefixLogin + name + sep + fmt.Sprintf("%020d", at.UnixNano()))
}

func get[T any](txn *badger.Txn, key []byte) (T, bool, error) {
	var v T
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	err = item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &v)
	})
	return v, err == nil, err
}

func put(txn *badger.Txn, key []byte, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// scan calls fn for every key under prefix, in key order.
func scan(txn *badger.Txn, prefix string, fn func(key string, item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if err := fn(string(item.Key()), item); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Register(name, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		user, found, err := get[userRecord](txn, userKey(name))
		if err != nil {
			return err
		}
		if found && user.Password != "" {
			return fmt.Errorf("%w: %s", ErrUserExists, name)
		}
		if !found {
			user.LastLogin = time.Now().UnixNano()
		}
		user.Password = string(hashed)
		return put(txn, userKey(name), user)
	})
}

func (s *Store) Authenticate(name, password string) (bool, error) {
	var user userRecord
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		user, found, err = get[userRecord](txn, userKey(name))
		return err
	})
	if err != nil {
		return false, err
	}
	if !found || user.Password == "" {
		return true, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) == nil, nil
}

func (s *Store) Login(name, ip string, port int) error {
	now := time.Now()
	return s.db.Update(func(txn *badger.Txn) error {
		user, _, err := get[userRecord](txn, userKey(name))
		if err != nil {
			return err
		}
		user.LastLogin = now.UnixNano()
		if err := put(txn, userKey(name), user); err != nil {
			return err
		}

		session := sessionRecord{IP: ip, Port: port, At: now.UnixNano()}
		if err := put(txn, activeKey(name), session); err != nil {
			return err
		}
		return put(txn, loginKey(name, now), session)
	})
}

func (s *Store) Logout(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(activeKey(name))
	})
}

func (s *Store) Contacts(owner string) ([]string, error) {
	contacts := []string{}
	prefix := prefixContact + owner + sep
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, func(key string, _ *badger.Item) error {
			contacts = append(contacts, strings.TrimPrefix(key, prefix))
			return nil
		})
	})
	return contacts, err
}

// AddContact is a no-op when either user is unknown.
func (s *Store) AddContact(owner, contact string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, name := range []string{owner, contact} {
			if _, err := txn.Get(userKey(name)); errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			} else if err != nil {
				return err
			}
		}
		return txn.Set(contactKey(owner, contact), nil)
	})
}

func (s *Store) RemoveContact(owner, contact string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(contactKey(owner, contact))
	})
}

func (s *Store) KnownUsers() ([]string, error) {
	users := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixUser)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			users = append(users, strings.TrimPrefix(string(it.Item().Key()), prefixUser))
		}
		return nil
	})
	return users, err
}

func (s *Store) RecordMessage(sender, recipient string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		sent, _, err := get[statsRecord](txn, statsKey(sender))
		if err != nil {
			return err
		}
		sent.Sent++
		if err := put(txn, statsKey(sender), sent); err != nil {
			return err
		}

		accepted, _, err := get[statsRecord](txn, statsKey(recipient))
		if err != nil {
			return err
		}
		accepted.Accepted++
		return put(txn, statsKey(recipient), accepted)
	})
}

func (s *Store) Users() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixUser, func(key string, item *badger.Item) error {
			var rec userRecord
			if err := item.Value(func(val []byte) error { return cbor.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			users = append(users, models.User{
				Name:      strings.TrimPrefix(key, prefixUser),
				Password:  rec.Password,
				LastLogin: time.Unix(0, rec.LastLogin).UTC(),
			})
			return nil
		})
	})
	return users, err
}

func (s *Store) ActiveUsers() ([]models.ActiveUser, error) {
	var users []models.ActiveUser
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixActive, func(key string, item *badger.Item) error {
			var rec sessionRecord
			if err := item.Value(func(val []byte) error { return cbor.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			users = append(users, models.ActiveUser{
				Name:      strings.TrimPrefix(key, prefixActive),
				IP:        rec.IP,
				Port:      rec.Port,
				LoginTime: time.Unix(0, rec.At).UTC(),
			})
			return nil
		})
	})
	return users, err
}

// LoginHistory returns the logins of name, or of everybody when name is
// empty, oldest first.
func (s *Store) LoginHistory(name string) ([]models.LoginRecord, error) {
	prefix := prefixLogin
	if name != "" {
		prefix += name + sep
	}

	var records []models.LoginRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, func(key string, item *badger.Item) error {
			user, stamp, ok := strings.Cut(strings.TrimPrefix(key, prefixLogin), sep)
			if !ok {
				return fmt.Errorf("malformed login key %q", key)
			}
			nanos, err := strconv.ParseInt(stamp, 10, 64)
			if err != nil {
				return fmt.Errorf("malformed login key %q: %w", key, err)
			}
			var rec sessionRecord
			if err := item.Value(func(val []byte) error { return cbor.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			records = append(records, models.LoginRecord{
				Name: user,
				At:   time.Unix(0, nanos).UTC(),
				IP:   rec.IP,
				Port: rec.Port,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(records, func(a, b models.LoginRecord) int {
		return a.At.Compare(b.At)
	})
	return records, nil
}

func (s *Store) MessageStats() ([]models.MessageStats, error) {
	users, err := s.Users()
	if err != nil {
		return nil, err
	}

	stats := make([]models.MessageStats, 0, len(users))
	err = s.db.View(func(txn *badger.Txn) error {
		for _, u := range users {
			rec, _, err := get[statsRecord](txn, statsKey(u.Name))
			if err != nil {
				return err
			}
			stats = append(stats, models.MessageStats{
				Name:      u.Name,
				LastLogin: u.LastLogin,
				Sent:      rec.Sent,
				Accepted:  rec.Accepted,
			})
		}
		return nil
	})
	return stats, err
}

// badgerLogger routes badger's printf logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
