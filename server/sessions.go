package server

import (
	"slices"

	"github.com/samber/lo"
)

// sessionTable maps bound account names to their connection. It is owned
// by the event loop and never locked.
type sessionTable struct {
	byName map[string]*conn
}

func newSessionTable() *sessionTable {
	return &sessionTable{byName: make(map[string]*conn)}
}

// bind refuses a name that is already bound; the existing entry is kept.
func (t *sessionTable) bind(name string, c *conn) error {
	if _, taken := t.byName[name]; taken {
		return ErrNameCollision
	}
	t.byName[name] = c
	c.name = name
	return nil
}

func (t *sessionTable) lookup(name string) (*conn, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// boundTo reports whether name is bound to exactly c.
func (t *sessionTable) boundTo(name string, c *conn) bool {
	if name == "" {
		return false
	}
	bound, ok := t.byName[name]
	return ok && bound == c
}

// unbind removes c's entry, if any, and returns the name it held.
func (t *sessionTable) unbind(c *conn) (string, bool) {
	name := c.name
	if name == "" {
		return "", false
	}
	c.name = ""
	if t.byName[name] != c {
		return "", false
	}
	delete(t.byName, name)
	return name, true
}

func (t *sessionTable) names() []string {
	names := lo.Keys(t.byName)
	slices.Sort(names)
	return names
}

func (t *sessionTable) len() int {
	return len(t.byName)
}
