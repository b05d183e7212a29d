package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestLoginCreatesUserAndSession(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.Login("alice", "127.0.0.1", 50001))

	users, err := database.KnownUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	active, err := database.ActiveUsers()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Name)
	assert.Equal(t, "127.0.0.1", active[0].IP)
	assert.Equal(t, 50001, active[0].Port)

	history, err := database.LoginHistory("alice")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLogoutKeepsHistory(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.Login("alice", "127.0.0.1", 50001))
	require.NoError(t, database.Logout("alice"))
	require.NoError(t, database.Login("alice", "127.0.0.1", 50002))
	require.NoError(t, database.Logout("alice"))

	active, err := database.ActiveUsers()
	require.NoError(t, err)
	assert.Empty(t, active)

	history, err := database.LoginHistory("")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 50001, history[0].Port)
	assert.Equal(t, 50002, history[1].Port)

	users, err := database.KnownUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func TestLogoutUnknownUser(t *testing.T) {
	database := newTestDB(t)
	assert.NoError(t, database.Logout("ghost"))
}

func TestContacts(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.Login("alice", "127.0.0.1", 1))
	require.NoError(t, database.Login("bob", "127.0.0.1", 2))
	require.NoError(t, database.Login("carol", "127.0.0.1", 3))

	contacts, err := database.Contacts("alice")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	require.NoError(t, database.AddContact("alice", "carol"))
	require.NoError(t, database.AddContact("alice", "bob"))
	require.NoError(t, database.AddContact("alice", "bob"))
	require.NoError(t, database.AddContact("alice", "ghost"))

	contacts, err = database.Contacts("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, contacts)

	require.NoError(t, database.RemoveContact("alice", "bob"))
	require.NoError(t, database.RemoveContact("alice", "ghost"))

	contacts, err = database.Contacts("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, contacts)

	contacts, err = database.Contacts("carol")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	database := newTestDB(t)

	ok, err := database.Authenticate("alice", "anything")
	require.NoError(t, err)
	assert.True(t, ok, "unknown accounts are open")

	require.NoError(t, database.Register("alice", "secret"))

	ok, err = database.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.Authenticate("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	err = database.Register("alice", "other")
	assert.ErrorIs(t, err, ErrUserExists)

	exists, err := database.UserExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRegisterClaimsOpenAccount(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.Login("bob", "127.0.0.1", 1))

	ok, err := database.Authenticate("bob", "")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, database.Register("bob", "hunter2"))

	ok, err = database.Authenticate("bob", "")
	require.NoError(t, err)
	assert.False(t, ok)

	users, err := database.Users()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEmpty(t, users[0].Password)
	assert.NotEqual(t, "hunter2", users[0].Password)
}

func TestRecordMessage(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.Login("alice", "127.0.0.1", 1))
	require.NoError(t, database.Login("bob", "127.0.0.1", 2))

	require.NoError(t, database.RecordMessage("alice", "bob"))
	require.NoError(t, database.RecordMessage("alice", "bob"))
	require.NoError(t, database.RecordMessage("bob", "alice"))

	stats, err := database.MessageStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "alice", stats[0].Name)
	assert.Equal(t, 2, stats[0].Sent)
	assert.Equal(t, 1, stats[0].Accepted)
	assert.Equal(t, "bob", stats[1].Name)
	assert.Equal(t, 1, stats[1].Sent)
	assert.Equal(t, 2, stats[1].Accepted)
}

func TestResetSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	database, err := New(path)
	require.NoError(t, err)
	require.NoError(t, database.Login("alice", "127.0.0.1", 1))
	require.NoError(t, database.Close())

	database, err = New(path)
	require.NoError(t, err)
	defer database.Close()

	active, err := database.ActiveUsers()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, database.ResetSessions())
	active, err = database.ActiveUsers()
	require.NoError(t, err)
	assert.Empty(t, active)

	users, err := database.KnownUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}
