//go:generate go run go.uber.org/mock/mockgen -source=directory.go -destination=../mocks/mock_directory.go -package=mocks
package server

// Directory is the account store the relay consults while dispatching.
// Every call runs on the event loop; an error drops the requesting
// connection.
type Directory interface {
	Login(name, ip string, port int) error
	Logout(name string) error
	Contacts(name string) ([]string, error)
	AddContact(owner, contact string) error
	RemoveContact(owner, contact string) error
	KnownUsers() ([]string, error)
}

// Authenticator is implemented by directories that keep account passwords.
// Accounts without a stored password accept any presence.
type Authenticator interface {
	Authenticate(name, password string) (bool, error)
}

// MessageRecorder is implemented by directories that keep per-user message
// counters.
type MessageRecorder interface {
	RecordMessage(sender, recipient string) error
}
