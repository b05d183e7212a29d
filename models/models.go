package models

import "time"

type User struct {
	ID        int64
	Name      string
	Password  string // hashed, empty when the account was never registered
	LastLogin time.Time
}

// ActiveUser is a user with a live session on the server.
type ActiveUser struct {
	Name      string
	IP        string
	Port      int
	LoginTime time.Time
}

type LoginRecord struct {
	Name string
	At   time.Time
	IP   string
	Port int
}

// MessageStats counts routed messages per user.
type MessageStats struct {
	Name      string
	LastLogin time.Time
	Sent      int
	Accepted  int
}
