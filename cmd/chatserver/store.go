package main

import (
	"fmt"
	"log/slog"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/kv"
	"chatrelay/models"
	"chatrelay/server"
)

// store is what both account backends offer beyond the relay's Directory.
type store interface {
	server.Directory
	server.Authenticator
	server.MessageRecorder

	Register(name, password string) error
	ResetSessions() error
	Users() ([]models.User, error)
	ActiveUsers() ([]models.ActiveUser, error)
	LoginHistory(name string) ([]models.LoginRecord, error)
	MessageStats() ([]models.MessageStats, error)
	Close() error
}

var (
	_ store = (*db.DB)(nil)
	_ store = (*kv.Store)(nil)
)

func openStore(cfg *config.Server, log *slog.Logger) (store, error) {
	switch cfg.Store {
	case "sqlite":
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.DBPath, err)
		}
		return database, nil
	case "badger":
		return kv.Open(cfg.DBPath, log)
	default:
		return nil, &config.ValidationError{Field: "Store", Value: cfg.Store, Rule: "oneof"}
	}
}
