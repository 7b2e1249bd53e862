package storage

import (
	"context"
	"errors"
	"strings"

	logx "ircbot/pkg/logx"
)

// Store is the persistence API used by the session recorder and the CLI.
type Store interface {
	AppendSession(ctx context.Context, e SessionEntry) error
	// RecentSessions returns up to n newest entries for server ("" = all), oldest first.
	RecentSessions(ctx context.Context, server string, n int) ([]SessionEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
