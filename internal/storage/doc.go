// Package storage keeps an append-only audit trail of connection sessions.
//
// Every status transition a connection publishes is recorded so operators can
// see when and why a server link dropped and how long reconnects took. Two
// backends exist: "file" (JSON Lines) and "sqlite" (modernc.org/sqlite, no cgo).
package storage
