// Package stores provides the SQLite persistence layer for devloop.
// It keeps the latest snapshot of every workflow execution, the append-only
// transition history, every validation attempt and the notification events,
// with WAL mode, connection pooling and embedded golang-migrate migrations.
package stores
