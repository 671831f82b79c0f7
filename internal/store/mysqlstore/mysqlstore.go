// Package mysqlstore opens the production storage backend: a real MySQL
// (or MySQL-wire-compatible) server via go-sql-driver/mysql.
package mysqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/claims-ingest/engine/internal/store/sqlstore"
)

// Open connects to dsn (a go-sql-driver/mysql DSN) and returns a ready
// store.Storage. The pool is sized for one ingestion process talking to a
// dedicated schema, not a shared multi-tenant pool.
func Open(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: opening %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: ping: %w", err)
	}

	return sqlstore.New(db), nil
}
