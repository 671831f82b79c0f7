// Package doltstore opens the embedded-dev/test storage backend: a
// local Dolt database via dolthub/driver, speaking the same MySQL wire
// dialect sqlstore targets.
package doltstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/dolthub/driver"

	"github.com/claims-ingest/engine/internal/store/sqlstore"
)

// Open opens (creating if absent) an embedded Dolt database rooted at
// dataDir, using dbName as the active database.
func Open(ctx context.Context, dataDir, dbName string) (*sqlstore.Store, error) {
	dsn := fmt.Sprintf("file://%s?commitname=claims-ingestd&commitemail=claims-ingestd@local&database=%s", dataDir, dbName)
	db, err := sql.Open("dolt", dsn)
	if err != nil {
		return nil, fmt.Errorf("doltstore: opening %w", err)
	}
	// Dolt's embedded engine serializes at the process level; more than one
	// connection just contends for the same lock.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("doltstore: ping: %w", err)
	}

	return sqlstore.New(db), nil
}
