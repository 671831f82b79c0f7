// Package factory selects and opens a storage backend from configuration,
// so the rest of the engine only ever depends on store.Storage.
package factory

import (
	"context"
	"fmt"

	"github.com/claims-ingest/engine/internal/store"
	"github.com/claims-ingest/engine/internal/store/doltstore"
	"github.com/claims-ingest/engine/internal/store/mysqlstore"
)

// Backend selects which concrete driver Open uses.
type Backend string

const (
	BackendMySQL Backend = "mysql"
	BackendDolt  Backend = "dolt"
)

// Options configures Open for either backend; only the fields the chosen
// Backend needs are read.
type Options struct {
	Backend Backend
	DSN     string // mysql
	DataDir string // dolt
	DBName  string // dolt
}

func Open(ctx context.Context, opts Options) (store.Storage, error) {
	switch opts.Backend {
	case BackendMySQL:
		return mysqlstore.Open(ctx, opts.DSN)
	case BackendDolt:
		return doltstore.Open(ctx, opts.DataDir, opts.DBName)
	default:
		return nil, fmt.Errorf("factory: unknown backend %q", opts.Backend)
	}
}
