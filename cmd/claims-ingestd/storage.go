package main

import (
	"context"
	"fmt"

	"github.com/claims-ingest/engine/internal/store"
	"github.com/claims-ingest/engine/internal/store/factory"
)

func openStorage(ctx context.Context) (store.Storage, error) {
	opts := factory.Options{
		Backend: factory.Backend(cfg.Storage.Backend),
		DSN:     cfg.Storage.DSN,
		DataDir: cfg.Storage.DataDir,
		DBName:  cfg.Storage.DBName,
	}
	st, err := factory.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", opts.Backend, err)
	}
	return st, nil
}
