// Package acker confirms downstream receipt of a file back to its
// source: a DHPO SetTransactionDownloaded SOAP call, or a local rename
// into a done/ or error/ directory.
package acker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/claims-ingest/engine/internal/fetcher/soap"
)

// Outcome classifies how acknowledgement went.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTerminal
	OutcomeTransient
)

// Acker acknowledges one file identified by key (the fetcher-assigned
// identity: a DHPO transaction ID, or a local file path). facility is the
// fetcher-assigned facility label the file was downloaded for; sources
// without per-facility credentials ignore it.
type Acker interface {
	Ack(ctx context.Context, key, facility string, terminal bool) (Outcome, error)
}

// SOAPAcker acknowledges via the DHPO SetTransactionDownloaded call,
// using the credentials of the facility that produced the file.
type SOAPAcker struct {
	Fetcher *soap.Fetcher
}

func (a *SOAPAcker) Ack(ctx context.Context, key, facility string, terminal bool) (Outcome, error) {
	if err := a.Fetcher.SetTransactionDownloaded(ctx, facility, key); err != nil {
		if soap.IsPermanent(err) {
			return OutcomeTerminal, fmt.Errorf("acker: permanent ack failure for %s: %w", key, err)
		}
		return OutcomeTransient, fmt.Errorf("acker: transient ack failure for %s: %w", key, err)
	}
	return OutcomeOK, nil
}

// LocalFSAcker acknowledges by atomically renaming the source file into a
// done/ or error/ sibling directory, so a restarted watcher never re-emits
// a file it already handled.
type LocalFSAcker struct {
	DoneDir  string
	ErrorDir string
}

func (a *LocalFSAcker) Ack(ctx context.Context, key, facility string, terminal bool) (Outcome, error) {
	dest := a.DoneDir
	if terminal {
		dest = a.ErrorDir
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return OutcomeTransient, fmt.Errorf("acker: creating %s: %w", dest, err)
	}
	target := filepath.Join(dest, filepath.Base(key))
	if err := os.Rename(key, target); err != nil {
		return OutcomeTransient, fmt.Errorf("acker: renaming %s to %s: %w", key, target, err)
	}
	return OutcomeOK, nil
}
