// Package fetcher defines the source-agnostic contract both the DHPO
// SOAP poller and the local-directory watcher implement.
package fetcher

import "context"

// OnReady is invoked once per discovered file. bytes is the raw file
// content; key is the fetcher-assigned identity handed back to Acker.Ack.
type OnReady func(ctx context.Context, key string, bytes []byte, facility string) error

// Fetcher discovers new files from one source and reports them via the
// OnReady callback passed to Start. Pause/Resume implement backpressure:
// a paused fetcher reports no new files until resumed (the SOAP poller
// skips its poll cycles; the LocalFS watcher keeps watching but does not
// emit).
type Fetcher interface {
	Start(ctx context.Context, onReady OnReady) error
	Pause()
	Resume()
}
