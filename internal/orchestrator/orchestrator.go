// Package orchestrator wires fetchers, the work queue, the worker pool
// and ackers together into one run: the STARTING -> RUNNING -> DRAINING
// -> ENDED state machine.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/claims-ingest/engine/internal/acker"
	"github.com/claims-ingest/engine/internal/fetcher"
	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/queue"
	"github.com/claims-ingest/engine/internal/store"
	"github.com/claims-ingest/engine/internal/worker"
)

var (
	filesProcessed metric.Int64Counter
	queueDepth     metric.Int64Gauge
)

func init() {
	m := otel.Meter("claims-ingest/orchestrator")
	filesProcessed, _ = m.Int64Counter("claims_ingest.files_processed",
		metric.WithDescription("files completing the pipeline, by outcome"))
	queueDepth, _ = m.Int64Gauge("claims_ingest.queue_depth",
		metric.WithDescription("work items currently queued"))
}

// Config controls one Orchestrator run.
type Config struct {
	Workers            int
	Overflow           int
	QueueCapacity      int
	PauseThresholdPct  int
	ResumeThresholdPct int
	FileTimeout        time.Duration
	BackpressurePoll   time.Duration
}

// Source pairs one fetcher with the acker that confirms its deliveries.
type Source struct {
	Name    string
	Fetcher fetcher.Fetcher
	Acker   acker.Acker
}

// Orchestrator runs one ingestion cycle end to end.
type Orchestrator struct {
	cfg     Config
	sources []Source
	store   store.Storage
	pool    *worker.Pool

	// runMu guards run's counter fields, which are mutated both by each
	// source's onReady closure (which a fetcher may call from several
	// goroutines at once, e.g. the SOAP fetcher's downloads) and by
	// handleResult (one dedicated goroutine draining the pool).
	runMu sync.Mutex
	run   model.IngestionRun
}

func New(cfg Config, sources []Source, st store.Storage, pool *worker.Pool) *Orchestrator {
	return &Orchestrator{cfg: cfg, sources: sources, store: st, pool: pool}
}

// Run drives one full activation: start all fetchers and the worker
// pool, route results back to ackers, and watch queue occupancy for
// backpressure. Cancelling ctx begins DRAINING: fetchers stop first,
// then the queue closes and workers finish what is already buffered
// before the run records ENDED. A run also drains when every fetcher
// has exited on its own (e.g. a one-shot source ran dry).
func (o *Orchestrator) Run(ctx context.Context) error {
	run, err := o.store.InsertIngestionRun(ctx, model.IngestionRun{Status: model.RunStarting, StartedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("orchestrator: recording run start: %w", err)
	}
	o.run = run

	q := queue.New(o.cfg.QueueCapacity)

	// Fetchers stop on ctx; workers and the backpressure watcher get a
	// context that outlives it so draining finishes under a live context.
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var fetchers errgroup.Group
	for i := range o.sources {
		src := o.sources[i]
		fetchers.Go(func() error {
			onReady := func(ctx context.Context, key string, bytes []byte, facility string) error {
				item := queue.NewWorkItem(key, bytes, facility, "")
				o.runMu.Lock()
				o.run.Discovered++
				o.run.Pulled++
				o.runMu.Unlock()
				if o.cfg.BackpressurePoll <= 0 {
					q.Offer(item)
					return nil
				}
				if q.OfferWithRequeue(ctx, item, o.cfg.BackpressurePoll) == queue.Saturated {
					log.Printf("orchestrator: queue saturated, dropping file=%s for rediscovery", key)
				}
				return nil
			}
			if err := src.Fetcher.Start(fetchCtx, onReady); err != nil && fetchCtx.Err() == nil {
				return fmt.Errorf("fetcher %s: %w", src.Name, err)
			}
			return nil
		})
	}
	fetchersDone := make(chan error, 1)
	go func() { fetchersDone <- fetchers.Wait() }()

	poolDone := make(chan struct{})
	go func() {
		o.pool.Run(workCtx, q, o.run.ID)
		close(poolDone)
	}()

	go o.watchBackpressure(workCtx, q)

	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		for res := range o.pool.Results() {
			o.handleResult(workCtx, res)
		}
	}()

	o.runMu.Lock()
	o.run.Status = model.RunRunning
	running := o.run
	o.runMu.Unlock()
	_ = o.store.UpdateIngestionRun(ctx, running)

	var fetchErr error
	fetchersExited := false
	select {
	case <-ctx.Done():
	case fetchErr = <-fetchersDone:
		fetchersExited = true
	}

	o.runMu.Lock()
	o.run.Status = model.RunDraining
	draining := o.run
	o.runMu.Unlock()
	_ = o.store.UpdateIngestionRun(context.Background(), draining)

	// Producers must be idle before the queue closes.
	cancelFetch()
	if !fetchersExited {
		fetchErr = <-fetchersDone
	}
	q.Close()
	<-poolDone
	<-resultsDone
	cancelWork()

	ended := time.Now().UTC()
	o.runMu.Lock()
	o.run.Status = model.RunEnded
	o.run.EndedAt = &ended
	if fetchErr != nil {
		o.run.Reason = fetchErr.Error()
	}
	final := o.run
	o.runMu.Unlock()
	if uerr := o.store.UpdateIngestionRun(context.Background(), final); uerr != nil {
		return fmt.Errorf("orchestrator: recording run end: %w", uerr)
	}
	return fetchErr
}

// watchBackpressure pauses every source's fetcher when the queue's
// remaining capacity drops below the pause threshold, and resumes once it
// recovers past the (higher) resume threshold, implementing the
// pause/resume hysteresis that keeps sources from thrashing.
func (o *Orchestrator) watchBackpressure(ctx context.Context, q *queue.Queue) {
	interval := o.cfg.BackpressurePoll
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queueDepth.Record(ctx, int64(q.Size()))
			remaining := q.RemainingCapacity()
			pauseAt := q.Capacity() * o.cfg.PauseThresholdPct / 100
			resumeAt := q.Capacity() * o.cfg.ResumeThresholdPct / 100
			switch {
			case !paused && remaining <= pauseAt:
				paused = true
				for _, s := range o.sources {
					s.Fetcher.Pause()
				}
			case paused && remaining >= resumeAt:
				paused = false
				for _, s := range o.sources {
					s.Fetcher.Resume()
				}
			}
		}
	}
}

// handleResult applies the ack decision points: an already-processed file
// or a successful pipeline run is acked; a verification failure is never
// acked (left for manual reconciliation); a terminal parse/persist
// failure is acked with the terminal flag so the source does not keep
// redelivering it.
func (o *Orchestrator) handleResult(ctx context.Context, res worker.Result) {
	outcome := "ok"
	switch {
	case res.Persist.Already:
		outcome = "already"
	case !res.Outcome.OK:
		outcome = "failed"
	}
	filesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	src := o.sourceFor(res.Item.Facility)
	if src == nil {
		log.Printf("orchestrator: no source for facility=%q file=%s, dropping result", res.Item.Facility, res.Item.FileID)
		return
	}

	if res.Outcome.OK || res.Persist.Already {
		acked := true
		if _, err := src.Acker.Ack(ctx, res.Item.FileID, res.Item.Facility, false); err != nil {
			log.Printf("orchestrator: ack failed file=%s err=%v", res.Item.FileID, err)
			acked = false
		}
		o.runMu.Lock()
		if acked {
			o.run.AcksSent++
		}
		if res.Persist.Already {
			o.run.Already++
		} else {
			o.run.OK++
		}
		o.runMu.Unlock()
		return
	}

	if res.Outcome.Kind == model.ErrVerificationMismatch {
		log.Printf("orchestrator: verification mismatch file=%s reason=%q, leaving unacknowledged", res.Item.FileID, res.Outcome.Details)
		o.runMu.Lock()
		o.run.Failed++
		o.runMu.Unlock()
		return
	}

	if res.Terminal {
		if _, err := src.Acker.Ack(ctx, res.Item.FileID, res.Item.Facility, true); err != nil {
			log.Printf("orchestrator: terminal ack failed file=%s err=%v", res.Item.FileID, err)
		} else {
			o.runMu.Lock()
			o.run.AcksSent++
			o.runMu.Unlock()
		}
		log.Printf("orchestrator: file=%s failed terminally kind=%s reason=%q", res.Item.FileID, res.Outcome.Kind, res.Outcome.Details)
		o.runMu.Lock()
		o.run.Failed++
		o.runMu.Unlock()
		return
	}

	log.Printf("orchestrator: file=%s failed transiently kind=%s reason=%q, will retry on next run", res.Item.FileID, res.Outcome.Kind, res.Outcome.Details)
	o.runMu.Lock()
	o.run.Failed++
	o.runMu.Unlock()
}

func (o *Orchestrator) sourceFor(facility string) *Source {
	if len(o.sources) == 1 {
		return &o.sources[0]
	}
	for i := range o.sources {
		if o.sources[i].Name == facility {
			return &o.sources[i]
		}
	}
	if len(o.sources) > 0 {
		return &o.sources[0]
	}
	return nil
}
