// Package worker runs the parse/map/persist/aggregate/verify pipeline
// against items pulled from the queue, with a bounded worker pool plus a
// secondary overflow pool for burst absorption.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/claims-ingest/engine/internal/aggregates"
	"github.com/claims-ingest/engine/internal/mapper"
	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/parser"
	"github.com/claims-ingest/engine/internal/persist"
	"github.com/claims-ingest/engine/internal/queue"
	"github.com/claims-ingest/engine/internal/refdata"
	"github.com/claims-ingest/engine/internal/store"
	"github.com/claims-ingest/engine/internal/verify"
)

// Result is handed back to the orchestrator once one WorkItem has run the
// full pipeline (or failed partway through it).
type Result struct {
	Item    queue.WorkItem
	Outcome model.Result
	Persist persistSummary
	// Terminal distinguishes a permanent failure (ack as failed, do not
	// retry) from a transient one (leave unacknowledged for a later run).
	Terminal bool
}

type persistSummary struct {
	Already             bool
	PersistedClaims     int
	PersistedActivities int
}

// Pool runs Workers goroutines pulling from q, plus an Overflow pool that
// only activates while the primary pool is fully busy, to absorb bursts
// without permanently over-provisioning.
type Pool struct {
	Workers  int
	Overflow int

	Store       store.Storage
	Resolver    *refdata.Resolver
	FileTimeout time.Duration

	results chan Result
}

// auditStatus maps a finished Result to the IngestionFileAudit.status
// taxonomy.
func auditStatus(result Result) model.FileAuditStatus {
	switch {
	case result.Persist.Already:
		return model.AuditAlready
	case result.Outcome.OK:
		return model.AuditOK
	case result.Terminal:
		return model.AuditFailedTerminal
	default:
		return model.AuditFailed
	}
}

// stageFor reports which pipeline stage an ErrorKind belongs to, for the
// IngestionError.stage column.
func stageFor(kind model.ErrorKind) string {
	switch kind {
	case model.ErrParseMalformed, model.ErrParseSchema:
		return "PARSE"
	case model.ErrMapRefResolution:
		return "MAP"
	case model.ErrPersistValidation, model.ErrPersistIntegrity, model.ErrPersistTransient, model.ErrPersistFatal:
		return "PERSIST"
	case model.ErrAggregateFailed:
		return "AGGREGATE"
	case model.ErrVerificationMismatch:
		return "VERIFY"
	case model.ErrTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

func NewPool(workers, overflow int, st store.Storage, resolver *refdata.Resolver, fileTimeout time.Duration) *Pool {
	return &Pool{
		Workers:     workers,
		Overflow:    overflow,
		Store:       st,
		Resolver:    resolver,
		FileTimeout: fileTimeout,
		results:     make(chan Result, workers+overflow),
	}
}

// Results is the channel the orchestrator reads completed items from.
func (p *Pool) Results() <-chan Result { return p.results }

// Run starts the primary and overflow worker goroutines against q and
// blocks until every worker has returned (the queue is closed and drained,
// or ctx is cancelled) and every in-flight item has finished, then closes
// Results.
// runID is stamped onto every IngestionFileAudit/IngestionError row this
// pool's workers write, tying them back to the IngestionRun that started
// this activation.
func (p *Pool) Run(ctx context.Context, q *queue.Queue, runID int64) {
	var wg sync.WaitGroup
	busy := make(chan struct{}, p.Workers)

	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, q, busy, runID)
		}()
	}
	for i := 0; i < p.Overflow; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.overflowLoop(ctx, q, busy, runID)
		}()
	}

	wg.Wait()
	close(p.results)
}

func (p *Pool) loop(ctx context.Context, q *queue.Queue, busy chan struct{}, runID int64) {
	for {
		item, ok := q.Take(ctx)
		if !ok {
			return
		}
		select {
		case busy <- struct{}{}:
		default:
		}
		p.results <- p.process(ctx, item, runID)
		select {
		case <-busy:
		default:
		}
	}
}

// overflowLoop only takes work when the primary pool looks saturated
// (busy is at capacity), so idle overflow workers never starve the
// primary pool of items under normal load. A closed queue ends the loop
// so pool shutdown is not held up by an idle overflow worker.
func (p *Pool) overflowLoop(ctx context.Context, q *queue.Queue, busy chan struct{}, runID int64) {
	for {
		if len(busy) < cap(busy) && !q.Closed() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		item, ok := q.Take(ctx)
		if !ok {
			return
		}
		p.results <- p.process(ctx, item, runID)
	}
}

// process runs the full pipeline for one item: Parse, Map, Persist,
// per-claim Aggregate, Verify. A per-file deadline bounds the whole
// pipeline; exceeding it yields a TIMEOUT result rather than blocking the
// worker indefinitely on a stuck downstream dependency.
//
// Every exit path writes exactly one IngestionFileAudit row (plus an
// IngestionError row when the file did not succeed), via the deferred
// finalizer below, so the audit table stays complete regardless of which
// stage the pipeline stopped at.
func (p *Pool) process(ctx context.Context, item queue.WorkItem, runID int64) (result Result) {
	start := time.Now()
	var parsedClaims, parsedActivities int
	var out persist.Outcome
	var verified bool

	defer func() {
		p.finalize(item, runID, result, out, parsedClaims, parsedActivities, verified, time.Since(start))
	}()

	if p.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.FileTimeout)
		defer cancel()
	}

	parsed, perr := parser.Parse(item.Bytes, item.FileID)
	if perr != nil {
		result = Result{Item: item, Outcome: parseOutcome(perr), Terminal: true}
		return
	}
	parsedClaims = parsed.Counts.ParsedClaims
	parsedActivities = parsed.Counts.ParsedActivities

	file := model.IngestionFile{
		FileID:          item.FileID,
		RootType:        parsed.Root,
		SenderID:        parsed.Header.SenderID,
		ReceiverID:      parsed.Header.ReceiverID,
		TransactionDate: parsed.Header.TransactionDate,
		RecordCount:     parsed.Counts.Total(),
		Facility:        item.Facility,
	}

	scope := p.Resolver.PerFileCache()
	rs, merr := mapper.Map(ctx, parsed, file, scope)
	if merr != nil {
		if ctx.Err() != nil {
			result = Result{Item: item, Outcome: model.Fail(model.ErrTimeout, "map exceeded file timeout"), Terminal: false}
			return
		}
		result = Result{Item: item, Outcome: model.Fail(model.ErrMapRefResolution, "%v", merr), Terminal: true}
		return
	}

	var perr2 error
	out, perr2 = persist.Persist(ctx, p.Store, rs)
	if perr2 != nil {
		if ctx.Err() != nil {
			result = Result{Item: item, Outcome: model.Fail(model.ErrTimeout, "persist exceeded file timeout"), Terminal: false}
			return
		}
		result = Result{Item: item, Outcome: persistOutcome(perr2), Terminal: !store.IsRetryable(perr2)}
		return
	}

	summary := persistSummary{Already: out.Already, PersistedClaims: out.PersistedClaims, PersistedActivities: out.PersistedActivities}
	if out.Already {
		result = Result{Item: item, Outcome: model.Ok(), Persist: summary}
		return
	}

	if err := p.runAggregates(ctx, out.TouchedClaimKeys); err != nil {
		if ctx.Err() != nil {
			result = Result{Item: item, Outcome: model.Fail(model.ErrTimeout, "aggregates exceeded file timeout"), Persist: summary, Terminal: false}
			return
		}
		result = Result{Item: item, Outcome: model.Fail(model.ErrAggregateFailed, "%v", err), Persist: summary, Terminal: false}
		return
	}

	vres, verr := p.runVerify(ctx, rs, out.TouchedClaimKeys)
	if verr != nil {
		if ctx.Err() != nil {
			result = Result{Item: item, Outcome: model.Fail(model.ErrTimeout, "verify exceeded file timeout"), Persist: summary, Terminal: false}
			return
		}
		result = Result{Item: item, Outcome: model.Fail(model.ErrVerificationMismatch, "%v", verr), Persist: summary, Terminal: false}
		return
	}
	verified = vres.OK
	if !vres.OK {
		result = Result{Item: item, Outcome: model.Fail(model.ErrVerificationMismatch, "%v", vres.Reasons), Persist: summary, Terminal: false}
		return
	}

	result = Result{Item: item, Outcome: model.Ok(), Persist: summary}
	return
}

// finalize writes the single IngestionFileAudit row for this file, plus an
// IngestionError row when the run did not succeed, in their own
// transaction against a background-derived context so the write survives
// the per-file context's cancellation or timeout.
func (p *Pool) finalize(item queue.WorkItem, runID int64, result Result, out persist.Outcome, parsedClaims, parsedActivities int, verified bool, elapsed time.Duration) {
	ctx := context.Background()

	audit := model.IngestionFileAudit{
		RunID:               runID,
		FileID:              item.FileID,
		Status:              auditStatus(result),
		ParsedClaims:        parsedClaims,
		ParsedActivities:    parsedActivities,
		PersistedClaims:     out.PersistedClaims,
		PersistedActivities: out.PersistedActivities,
		VerificationOK:      verified,
		Duration:            elapsed,
		TotalGross:          out.TotalGross,
		TotalNet:            out.TotalNet,
		TotalPatientShare:   out.TotalPatientShare,
		UniquePayers:        out.UniquePayers,
		UniqueProviders:     out.UniqueProviders,
	}
	if !result.Outcome.OK {
		audit.Reason = result.Outcome.Details
		audit.ErrorClass = string(result.Outcome.Kind)
		audit.ErrorMessage = result.Outcome.Details
	}

	err := p.Store.WithRetry(ctx, func(ctx context.Context) error {
		tx, err := p.Store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("worker: begin audit tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		if err := tx.InsertIngestionFileAudit(ctx, audit); err != nil {
			return fmt.Errorf("worker: insert ingestion_file_audit: %w", err)
		}
		if !result.Outcome.OK {
			if err := tx.InsertIngestionError(ctx, model.IngestionError{
				RunID:      runID,
				FileID:     item.FileID,
				Stage:      stageFor(result.Outcome.Kind),
				ObjectType: "FILE",
				ErrorCode:  string(result.Outcome.Kind),
				Message:    result.Outcome.Details,
				Retryable:  result.Outcome.Kind.Retryable(),
				OccurredAt: time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("worker: insert ingestion_error: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("worker: commit audit tx: %w", err)
		}
		committed = true
		return nil
	})
	if err != nil {
		log.Printf("worker: writing audit for file=%s failed: %v", item.FileID, err)
	}
}

// runAggregates recalculates both projections for each touched claim key
// inside its own short transaction, under LockClaimKey, so concurrent
// workers touching the same claim serialize rather than race.
func (p *Pool) runAggregates(ctx context.Context, claimKeys []int64) error {
	for _, ck := range claimKeys {
		err := p.Store.WithRetry(ctx, func(ctx context.Context) error {
			tx, err := p.Store.Begin(ctx)
			if err != nil {
				return fmt.Errorf("worker: begin aggregate tx: %w", err)
			}
			committed := false
			defer func() {
				if !committed {
					_ = tx.Rollback()
				}
			}()

			if err := tx.LockClaimKey(ctx, ck); err != nil {
				return fmt.Errorf("worker: lock claim_key %d: %w", ck, err)
			}
			if err := aggregates.RecalculateActivitySummary(ctx, tx, ck); err != nil {
				return err
			}
			if err := aggregates.RecalculateClaimPayment(ctx, tx, ck); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("worker: commit aggregate tx: %w", err)
			}
			committed = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("claim_key %d: %w", ck, err)
		}
	}
	return nil
}

func (p *Pool) runVerify(ctx context.Context, rs *mapper.RowSet, touched []int64) (verify.Result, error) {
	var result verify.Result
	err := p.Store.WithRetry(ctx, func(ctx context.Context) error {
		tx, err := p.Store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("worker: begin verify tx: %w", err)
		}
		defer tx.Rollback()
		result, err = verify.Verify(ctx, tx, rs, touched)
		return err
	})
	return result, err
}

func parseOutcome(err error) model.Result {
	if pe, ok := err.(*model.ParseError); ok {
		return model.Fail(pe.ErrorKind(), "%v", pe)
	}
	return model.Fail(model.ErrParseMalformed, "%v", err)
}

func persistOutcome(err error) model.Result {
	if r, ok := err.(model.Result); ok {
		return r
	}
	if store.IsRetryable(err) {
		return model.Fail(model.ErrPersistTransient, "%v", err)
	}
	return model.Fail(model.ErrPersistFatal, "%v", err)
}
