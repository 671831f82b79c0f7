// Package queue implements the bounded in-process work queue between
// fetchers and the worker pool, with explicit backpressure thresholds.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WorkItem is one file queued for processing.
type WorkItem struct {
	CorrelationID  string
	FileID         string
	Bytes          []byte
	Facility       string
	RootTypeHint   string
	SourceMetadata map[string]string
}

// NewWorkItem stamps a fresh correlation ID, used to tie together log
// lines and error rows for one file across parse/map/persist/aggregate.
func NewWorkItem(fileID string, bytes []byte, facility, rootTypeHint string) WorkItem {
	return WorkItem{
		CorrelationID: uuid.NewString(),
		FileID:        fileID,
		Bytes:         bytes,
		Facility:      facility,
		RootTypeHint:  rootTypeHint,
	}
}

// OfferResult reports what Offer/OfferWithRequeue did with an item.
type OfferResult int

const (
	Accepted OfferResult = iota
	Saturated
)

// Queue is a fixed-capacity, channel-backed FIFO with an atomic size
// counter so RemainingCapacity can be read without blocking producers or
// consumers.
type Queue struct {
	items  chan WorkItem
	cap    int
	size   int64
	closed int32
}

func New(capacity int) *Queue {
	return &Queue{items: make(chan WorkItem, capacity), cap: capacity}
}

// Offer attempts to enqueue item without blocking. Returns Saturated if
// the queue is full or closed.
func (q *Queue) Offer(item WorkItem) OfferResult {
	if atomic.LoadInt32(&q.closed) == 1 {
		return Saturated
	}
	select {
	case q.items <- item:
		atomic.AddInt64(&q.size, 1)
		return Accepted
	default:
		return Saturated
	}
}

// OfferWithRequeue retries a saturated offer once after a short sleep,
// then gives up; the caller (the orchestrator's onReady callback) then
// logs and drops the item, leaving the source file unacknowledged.
func (q *Queue) OfferWithRequeue(ctx context.Context, item WorkItem, retryDelay time.Duration) OfferResult {
	if r := q.Offer(item); r == Accepted {
		return Accepted
	}
	select {
	case <-ctx.Done():
		return Saturated
	case <-time.After(retryDelay):
	}
	return q.Offer(item)
}

// Take blocks until an item is available or ctx is cancelled.
func (q *Queue) Take(ctx context.Context) (WorkItem, bool) {
	select {
	case item, ok := <-q.items:
		if !ok {
			return WorkItem{}, false
		}
		atomic.AddInt64(&q.size, -1)
		return item, true
	case <-ctx.Done():
		return WorkItem{}, false
	}
}

// Close stops accepting new items. Consumers keep draining what is
// already buffered; once empty, Take returns false. The producers must
// have stopped before Close is called.
func (q *Queue) Close() {
	atomic.StoreInt32(&q.closed, 1)
	close(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	return atomic.LoadInt32(&q.closed) == 1
}

func (q *Queue) Capacity() int {
	return q.cap
}

func (q *Queue) Size() int {
	return int(atomic.LoadInt64(&q.size))
}

func (q *Queue) RemainingCapacity() int {
	return q.cap - q.Size()
}

// PauseThreshold is the remaining-capacity fraction (5%) below which
// fetchers should pause.
func (q *Queue) PauseThreshold() int {
	return q.cap * 5 / 100
}

// ResumeThreshold is the remaining-capacity fraction (30%) above which
// paused fetchers should resume.
func (q *Queue) ResumeThreshold() int {
	return q.cap * 30 / 100
}
