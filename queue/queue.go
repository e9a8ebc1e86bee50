// Package queue implements C7: a strictly FIFO admission layer bounding how
// many scrapes run at once. Entries wait in order behind a capacity the
// default configuration pins at 1, so browser resource use stays
// predictable; a bounded waiting list rejects submissions synchronously
// once full rather than growing without limit.
//
// The FIFO-slice shape is grounded on the teacher pack's
// internal/frontier/queue.go generic FIFOQueue; the admission gate is built
// on golang.org/x/sync/semaphore.Weighted, which grants acquirers in the
// order they call Acquire — the property FIFO admission needs that a plain
// mutex or buffered channel does not guarantee. Entry IDs use google/uuid,
// matching how the pack tags queue/crawl admissions.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/use-agent/extractengine/errs"
)

// DefaultMaxInFlight is the default concurrency cap (§9 Open Question:
// fixed at 1 by default, configurable).
const DefaultMaxInFlight = 1

// DefaultMaxWaiting is the bounded backlog size (§4.7).
const DefaultMaxWaiting = 100

// Event is a lifecycle notification broadcast on enqueue, start, and finish.
type Event struct {
	InFlightCount int
	InFlightURLs  []string
	MaxInFlight   int
}

// Observer receives lifecycle events. A panicking observer is recovered and
// never affects the queue; a misbehaving observer must not stall admission.
type Observer func(Event)

// Entry is one admitted unit of work.
type Entry struct {
	ID        string
	URL       string
	Submitted time.Time
}

// Queue is a FIFO admission gate with a bounded waiting list and a fixed
// in-flight concurrency cap.
type Queue struct {
	maxInFlight int
	maxWaiting  int
	sem         *semaphore.Weighted

	mu         sync.Mutex
	waiting    int
	inFlight   map[string]string // entry ID -> URL
	observers  []Observer
}

// New creates a Queue. maxInFlight <= 0 defaults to DefaultMaxInFlight;
// maxWaiting <= 0 defaults to DefaultMaxWaiting.
func New(maxInFlight, maxWaiting int) *Queue {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if maxWaiting <= 0 {
		maxWaiting = DefaultMaxWaiting
	}
	return &Queue{
		maxInFlight: maxInFlight,
		maxWaiting:  maxWaiting,
		sem:         semaphore.NewWeighted(int64(maxInFlight)),
		inFlight:    make(map[string]string),
	}
}

// Observe registers an observer for lifecycle events.
func (q *Queue) Observe(obs Observer) {
	q.mu.Lock()
	q.observers = append(q.observers, obs)
	q.mu.Unlock()
}

// ErrQueueFull is returned synchronously when the waiting list is at capacity.
var ErrQueueFull = errors.New("queue full")

// Submit blocks until it is this entry's turn to run (FIFO among
// concurrently waiting submitters, bounded by maxInFlight), then calls fn
// and releases the slot whether fn succeeds, fails, or panics. If the
// waiting list is already at capacity, Submit rejects immediately without
// ever touching fn. If ctx is cancelled before admission, the entry is
// withdrawn and a cancellation error is returned; cancellation once fn has
// started is best-effort — fn is allowed to finish its current step.
func (q *Queue) Submit(ctx context.Context, url string, fn func(ctx context.Context) error) error {
	q.mu.Lock()
	if q.waiting >= q.maxWaiting {
		q.mu.Unlock()
		return errs.New(errs.Unknown, "queue full", ErrQueueFull)
	}
	q.waiting++
	q.mu.Unlock()

	entryID := uuid.NewString()
	q.publish()

	admitted := false
	defer func() {
		if !admitted {
			q.mu.Lock()
			q.waiting--
			q.mu.Unlock()
		}
	}()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return errs.New(errs.Unknown, "cancelled before admission", ctx.Err())
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	q.waiting--
	admitted = true
	q.inFlight[entryID] = url
	q.mu.Unlock()
	q.publish()

	defer func() {
		q.mu.Lock()
		delete(q.inFlight, entryID)
		q.mu.Unlock()
		q.publish()
	}()

	return fn(ctx)
}

// publish broadcasts the current lifecycle snapshot to every observer,
// fire-and-forget. A panicking observer is contained so it cannot take
// down the queue or stall other observers.
func (q *Queue) publish() {
	q.mu.Lock()
	urls := make([]string, 0, len(q.inFlight))
	for _, u := range q.inFlight {
		urls = append(urls, u)
	}
	evt := Event{InFlightCount: len(urls), InFlightURLs: urls, MaxInFlight: q.maxInFlight}
	observers := make([]Observer, len(q.observers))
	copy(observers, q.observers)
	q.mu.Unlock()

	for _, obs := range observers {
		notify(obs, evt)
	}
}

func notify(obs Observer, evt Event) {
	defer func() { recover() }()
	obs(evt)
}
