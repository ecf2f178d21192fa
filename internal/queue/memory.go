package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

type memoryEntry struct {
	msg        models.QueueMessage
	deliveries int
	visibleAt  time.Time
	token      string
}

// Memory is an in-process queue. Visibility is tracked against the injected
// clock, so lease expiry can be driven by a mock clock in tests.
type Memory struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   []string
	tokens  map[string]string
	dead    []DeadLetter
	closed  bool
	notify  chan struct{}

	stats Stats
}

var _ Queue = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	opts.setDefaults()
	return &Memory{
		opts:    opts,
		entries: make(map[string]*memoryEntry),
		tokens:  make(map[string]string),
		notify:  make(chan struct{}, 1),
	}
}

func (q *Memory) Enqueue(ctx context.Context, msg models.QueueMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.opts.Clock.Now()
	}
	if _, exists := q.entries[msg.ID]; exists {
		return msg.ID, nil
	}
	q.entries[msg.ID] = &memoryEntry{msg: msg, visibleAt: q.opts.Clock.Now()}
	q.order = append(q.order, msg.ID)
	q.stats.Enqueued++

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return msg.ID, nil
}

// Receive leases up to maxBatch visible messages. When none are visible it
// waits up to the poll interval for an enqueue before returning empty.
func (q *Memory) Receive(ctx context.Context, maxBatch int, visibility time.Duration) ([]Delivery, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	deadline := q.opts.Clock.Now().Add(q.opts.PollInterval)
	for {
		out, err := q.lease(maxBatch, visibility)
		if err != nil || len(out) > 0 {
			return out, err
		}
		remaining := deadline.Sub(q.opts.Clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.opts.Clock.After(remaining):
		}
	}
}

func (q *Memory) lease(maxBatch int, visibility time.Duration) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	now := q.opts.Clock.Now()
	var out []Delivery
	kept := q.order[:0]
	for _, id := range q.order {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		if len(out) >= maxBatch || now.Before(e.visibleAt) {
			kept = append(kept, id)
			continue
		}
		if e.deliveries >= 1+q.opts.MaxRetries {
			q.deadLetter(e, now)
			continue
		}
		if e.token != "" {
			delete(q.tokens, e.token)
			q.stats.Redelivered++
		}
		e.deliveries++
		e.token = uuid.NewString()
		e.visibleAt = now.Add(visibility)
		q.tokens[e.token] = id
		q.stats.Delivered++

		msg := e.msg
		msg.Attempt = e.deliveries
		out = append(out, Delivery{Message: msg, Token: e.token})
		kept = append(kept, id)
	}
	q.order = kept
	return out, nil
}

func (q *Memory) deadLetter(e *memoryEntry, now time.Time) {
	delete(q.entries, e.msg.ID)
	delete(q.tokens, e.token)
	q.dead = append(q.dead, DeadLetter{
		Message:    e.msg,
		Deliveries: e.deliveries,
		Reason:     "visibility timeout exceeded on every delivery",
		At:         now,
	})
	q.stats.DeadLettered++
	q.opts.Logger.Warn("message dead-lettered",
		"message_id", e.msg.ID, "symbol", e.msg.Symbol, "timeframe", e.msg.Timeframe,
		"source", e.msg.Source, "deliveries", e.deliveries)
}

// Ack removes the message leased under token.
func (q *Memory) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	id, ok := q.tokens[token]
	if !ok {
		q.stats.StaleAcks++
		return ErrStaleAck
	}
	e := q.entries[id]
	if e == nil || e.token != token {
		q.stats.StaleAcks++
		return ErrStaleAck
	}
	delete(q.tokens, token)
	delete(q.entries, id)
	q.stats.Acked++
	return nil
}

func (q *Memory) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

func (q *Memory) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	now := q.opts.Clock.Now()
	for _, e := range q.entries {
		if now.Before(e.visibleAt) {
			st.InFlight++
		} else {
			st.Visible++
		}
	}
	st.DeadLetters = len(q.dead)
	return st
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
