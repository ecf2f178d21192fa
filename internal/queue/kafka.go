package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/segmentio/kafka-go"
)

const (
	// batchLinger bounds how long Receive keeps filling a batch once the
	// first message has arrived.
	batchLinger    = 50 * time.Millisecond
	maxDeadLetters = 1000
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaLease struct {
	raw       kafka.Message
	msg       models.QueueMessage
	expiresAt time.Time
}

// Kafka is a queue backed by a Kafka topic and consumer group.
//
// Kafka has no per-message visibility, so leases are kept in process. An
// expired lease is re-published with Attempt+1, or written to the
// "<topic>.dlq" topic once MaxRetries is reached. Offsets are committed only
// up to the lowest offset that has not finished in each partition.
type Kafka struct {
	opts   Options
	topic  string
	reader kafkaReader
	writer kafkaWriter
	dlq    kafkaWriter

	mu      sync.Mutex
	leases  map[string]*kafkaLease
	offsets *offsetTracker
	dead    []DeadLetter
	closed  bool
	stats   Stats
}

var _ Queue = (*Kafka)(nil)

// NewKafka connects a consumer-group reader and writers for the topic and its
// dead-letter topic.
func NewKafka(cfg config.KafkaConfig, opts Options) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka queue requires brokers, topic and group_id")
	}
	opts.setDefaults()
	maxWait := opts.PollInterval
	if maxWait <= 0 {
		maxWait = time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		MaxWait:        maxWait,
		CommitInterval: 0,
	})
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	dlq := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic + ".dlq",
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafka(cfg.Topic, reader, writer, dlq, opts), nil
}

func newKafka(topic string, r kafkaReader, w, dlq kafkaWriter, opts Options) *Kafka {
	opts.setDefaults()
	return &Kafka{
		opts:    opts,
		topic:   topic,
		reader:  r,
		writer:  w,
		dlq:     dlq,
		leases:  make(map[string]*kafkaLease),
		offsets: newOffsetTracker(),
	}
}

func messageKey(msg models.QueueMessage) []byte {
	return []byte(msg.Symbol + "|" + string(msg.Timeframe))
}

func (q *Kafka) Enqueue(ctx context.Context, msg models.QueueMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if q.isClosed() {
		return "", ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.opts.Clock.Now()
	}
	if err := q.publish(ctx, q.writer, msg); err != nil {
		return "", err
	}
	q.mu.Lock()
	q.stats.Enqueued++
	q.mu.Unlock()
	return msg.ID, nil
}

func (q *Kafka) publish(ctx context.Context, w kafkaWriter, msg models.QueueMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: messageKey(msg), Value: value}); err != nil {
		return fmt.Errorf("write message %s: %w", msg.ID, err)
	}
	return nil
}

// Receive first settles expired leases, then fetches up to maxBatch new
// messages. It waits up to the poll interval for the first one.
func (q *Kafka) Receive(ctx context.Context, maxBatch int, visibility time.Duration) ([]Delivery, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if q.isClosed() {
		return nil, ErrClosed
	}
	if err := q.reap(ctx); err != nil {
		return nil, err
	}

	var out []Delivery
	wait := q.opts.PollInterval
	for len(out) < maxBatch {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		raw, err := q.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return out, fmt.Errorf("fetch message: %w", err)
		}
		wait = batchLinger

		var msg models.QueueMessage
		if err := json.Unmarshal(raw.Value, &msg); err != nil {
			q.opts.Logger.Error("undecodable queue message",
				"partition", raw.Partition, "offset", raw.Offset, "error", err)
			if err := q.forwardRaw(ctx, raw); err != nil {
				return out, err
			}
			continue
		}
		msg.Attempt++

		token := uuid.NewString()
		q.mu.Lock()
		q.offsets.track(raw.Partition, raw.Offset)
		q.leases[token] = &kafkaLease{
			raw:       raw,
			msg:       msg,
			expiresAt: q.opts.Clock.Now().Add(visibility),
		}
		q.stats.Delivered++
		if msg.Attempt > 1 {
			q.stats.Redelivered++
		}
		q.mu.Unlock()
		out = append(out, Delivery{Message: msg, Token: token})
	}
	return out, nil
}

// forwardRaw moves a message that cannot be decoded straight to the DLQ
// topic and marks its offset finished.
func (q *Kafka) forwardRaw(ctx context.Context, raw kafka.Message) error {
	if err := q.dlq.WriteMessages(ctx, kafka.Message{Key: raw.Key, Value: raw.Value}); err != nil {
		return fmt.Errorf("dead-letter undecodable message: %w", err)
	}
	q.mu.Lock()
	q.offsets.track(raw.Partition, raw.Offset)
	commit, ok := q.offsets.finish(raw.Partition, raw.Offset)
	q.stats.DeadLettered++
	q.mu.Unlock()
	if ok {
		return q.commit(ctx, raw.Topic, raw.Partition, commit)
	}
	return nil
}

func (q *Kafka) reap(ctx context.Context) error {
	now := q.opts.Clock.Now()
	q.mu.Lock()
	var expired []*kafkaLease
	for token, l := range q.leases {
		if !now.Before(l.expiresAt) {
			expired = append(expired, l)
			delete(q.leases, token)
		}
	}
	q.mu.Unlock()

	for _, l := range expired {
		msg := l.msg
		if msg.Attempt >= 1+q.opts.MaxRetries {
			if err := q.publish(ctx, q.dlq, msg); err != nil {
				return err
			}
			q.mu.Lock()
			q.dead = append(q.dead, DeadLetter{
				Message:    msg,
				Deliveries: msg.Attempt,
				Reason:     "visibility timeout exceeded on every delivery",
				At:         now,
			})
			if len(q.dead) > maxDeadLetters {
				q.dead = q.dead[len(q.dead)-maxDeadLetters:]
			}
			q.stats.DeadLettered++
			q.mu.Unlock()
			q.opts.Logger.Warn("message dead-lettered",
				"message_id", msg.ID, "symbol", msg.Symbol, "timeframe", msg.Timeframe,
				"source", msg.Source, "deliveries", msg.Attempt)
		} else if err := q.publish(ctx, q.writer, msg); err != nil {
			return err
		}

		q.mu.Lock()
		commit, ok := q.offsets.finish(l.raw.Partition, l.raw.Offset)
		q.mu.Unlock()
		if ok {
			if err := q.commit(ctx, l.raw.Topic, l.raw.Partition, commit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Kafka) commit(ctx context.Context, topic string, partition int, offset int64) error {
	if topic == "" {
		topic = q.topic
	}
	if err := q.reader.CommitMessages(ctx, kafka.Message{Topic: topic, Partition: partition, Offset: offset}); err != nil {
		return fmt.Errorf("commit partition %d offset %d: %w", partition, offset, err)
	}
	return nil
}

// Ack finishes the lease and commits whatever prefix of the partition is now
// contiguous.
func (q *Kafka) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	l, ok := q.leases[token]
	if !ok {
		q.stats.StaleAcks++
		q.mu.Unlock()
		return ErrStaleAck
	}
	delete(q.leases, token)
	commit, advanced := q.offsets.finish(l.raw.Partition, l.raw.Offset)
	q.stats.Acked++
	q.mu.Unlock()

	if advanced {
		return q.commit(ctx, l.raw.Topic, l.raw.Partition, commit)
	}
	return nil
}

// DeadLetters returns the dead letters produced by this process. The full
// history lives on the DLQ topic.
func (q *Kafka) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

func (q *Kafka) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.InFlight = len(q.leases)
	st.DeadLetters = len(q.dead)
	return st
}

func (q *Kafka) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return errors.Join(q.reader.Close(), q.writer.Close(), q.dlq.Close())
}

func (q *Kafka) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// offsetTracker keeps fetched offsets per partition in fetch order. Offsets
// are popped from the front while finished; the last popped offset is the
// commit point.
type offsetTracker struct {
	partitions map[int][]trackedOffset
}

type trackedOffset struct {
	offset int64
	done   bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int][]trackedOffset)}
}

func (t *offsetTracker) track(partition int, offset int64) {
	t.partitions[partition] = append(t.partitions[partition], trackedOffset{offset: offset})
}

// finish marks offset done and returns the new commit point, if it moved.
func (t *offsetTracker) finish(partition int, offset int64) (int64, bool) {
	list := t.partitions[partition]
	for i := range list {
		if list[i].offset == offset {
			list[i].done = true
			break
		}
	}
	n := 0
	for n < len(list) && list[n].done {
		n++
	}
	if n == 0 {
		return 0, false
	}
	commit := list[n-1].offset
	t.partitions[partition] = list[n:]
	return commit, true
}

// pending reports how many offsets of partition are tracked but not
// committed.
func (t *offsetTracker) pending(partition int) int {
	return len(t.partitions[partition])
}
