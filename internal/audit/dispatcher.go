package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phone-auth-service/internal/bucketing"
	"phone-auth-service/internal/encryption"
	"phone-auth-service/internal/util"
)

const (
	defaultQueueSize = 1024
	maxBatch         = 64
	sinkTimeout      = 5 * time.Second
	phonePurpose     = "audit_phone"
)

// Recorder accepts audit entries without blocking the caller.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

type PhoneDigester interface {
	PhoneDigest(phone string) string
}

type FieldEncrypter interface {
	EncryptField(ctx context.Context, plaintext, purpose string) (*encryption.EncryptedData, error)
}

// Dispatcher queues entries, enriches them off the request path and fans
// each batch out to every sink. A full queue drops entries with a warning.
type Dispatcher struct {
	sinks     []Sink
	digester  PhoneDigester
	encrypter FieldEncrypter
	buckets   *bucketing.BucketingManager
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	done   chan struct{}
	start  sync.Once
}

type DispatcherOptions struct {
	Digester  PhoneDigester
	Encrypter FieldEncrypter
	Buckets   *bucketing.BucketingManager
	QueueSize int
}

func NewDispatcher(opts DispatcherOptions, sinks ...Sink) *Dispatcher {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		sinks:     sinks,
		digester:  opts.Digester,
		encrypter: opts.Encrypter,
		buckets:   opts.Buckets,
		now:       time.Now,
		queue:     make(chan Entry, size),
		done:      make(chan struct{}),
	}
}

// Start launches the delivery goroutine. Safe to call more than once.
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		go d.run()
	})
}

func (d *Dispatcher) Record(_ context.Context, entry Entry) {
	if entry.At.IsZero() {
		entry.At = d.now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- entry:
	default:
		util.Warn("Audit queue full, dropping event", zap.String("type", string(entry.Type)))
	}
}

// Close stops intake and waits for queued entries to be delivered or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.Start() // drain even if never started
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for entry := range d.queue {
		batch := []Entry{entry}
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-d.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		d.deliver(batch)
	}
}

func (d *Dispatcher) deliver(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	events := make([]Event, 0, len(batch))
	for _, entry := range batch {
		events = append(events, d.build(ctx, entry))
	}
	if err := WriteAll(ctx, d.sinks, events); err != nil {
		util.Error("Audit delivery failed", zap.Int("events", len(events)), zap.Error(err))
	}
}

func (d *Dispatcher) build(ctx context.Context, entry Entry) Event {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       entry.Type,
		IPAddress:  entry.IP,
		Outcome:    entry.Outcome,
		Reason:     entry.Reason,
		Attempts:   entry.Attempts,
		OccurredAt: entry.At.UTC(),
		EventDate:  entry.At.UTC().Format("2006-01-02"),
	}
	if entry.Phone != "" && d.digester != nil {
		evt.PhoneHash = d.digester.PhoneDigest(entry.Phone)
	}
	if d.buckets != nil {
		key := evt.PhoneHash
		if key == "" {
			key = entry.IP
		}
		assigned := d.buckets.Assign(key, entry.At)
		evt.EventBucket = assigned.EventBucket
		evt.EventDate = assigned.DateBucket
	}
	if entry.Phone != "" && d.encrypter != nil {
		enc, err := d.encrypter.EncryptField(ctx, entry.Phone, phonePurpose)
		if err != nil {
			util.Warn("Audit phone encryption failed", zap.Error(err))
		} else {
			evt.Phone = enc
		}
	}
	return evt
}

// WriteAll hands events to every sink concurrently and joins their errors.
func WriteAll(ctx context.Context, sinks []Sink, events []Event) error {
	if len(events) == 0 || len(sinks) == 0 {
		return nil
	}

	errs := make([]error, len(sinks))
	g, gctx := errgroup.WithContext(ctx)
	for i, sink := range sinks {
		i, sink := i, sink
		g.Go(func() error {
			if err := sink.Write(gctx, events); err != nil {
				errs[i] = fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
