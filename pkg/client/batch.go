package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// BatchConfig holds configuration for the batcher
type BatchConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Batcher buffers events and sends them periodically, one request per kind.
// Events of one kind keep their submission order.
type Batcher struct {
	config    BatchConfig
	transport Transport
	log       *slog.Logger

	pending []model.Fact
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// at most one flush in flight
	flushing atomic.Bool
	sendMu   sync.Mutex

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewBatcher creates a new batcher
func NewBatcher(transport Transport, config BatchConfig, log *slog.Logger) *Batcher {
	return &Batcher{
		config:    config,
		transport: transport,
		log:       log,
		pending:   make([]model.Fact, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the flush loop
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Add queues an event. A full batch is flushed in the background.
func (b *Batcher) Add(f model.Fact) {
	b.mu.Lock()
	b.pending = append(b.pending, f)
	shouldFlush := len(b.pending) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			defer b.flushing.Store(false)
			if err := b.Flush(); err != nil {
				b.log.Warn("flush failed", slog.String("err", err.Error()))
			}
		}()
	}
}

// Flush sends every pending event now.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := make([]model.Fact, len(b.pending))
	copy(batch, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	return b.send(batch)
}

// Stop stops the flush loop and sends what is left.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	return b.Flush()
}

// Accepted and Rejected count events the server has answered for.
func (b *Batcher) Accepted() int64 { return b.accepted.Load() }
func (b *Batcher) Rejected() int64 { return b.rejected.Load() }

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				if err := b.Flush(); err != nil {
					b.log.Warn("flush failed", slog.String("err", err.Error()))
				}
				b.flushing.Store(false)
			}
		}
	}
}

// send posts one request per kind, state first so counts land in known
// states.
func (b *Batcher) send(batch []model.Fact) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	byKind := make(map[model.Kind][]model.Fact, len(model.Kinds))
	for _, f := range batch {
		byKind[f.Kind()] = append(byKind[f.Kind()], f)
	}

	var errs []error
	for _, kind := range model.Kinds {
		facts := byKind[kind]
		if len(facts) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		res, err := b.transport.Send(ctx, kind, facts)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.accepted.Add(int64(res.Accepted))
		b.rejected.Add(int64(res.Rejected))
		for _, msg := range res.Errors {
			b.log.Debug("event rejected", slog.String("kind", string(kind)), slog.String("err", msg))
		}
	}
	return errors.Join(errs...)
}
