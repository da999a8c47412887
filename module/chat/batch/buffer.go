package batch

import (
	"context"
	"sync"
	"time"

	"relaychat/logger"
	"relaychat/module/chat/model"
	"relaychat/module/chat/store"
	"relaychat/tools/errs"
)

// Appender is the slice of the message store the buffer writes through.
type Appender interface {
	Append(ctx context.Context, req store.AppendReq) (*model.Message, error)
}

// DoneFunc receives the persisted message, or the final error once
// retries are exhausted (or the request was rejected outright).
type DoneFunc func(*model.Message, error)

type Config struct {
	FlushEvery   time.Duration // time trigger
	MaxBatch     int           // size trigger
	MaxRetries   int           // transient-failure retries per request
	StoreTimeout time.Duration // per-append deadline
}

func (c *Config) norm() {
	if c.FlushEvery <= 0 {
		c.FlushEvery = time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 3 * time.Second
	}
}

type pending struct {
	req      store.AppendReq
	done     DoneFunc
	attempts int
}

// Buffer coalesces message appends: a single flusher goroutine drains
// the queue every FlushEvery, or as soon as MaxBatch requests are
// waiting, whichever comes first. Arrival order is preserved per
// conversation across flushes and retries.
//
// The queue is memory only. Anything enqueued but not yet flushed is
// lost if the process dies; callers needing stronger durability must
// use the store directly.
type Buffer struct {
	appender Appender
	cfg      Config

	mu    sync.Mutex
	queue []*pending

	kick     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewBuffer(appender Appender, cfg Config) *Buffer {
	cfg.norm()
	b := &Buffer{
		appender: appender,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Enqueue queues one append. done fires exactly once, from the flusher
// goroutine.
func (b *Buffer) Enqueue(req store.AppendReq, done DoneFunc) error {
	select {
	case <-b.stopCh:
		return errs.ErrUnavailable.WrapMsg("buffer closed")
	default:
	}

	b.mu.Lock()
	b.queue = append(b.queue, &pending{req: req, done: done})
	full := len(b.queue) >= b.cfg.MaxBatch
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Len reports the number of queued-but-unflushed requests.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the flusher after draining whatever is queued.
func (b *Buffer) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

func (b *Buffer) loop() {
	defer close(b.doneCh)
	t := time.NewTicker(b.cfg.FlushEvery)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			b.flush()
			b.failLeftovers()
			return
		case <-t.C:
			b.flush()
		case <-b.kick:
			b.flush()
		}
	}
}

func (b *Buffer) flush() {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	// When one conversation's write fails transiently, its later
	// requests in this batch are held back too, so the per-conversation
	// order survives the retry.
	var requeue []*pending
	blocked := make(map[string]struct{})

	for _, p := range batch {
		if _, hold := blocked[p.req.ConversationID]; hold {
			requeue = append(requeue, p)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StoreTimeout)
		msg, err := b.appender.Append(ctx, p.req)
		cancel()

		if err == nil {
			if p.done != nil {
				p.done(msg, nil)
			}
			continue
		}
		if !retryable(err) {
			// rejected by validation/access rules, retrying won't help
			if p.done != nil {
				p.done(nil, err)
			}
			continue
		}
		p.attempts++
		if p.attempts > b.cfg.MaxRetries {
			logger.Errorf("[batch] giving up after %d attempts conv=%s err=%v", p.attempts, p.req.ConversationID, err)
			if p.done != nil {
				p.done(nil, err)
			}
			continue
		}
		blocked[p.req.ConversationID] = struct{}{}
		requeue = append(requeue, p)
	}

	if len(requeue) > 0 {
		b.mu.Lock()
		b.queue = append(requeue, b.queue...)
		b.mu.Unlock()
	}
}

// failLeftovers settles anything still queued at shutdown so every
// done callback fires exactly once.
func (b *Buffer) failLeftovers() {
	b.mu.Lock()
	left := b.queue
	b.queue = nil
	b.mu.Unlock()
	for _, p := range left {
		if p.done != nil {
			p.done(nil, errs.ErrUnavailable.WrapMsg("buffer closed"))
		}
	}
}

func retryable(err error) bool {
	switch errs.Code(err) {
	case errs.UnavailableError, errs.ServerInternalError:
		return true
	}
	return false
}
