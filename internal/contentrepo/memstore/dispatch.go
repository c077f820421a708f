package memstore

import (
	"context"
	"sync"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// registration is one listener plus its ordered queue of batches.
type registration struct {
	id       string
	identity string
	l        contentrepo.Listener
	filter   contentrepo.EventFilter
	store    *Store

	mu     sync.Mutex
	queue  [][]contentrepo.Event
	closed bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newRegistration(id, identity string, l contentrepo.Listener, f contentrepo.EventFilter, s *Store) *registration {
	return &registration{
		id:       id,
		identity: identity,
		l:        l,
		filter:   f,
		store:    s,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (r *registration) ID() string { return r.id }

func (r *registration) enqueue(batch []contentrepo.Event) {
	r.mu.Lock()
	r.queue = append(r.queue, batch)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *registration) pop() ([]contentrepo.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	b := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return b, true
}

// close cancels delivery and returns how many queued batches were dropped.
func (r *registration) close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	r.closed = true
	dropped := len(r.queue)
	r.queue = nil
	if r.cancel != nil {
		r.cancel()
	}
	return dropped
}

func (r *registration) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		for {
			if ctx.Err() != nil {
				return
			}
			batch, ok := r.pop()
			if !ok {
				break
			}
			r.deliver(ctx, batch)
			r.store.batchDone()
		}
	}
}

// deliver isolates the store from a panicking listener.
func (r *registration) deliver(ctx context.Context, batch []contentrepo.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.store.logger.Error(ctx, xerrors.Newf("listener panic: %v", rec),
				"memstore: listener panicked, continuing",
				"registration", r.id,
				"batch_size", len(batch),
			)
		}
	}()
	r.l.HandleEvents(ctx, batch)
}
