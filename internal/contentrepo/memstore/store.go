// Package memstore is an in-memory content store.
//
// Sessions stage mutations against a private copy of the tree and replay
// them onto the live tree on Commit, all-or-nothing. Committed changes are
// fanned out to listener registrations, each drained in order by its own
// goroutine.
package memstore

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// Store is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	root *entry

	// nil allows any identity
	identities map[string]bool

	subs    map[string]*registration
	nextSub int

	// idle is signalled whenever a registration finishes a batch
	idle    *sync.Cond
	pending int

	logger log.Logger
}

type Option func(*Store)

// WithIdentities restricts Acquire to the given service identities.
func WithIdentities(ids ...string) Option {
	return func(s *Store) {
		s.identities = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.identities[id] = true
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(opts ...Option) *Store {
	s := &Store{
		root:   newRoot(),
		subs:   make(map[string]*registration),
		logger: log.Nop(),
	}
	s.idle = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ contentrepo.IdentityProvider = (*Store)(nil)

// Acquire opens a session for identity.
func (s *Store) Acquire(ctx context.Context, identity string) (contentrepo.Session, error) {
	if identity == "" {
		return nil, xerrors.Mark(xerrors.New("empty service identity"), contentrepo.ErrAuthorization)
	}
	s.mu.Lock()
	allowed := s.identities == nil || s.identities[identity]
	s.mu.Unlock()
	if !allowed {
		return nil, xerrors.Mark(xerrors.Newf("identity %q is not a known service user", identity), contentrepo.ErrAuthorization)
	}
	return &session{store: s, identity: identity}, nil
}

// Flush blocks until every registration has drained its queue, including
// events produced by listeners while draining. Intended for tests and
// orderly shutdown.
func (s *Store) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.idle.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.idle.Wait()
	}
	return nil
}

// commit replays ops onto a copy of the live tree and swaps it in, then
// queues the resulting events for each matching registration.
func (s *Store) commit(ops []op, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.root.clone()
	var events []typedEvent
	for i, o := range ops {
		evs, err := o.apply(next, identity)
		if err != nil {
			return xerrors.Wrapf(err, "replay staged change %d of %d", i+1, len(ops))
		}
		events = append(events, evs...)
	}
	s.root = next

	if len(events) == 0 {
		return nil
	}
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		r := s.subs[id]
		var batch []contentrepo.Event
		for _, te := range events {
			if r.filter.Matches(te.ev, te.primaryType) {
				batch = append(batch, te.ev)
			}
		}
		if len(batch) > 0 {
			s.pending++
			r.enqueue(batch)
		}
	}
	return nil
}

func (s *Store) register(ctx context.Context, owner *session, l contentrepo.Listener, f contentrepo.EventFilter) *registration {
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	r := newRegistration(strconv.Itoa(s.nextSub), owner.identity, l, f, s)
	r.cancel = cancel
	s.subs[r.id] = r
	go r.run(rctx)
	return r
}

// unregister removes r and waits for its goroutine to exit. Queued batches
// are dropped.
func (s *Store) unregister(r *registration) {
	s.mu.Lock()
	if _, ok := s.subs[r.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, r.id)
	dropped := r.close()
	s.pending -= dropped
	s.idle.Broadcast()
	s.mu.Unlock()
	<-r.done
}

// batchDone is called by a registration after a batch was handled.
func (s *Store) batchDone() {
	s.mu.Lock()
	s.pending--
	s.idle.Broadcast()
	s.mu.Unlock()
}
