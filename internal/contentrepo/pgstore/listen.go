package pgstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// payload is the JSON the triggers publish per change.
type payload struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	Path        string    `json:"path"`
	PrimaryType string    `json:"primary_type"`
	Identity    string    `json:"identity"`
	Timestamp   time.Time `json:"ts"`
}

var kindsByName = map[string]contentrepo.EventKind{
	"node_added":       contentrepo.NodeAdded,
	"node_removed":     contentrepo.NodeRemoved,
	"property_added":   contentrepo.PropertyAdded,
	"property_changed": contentrepo.PropertyChanged,
	"property_removed": contentrepo.PropertyRemoved,
}

// decodeEvent parses one NOTIFY payload into an event and the primary type
// of the node it concerns.
func decodeEvent(raw string) (contentrepo.Event, string, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return contentrepo.Event{}, "", xerrors.Wrap(err, "decode notification")
	}
	kind, ok := kindsByName[p.Kind]
	if !ok {
		return contentrepo.Event{}, "", xerrors.Newf("unknown event kind %q", p.Kind)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return contentrepo.Event{
		ID:        p.ID,
		Kind:      kind,
		Path:      p.Path,
		Identity:  p.Identity,
		Timestamp: p.Timestamp.UTC(),
	}, p.PrimaryType, nil
}

// registration owns one pooled connection that LISTENs for the lifetime of
// the subscription.
type registration struct {
	id       string
	identity string
	l        contentrepo.Listener
	filter   contentrepo.EventFilter
	store    *Store
	conn     *pgxpool.Conn

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}

	// failed is closed when the listen connection breaks; err is set first.
	failed chan struct{}
	err    error
}

var _ contentrepo.FailingHandle = (*registration)(nil)

func (r *registration) ID() string { return r.id }

func (r *registration) Failed() <-chan struct{} { return r.failed }

// Err is nil until Failed is closed.
func (r *registration) Err() error {
	select {
	case <-r.failed:
		return r.err
	default:
		return nil
	}
}

func (s *Store) listen(ctx context.Context, identity string, l contentrepo.Listener, f contentrepo.EventFilter) (*registration, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "pgstore: acquire listen connection")
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, xerrors.Wrap(classify(err), "pgstore: listen")
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &registration{
		id:       uuid.NewString(),
		identity: identity,
		l:        l,
		filter:   f,
		store:    s,
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
		failed:   make(chan struct{}),
	}
	go r.run(rctx)
	s.logger.Debug(ctx, "pgstore listener registered", "registration", r.id, "scope", f.Path)
	return r, nil
}

func (r *registration) run(ctx context.Context) {
	defer close(r.done)
	for {
		n, err := r.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.err = xerrors.Wrap(classify(err), "pgstore: listen connection failed")
				r.store.logger.Error(ctx, r.err, "pgstore: delivery stopped", "registration", r.id)
				close(r.failed)
			}
			return
		}
		ev, primaryType, err := decodeEvent(n.Payload)
		if err != nil {
			r.store.logger.Warn(ctx, "pgstore: dropping undecodable notification", "registration", r.id, "reason", err.Error())
			continue
		}
		if !r.filter.Matches(ev, primaryType) {
			continue
		}
		r.deliver(ctx, []contentrepo.Event{ev})
	}
}

// deliver isolates the store from a panicking listener.
func (r *registration) deliver(ctx context.Context, batch []contentrepo.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.store.logger.Error(ctx, xerrors.Newf("listener panic: %v", rec),
				"pgstore: listener panicked, continuing",
				"registration", r.id,
				"batch_size", len(batch),
			)
		}
	}()
	r.l.HandleEvents(ctx, batch)
}

// stop ends delivery and discards the connection, which may be mid-wait
// and still LISTENing. A batch being handled finishes first.
func (r *registration) stop(ctx context.Context) {
	r.once.Do(func() {
		r.cancel()
		<-r.done
		c := r.conn.Hijack()
		if err := c.Close(context.WithoutCancel(ctx)); err != nil {
			r.store.logger.Debug(ctx, "pgstore: close listen connection", "registration", r.id, "reason", err.Error())
		}
	})
}
