package mirror

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// SubscriptionOptions configures the change subscription.
type SubscriptionOptions struct {
	Logger     log.Logger
	Identities contentrepo.IdentityProvider
	Listener   contentrepo.Listener
	Identity   string
	Filter     contentrepo.EventFilter
	Metrics    Metrics
}

// Subscription owns the long-lived privileged session and the listener
// registration made through it. At most one registration is active.
type Subscription struct {
	mu         sync.Mutex
	logger     log.Logger
	identities contentrepo.IdentityProvider
	listener   contentrepo.Listener
	identity   string
	filter     contentrepo.EventFilter
	metrics    Metrics

	sess   contentrepo.Session
	handle contentrepo.Handle
	// lost is closed when the store ends delivery for handle on its own.
	lost chan struct{}
	quit chan struct{}
}

func NewSubscription(opts SubscriptionOptions) *Subscription {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Subscription{
		logger:     opts.Logger,
		identities: opts.Identities,
		listener:   opts.Listener,
		identity:   opts.Identity,
		filter:     opts.Filter,
		metrics:    metricsOrNop(opts.Metrics),
	}
}

// Start acquires the service session and registers the listener. Calling
// Start while active is a no-op. On failure the session is released, the
// subscription stays inactive and the error is returned for the caller to
// retry.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != nil {
		return nil
	}

	sess, err := s.identities.Acquire(ctx, s.identity)
	if err != nil {
		s.metrics.IncSubscriptionStartFailure()
		s.logger.Error(ctx, err, "change subscription: acquire service session", "identity", s.identity)
		return xerrors.Wrap(err, "acquire service session")
	}

	h, err := sess.Subscribe(ctx, s.listener, s.filter)
	if err != nil {
		if cerr := sess.Close(); cerr != nil {
			s.logger.Warn(ctx, "change subscription: release session after failed registration", "error", cerr.Error())
		}
		s.metrics.IncSubscriptionStartFailure()
		s.logger.Error(ctx, err, "change subscription: register listener", "scope", s.filter.Path)
		return xerrors.Wrap(err, "register listener")
	}

	s.sess, s.handle = sess, h
	s.lost, s.quit = make(chan struct{}), make(chan struct{})
	if fh, ok := h.(contentrepo.FailingHandle); ok {
		go s.watch(context.WithoutCancel(ctx), fh, s.lost, s.quit)
	}
	s.metrics.SetSubscriptionActive(true)
	s.logger.Info(ctx, "change subscription active",
		"identity", s.identity,
		"scope", s.filter.Path,
		"deep", s.filter.Deep,
		"kinds", s.filter.Kinds.String(),
		"node_types", s.filter.NodeTypes,
	)
	return nil
}

// Stop unregisters the listener and releases the session. It is a no-op
// when the subscription is not active.
func (s *Subscription) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		return nil
	}
	sess, h := s.sess, s.handle
	s.sess, s.handle = nil, nil
	close(s.quit)
	s.metrics.SetSubscriptionActive(false)

	var errs []error
	if err := sess.Unsubscribe(ctx, h); err != nil {
		errs = append(errs, xerrors.Wrap(err, "unregister listener"))
	}
	if err := sess.Close(); err != nil {
		errs = append(errs, xerrors.Wrap(err, "release service session"))
	}
	s.logger.Info(ctx, "change subscription stopped", "scope", s.filter.Path)
	return xerrors.Join(errs...)
}

// watch drops the registration when the store reports that its delivery
// failed, leaving the subscription inactive so it can be started again.
func (s *Subscription) watch(ctx context.Context, h contentrepo.FailingHandle, lost, quit chan struct{}) {
	select {
	case <-quit:
		return
	case <-h.Failed():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != contentrepo.Handle(h) {
		return
	}
	sess := s.sess
	s.sess, s.handle = nil, nil
	s.metrics.SetSubscriptionActive(false)
	s.logger.Error(ctx, h.Err(), "change subscription: delivery failed, registration dropped", "scope", s.filter.Path)

	if err := sess.Unsubscribe(ctx, h); err != nil {
		s.logger.Warn(ctx, "change subscription: unregister failed listener", "error", err.Error())
	}
	if err := sess.Close(); err != nil {
		s.logger.Warn(ctx, "change subscription: release session of failed listener", "error", err.Error())
	}
	close(lost)
}

// Lost returns a channel closed when the current registration is dropped
// because its delivery failed. It never closes for a clean Stop.
func (s *Subscription) Lost() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Active reports whether a registration is in place.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

const (
	// DefaultStartInterval is the first retry delay after a failed Start.
	DefaultStartInterval = time.Second

	// DefaultMaxStartBackoff caps exponential backoff between Start attempts.
	DefaultMaxStartBackoff = 2 * time.Minute
)

// Supervisor keeps a Subscription started for the lifetime of a context.
type Supervisor struct {
	sub        *Subscription
	logger     log.Logger
	interval   time.Duration
	maxBackoff time.Duration

	consecutiveErrs int
}

func NewSupervisor(sub *Subscription, logger log.Logger, interval, maxBackoff time.Duration) *Supervisor {
	if logger == nil {
		logger = log.Nop()
	}
	if interval <= 0 {
		interval = DefaultStartInterval
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxStartBackoff
	}
	return &Supervisor{sub: sub, logger: logger, interval: interval, maxBackoff: maxBackoff}
}

// Run keeps the subscription started until ctx is cancelled, then stops it.
// Failed starts and registrations lost to delivery failures are retried
// with backoff. Returns ctx.Err().
// Intended to be launched as: go sup.Run(ctx)
func (sv *Supervisor) Run(ctx context.Context) error {
	for {
		if err := sv.sub.Start(ctx); err != nil {
			if !sv.backoff(ctx, "change subscription: start failed, backing off") {
				return ctx.Err()
			}
			continue
		}
		if sv.consecutiveErrs > 0 {
			sv.logger.Info(ctx, "change subscription: recovered", "had_consecutive_errors", sv.consecutiveErrs)
			sv.consecutiveErrs = 0
		}

		select {
		case <-ctx.Done():
			// the parent is done; unregistering still needs a live context
			if err := sv.sub.Stop(context.WithoutCancel(ctx)); err != nil {
				sv.logger.Error(ctx, err, "change subscription: stop")
			}
			return ctx.Err()
		case <-sv.sub.Lost():
			if !sv.backoff(ctx, "change subscription: delivery lost, restarting") {
				return ctx.Err()
			}
		}
	}
}

// backoff counts a failure and waits out its delay. It reports false when
// ctx ends first.
func (sv *Supervisor) backoff(ctx context.Context, msg string) bool {
	sv.consecutiveErrs++
	d := sv.backoffDuration()
	sv.logger.Warn(ctx, msg,
		"consecutive_errors", sv.consecutiveErrs,
		"next_attempt_in", d.String(),
	)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 1x interval, =2 → 2x, =3 → 4x, etc.
func (sv *Supervisor) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(sv.consecutiveErrs-1))
	d := time.Duration(float64(sv.interval) * mult)
	if d > sv.maxBackoff || d <= 0 {
		d = sv.maxBackoff
	}
	return d
}
