package mirror

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/otelx"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// HandlerOptions configures the event handler.
type HandlerOptions struct {
	Logger     log.Logger
	Identities contentrepo.IdentityProvider
	Config     Config

	// Engine defaults to one built from Logger and Metrics.
	Engine *Engine

	// Guard is consulted before each sync. Nil disables guarding.
	Guard Guard

	Metrics Metrics
	Tracer  trace.Tracer
}

// Handler is the contentrepo.Listener behind the change subscription. It
// processes the events of a batch one at a time, in order.
type Handler struct {
	logger     log.Logger
	identities contentrepo.IdentityProvider
	cfg        Config
	filter     ChangeFilter
	engine     *Engine
	guard      Guard
	metrics    Metrics
	tracer     trace.Tracer
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Identities == nil {
		return nil, xerrors.New("mirror: handler needs an identity provider")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, xerrors.Wrap(err, "mirror: invalid config")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	m := metricsOrNop(opts.Metrics)
	if opts.Engine == nil {
		opts.Engine = NewEngine(opts.Logger, m)
	}
	if opts.Tracer == nil {
		opts.Tracer = otelx.Tracer()
	}
	return &Handler{
		logger:     opts.Logger,
		identities: opts.Identities,
		cfg:        opts.Config,
		filter:     NewChangeFilter(opts.Config.MatchMode, opts.Config.SupertypeMarker),
		engine:     opts.Engine,
		guard:      opts.Guard,
		metrics:    m,
		tracer:     opts.Tracer,
	}, nil
}

// HandleEvents implements contentrepo.Listener.
func (h *Handler) HandleEvents(ctx context.Context, events []contentrepo.Event) {
	for _, ev := range events {
		h.handle(ctx, ev)
	}
}

func (h *Handler) handle(ctx context.Context, ev contentrepo.Event) {
	start := time.Now()
	ctx = log.WithFields(ctx, log.Event(ev.ID.String(), ev.Kind.String(), ev.Path)...)
	ctx, span := h.tracer.Start(ctx, "mirror.HandleEvent",
		trace.WithAttributes(otelx.EventAttrs(ev.ID.String(), ev.Kind.String(), ev.Path)...))
	defer span.End()

	outcome := h.process(ctx, ev)

	failed := outcome == OutcomeUnauthorized || outcome == OutcomeCommitFailed || outcome == OutcomePanic
	otelx.EndOutcome(span, outcome, failed)
	h.metrics.IncEvent(outcome)
	h.metrics.ObserveEventDuration(time.Since(start).Seconds())
}

// process runs one event end to end and returns its outcome. A panic is
// contained to the event.
func (h *Handler) process(ctx context.Context, ev contentrepo.Event) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error(ctx, xerrors.Newf("panic: %v", r), "sync handler panicked, continuing")
			outcome = OutcomePanic
		}
	}()

	sess, err := h.identities.Acquire(ctx, h.cfg.ServiceIdentity)
	if err != nil {
		h.logger.Error(ctx, err, "acquire per-event session", log.KeyIdentity, h.cfg.ServiceIdentity)
		return OutcomeUnauthorized
	}
	defer sess.Close()

	nodePath := ev.NodePath()
	ctx = log.WithFields(ctx, log.Node(nodePath)...)
	node, err := sess.Resolve(ctx, nodePath)
	if err != nil {
		h.logger.Debug(ctx, "event node does not resolve, dropping", "reason", err.Error())
		return OutcomeUnresolved
	}

	outcome = OutcomeIgnored
	relevant := h.filter.Relevant(node)
	if relevant {
		outcome = h.sync(ctx, sess, ev, node)
	}

	h.resetFlag(ctx, sess, node, relevant)
	return outcome
}

// sync mirrors the component's fragment into it and commits.
func (h *Handler) sync(ctx context.Context, sess contentrepo.Session, ev contentrepo.Event, node contentrepo.Node) string {
	if h.guard != nil && !h.guard.Allow(ctx, ev, node) {
		h.metrics.IncGuardSkip()
		h.logger.Debug(ctx, "loop guard skipped sync")
		return OutcomeGuarded
	}

	origin := h.cfg.OriginPath(node.String(FragmentPathProperty, ""))
	force := node.Bool(RefreshProperty, false)

	st := h.engine.CopySubtree(ctx, sess, origin, node.Path, force)
	if !st.Resolved {
		return OutcomeUnresolved
	}
	if err := sess.Commit(ctx); err != nil {
		h.metrics.IncCommitFailure(StageSync)
		h.logger.Error(ctx, err, "commit mirrored children", log.KeyOrigin, origin)
		return OutcomeCommitFailed
	}

	h.logger.Info(ctx, "component synced", append(log.Copy(origin, node.Path, force),
		"copied", st.Copied,
		"skipped", st.Skipped,
		"wiped", st.Wiped,
		"failed", st.Failed,
	)...)
	return OutcomeSynced
}

// resetFlag writes refreshComponents=false on the node and commits. It runs
// for every resolved node whether or not it was synced; only relevant nodes
// are reported to the guard, since only they are ever checked by Allow.
func (h *Handler) resetFlag(ctx context.Context, sess contentrepo.Session, node contentrepo.Node, relevant bool) {
	if err := sess.SetProperty(ctx, node.Path, RefreshProperty, false); err != nil {
		h.logger.Error(ctx, err, "reset refresh flag")
		return
	}
	if err := sess.Commit(ctx); err != nil {
		h.metrics.IncCommitFailure(StageReset)
		h.logger.Error(ctx, err, "commit refresh flag reset")
		return
	}
	if prev, ok := node.Properties[RefreshProperty]; ok && prev != false && relevant && h.guard != nil {
		h.guard.Cleared(node.Path)
	}
}
