package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/fragmentsync/internal/backend"
	"github.com/keithlinneman/fragmentsync/internal/cfg"
	"github.com/keithlinneman/fragmentsync/internal/health"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/metrics"
	"github.com/keithlinneman/fragmentsync/internal/mirror"
	"github.com/keithlinneman/fragmentsync/internal/opshttp"
	"github.com/keithlinneman/fragmentsync/internal/otelx"
	"github.com/keithlinneman/fragmentsync/internal/prof"
	"github.com/keithlinneman/fragmentsync/internal/ratelimit"
	"github.com/keithlinneman/fragmentsync/internal/secrets"
	"github.com/keithlinneman/fragmentsync/internal/seed"
	v "github.com/keithlinneman/fragmentsync/internal/version"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

const component = "daemon"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing fragmentsync",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"store", conf.StoreBackend,
		"seed", conf.SeedDocument,
		"content_root", conf.ContentRoot,
		"supertype_marker", conf.SupertypeMarker,
		"match_mode", conf.MatchMode,
		"service_identity", conf.ServiceIdentity,
		"origin_suffix", conf.OriginSuffix,
		"loop_guard", conf.LoopGuard,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": component,
			"commit":    vi.Commit,
			"store":     conf.StoreBackend,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}

	store, err := backend.Open(ctx, backend.Options{
		Config:  conf,
		Logger:  L,
		Secrets: secrets.NewSSM(ssm.NewFromConfig(awsCfg), L),
	})
	if err != nil {
		L.Error(ctx, err, "failed to open content store")
		os.Exit(1)
	}
	defer store.Close()

	if conf.SeedDocument != "" {
		loader := seed.NewLoader(s3.NewFromConfig(awsCfg), L)
		if _, err := store.Seed(ctx, loader, conf.SeedDocument, conf.ServiceIdentity, L); err != nil {
			L.Error(ctx, err, "failed to seed content store", "seed", conf.SeedDocument)
			os.Exit(1)
		}
	}

	mc := conf.Mirror()
	handler, err := mirror.NewHandler(mirror.HandlerOptions{
		Logger:     L.With("component", "handler"),
		Identities: store.Identities,
		Config:     mc,
		Guard:      newGuard(ctx, conf, L),
		Metrics:    m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create sync handler")
		os.Exit(1)
	}

	sub := mirror.NewSubscription(mirror.SubscriptionOptions{
		Logger:     L.With("component", "subscription"),
		Identities: store.Identities,
		Listener:   handler,
		Identity:   mc.ServiceIdentity,
		Filter:     mc.EventFilter(),
		Metrics:    m,
	})

	// the subscription runs until shutdown; start failures are retried
	subCtx, cancelSub := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSub()
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		_ = mirror.NewSupervisor(sub, L, conf.StartInterval, conf.MaxStartBackoff).Run(subCtx)
	}()

	// setup toggle for shutdown
	var gate health.ShutdownGate

	// ready while not draining, listening, and the store answers
	readiness := health.All(
		gate.Probe(),
		health.Condition("subscription", sub.Active),
		store.Ready,
	)

	// admin listener; non-public callers only unless explicitly opened up
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Middleware:  m.Middleware,
		AllowPublic: conf.AdminAllowPublic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "reason", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()

	gate.Set("draining")

	// unregister the listener; events already delivered finish first
	cancelSub()
	select {
	case <-subDone:
		L.Info(context.Background(), "subscription stopped")
	case <-shutdownCtx.Done():
		L.Warn(context.Background(), "subscription did not stop before shutdown timeout")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()
	store.Close()

	L.Info(context.Background(), "shutdown complete")
}

// newGuard builds the configured loop guard, or nil when guarding is off.
func newGuard(ctx context.Context, conf cfg.App, L log.Logger) mirror.Guard {
	mode, _ := mirror.ParseGuardMode(conf.LoopGuard)
	switch mode {
	case mirror.GuardEcho:
		return mirror.NewEchoGuard()
	case mirror.GuardRate:
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.GuardRate, conf.GuardBurst),
			// only log the first denial for each component until it is evicted
			ratelimit.WithOnFirstDenied(func(node string) {
				L.Warn(ctx, "loop guard throttling component", "node", node)
			}),
			ratelimit.WithOnCapacity(func() {
				L.Warn(ctx, "loop guard tracking capacity reached")
			}),
		)
		return mirror.NewRateGuard(limiter)
	}
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify failed: dial failed")
	}
	_, _ = conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return xerrors.Wrap(err, "systemd notify failed: close failed")
	}
	return nil
}
