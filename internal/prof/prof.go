// Package prof pushes continuous profiles of the sync daemon to Pyroscope.
package prof

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/version"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string // defaults to version.AppName
	ServerAddress        string
	AuthToken            string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive is told when profiling starts and stops.
	OnActive func(active bool)
}

// Start begins profiling and returns its stop func. The stop func is never
// nil and is safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}

	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}
	if opts.AppName == "" {
		opts.AppName = version.AppName
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	tags := map[string]string{"version": version.Get().Version}
	for k, v := range opts.Tags {
		tags[k] = v
	}
	cfg := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            tags,
		Logger:          pyroLogger{ctx: ctx, l: L.With("component", "pyroscope")},
	}
	if opts.AuthToken != "" {
		cfg.HTTPHeaders = map[string]string{"Authorization": "Bearer " + opts.AuthToken}
	}
	cfg.ProfileTypes = []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		cfg.ProfileTypes = append(cfg.ProfileTypes, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		cfg.ProfileTypes = append(cfg.ProfileTypes, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		return noop, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
		"profile_types", len(cfg.ProfileTypes),
	)
	if opts.OnActive != nil {
		opts.OnActive(true)
	}

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "reason", err.Error())
		}
		if opts.OnActive != nil {
			opts.OnActive(false)
		}
		L.Info(context.Background(), "pyroscope stopped",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
	}, nil
}

// pyroLogger routes the profiler's printf-style output into the daemon log.
type pyroLogger struct {
	ctx context.Context
	l   log.Logger
}

func (p pyroLogger) Infof(format string, args ...any) {
	p.l.Info(p.ctx, fmt.Sprintf(format, args...))
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.l.Debug(p.ctx, fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.l.Error(p.ctx, xerrors.Newf(format, args...), "pyroscope")
}
