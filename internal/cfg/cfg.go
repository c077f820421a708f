package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/mirror"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "FRAGSYNC_"

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	AdminPort         int
	AdminAllowPublic  bool
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	OTLPInsecure      bool
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	StoreBackend       string
	PostgresDSN        string
	PostgresDSNParam   string
	PostgresRoleSwitch bool
	InstallSchema      bool
	Identities         string
	SeedDocument       string

	ContentRoot     string
	SupertypeMarker string
	MatchMode       string
	ServiceIdentity string
	RootNodeType    string
	OriginSuffix    string

	LoopGuard       string
	GuardRate       float64
	GuardBurst      int
	StartInterval   time.Duration
	MaxStartBackoff time.Duration
	ShutdownTimeout time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.AdminAllowPublic, "admin-allow-public", false, "Serve the admin port to callers outside private networks")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", false, "Push to the OTLP endpoint without TLS")

	fs.StringVar(&c.StoreBackend, "store", BackendMemory, "content store backend (memory|postgres)")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", "", "postgres connection string (wins over -postgres-dsn-param)")
	fs.StringVar(&c.PostgresDSNParam, "postgres-dsn-param", "", "ssm SecureString parameter holding the postgres connection string")
	fs.BoolVar(&c.PostgresRoleSwitch, "postgres-role-switch", false, "Run each session as the postgres role named by its identity")
	fs.BoolVar(&c.InstallSchema, "install-schema", false, "Install the postgres schema at startup")
	fs.StringVar(&c.Identities, "identities", "", "comma separated identities allowed to open sessions (default: the service identity)")
	fs.StringVar(&c.SeedDocument, "seed", "", "seed document to import at startup (path or s3://bucket/key)")

	fs.StringVar(&c.ContentRoot, "content-root", mirror.DefaultContentRoot, "subtree watched for refresh signals")
	fs.StringVar(&c.SupertypeMarker, "supertype-marker", mirror.DefaultSupertypeMarker, "resource type marker of editable components")
	fs.StringVar(&c.MatchMode, "match-mode", string(mirror.MatchContains), "how the marker is matched (contains|prefix|exact)")
	fs.StringVar(&c.ServiceIdentity, "service-identity", mirror.DefaultServiceIdentity, "identity the daemon opens sessions as")
	fs.StringVar(&c.RootNodeType, "root-node-type", mirror.DefaultRootNodeType, "primary type of nodes the subscription listens on")
	fs.StringVar(&c.OriginSuffix, "origin-suffix", mirror.DefaultOriginSuffix, "appended to the fragment path to reach the template children")

	fs.StringVar(&c.LoopGuard, "loop-guard", string(mirror.GuardOff), "suppress reset echoes (off|echo|rate)")
	fs.Float64Var(&c.GuardRate, "guard-rate", 1, "syncs per second per component when -loop-guard=rate")
	fs.IntVar(&c.GuardBurst, "guard-burst", 2, "burst per component when -loop-guard=rate")
	fs.DurationVar(&c.StartInterval, "start-interval", mirror.DefaultStartInterval, "first retry delay for a failed subscription start")
	fs.DurationVar(&c.MaxStartBackoff, "max-start-backoff", mirror.DefaultMaxStartBackoff, "upper bound on subscription start retry delay")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 15*time.Second, "time allowed for graceful shutdown")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Mirror builds the sync settings from the flags.
func (c App) Mirror() mirror.Config {
	return mirror.Config{
		ContentRoot:     c.ContentRoot,
		SupertypeMarker: c.SupertypeMarker,
		MatchMode:       mirror.MatchMode(strings.ToLower(strings.TrimSpace(c.MatchMode))),
		ServiceIdentity: c.ServiceIdentity,
		RootNodeType:    c.RootNodeType,
		OriginSuffix:    c.OriginSuffix,
	}
}

// IdentityList returns the identities allowed to open sessions. The service
// identity is always included.
func (c App) IdentityList() []string {
	out := []string{c.ServiceIdentity}
	for _, id := range strings.Split(c.Identities, ",") {
		id = strings.TrimSpace(id)
		if id != "" && id != c.ServiceIdentity {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Store
	switch c.StoreBackend {
	case BackendMemory:
		if c.InstallSchema {
			errs = append(errs, fmt.Errorf("INSTALL_SCHEMA requires STORE=%s", BackendPostgres))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" && c.PostgresDSNParam == "" {
			errs = append(errs, fmt.Errorf("POSTGRES_DSN or POSTGRES_DSN_PARAM required when STORE=%s", BackendPostgres))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be %s|%s)", c.StoreBackend, BackendMemory, BackendPostgres))
	}

	// Sync
	if err := c.Mirror().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid sync settings: %w", err))
	}
	guard, err := mirror.ParseGuardMode(c.LoopGuard)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid LOOP_GUARD: %w", err))
	}
	if guard == mirror.GuardRate {
		if c.GuardRate <= 0 {
			errs = append(errs, fmt.Errorf("GUARD_RATE must be > 0 (got %g)", c.GuardRate))
		}
		if c.GuardBurst < 1 {
			errs = append(errs, fmt.Errorf("GUARD_BURST must be >= 1 (got %d)", c.GuardBurst))
		}
	}
	if c.StartInterval <= 0 || c.MaxStartBackoff < c.StartInterval {
		errs = append(errs, fmt.Errorf("START_INTERVAL must be > 0 and <= MAX_START_BACKOFF (got %v, %v)", c.StartInterval, c.MaxStartBackoff))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0 (got %v)", c.ShutdownTimeout))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
