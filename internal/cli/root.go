// Package cli implements fragmentsyncctl, the operator tool for a
// fragmentsync content store. It shares the daemon's configuration flags
// and FRAGSYNC_ environment variables.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/keithlinneman/fragmentsync/internal/backend"
	"github.com/keithlinneman/fragmentsync/internal/cfg"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/secrets"
	"github.com/keithlinneman/fragmentsync/internal/seed"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// needsStore marks commands that open the content store before running.
const needsStore = "needs-store"

func Execute() {
	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the state shared by all commands of one invocation.
type app struct {
	conf   cfg.App
	fs     *flag.FlagSet
	as     string
	format string

	out    io.Writer
	errOut io.Writer
	L      log.Logger

	store *backend.Backend

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{
		fs:     flag.NewFlagSet("fragmentsyncctl", flag.ContinueOnError),
		out:    out,
		errOut: errOut,
		L:      log.Nop(),
	}
	cfg.Register(a.fs, &a.conf)
	// quieter defaults for interactive use
	a.setDefault("log-json", "false")
	a.setDefault("log-level", "warn")

	cmd := &cobra.Command{
		Use:          "fragmentsyncctl",
		Short:        "Inspect and drive a fragmentsync content store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.store != nil {
				a.store.Close()
			}
			_ = a.L.Sync()
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().AddGoFlagSet(a.fs)
	cmd.PersistentFlags().StringVar(&a.as, "as", "", "identity to open the session as (default: -service-identity)")
	cmd.PersistentFlags().StringVar(&a.format, "format", formatPretty, "Output format: pretty|json")

	cmd.AddCommand(
		copyCmd(a),
		treeCmd(a),
		refreshCmd(a),
		seedCmd(a),
		schemaCmd(a),
		versionCmd(a),
	)
	return cmd
}

func (a *app) setDefault(name, value string) {
	f := a.fs.Lookup(name)
	_ = f.Value.Set(value)
	f.DefValue = value
}

// setup settles configuration (cli > env > default), builds the logger and
// opens the store for commands that need one.
func (a *app) setup(cmd *cobra.Command) error {
	// mark flags given on the command line as explicit for FillFromEnv
	cmd.Flags().Visit(func(pf *pflag.Flag) {
		if a.fs.Lookup(pf.Name) != nil {
			_ = a.fs.Set(pf.Name, pf.Value.String())
		}
	})
	cfg.FillFromEnv(a.fs, cfg.EnvPrefix, nil)
	if err := cfg.Validate(a.conf); err != nil {
		return xerrors.Wrap(err, "config")
	}
	if a.format != formatPretty && a.format != formatJSON {
		return xerrors.Newf("unknown format %q (want %s or %s)", a.format, formatPretty, formatJSON)
	}
	if a.as == "" {
		a.as = a.conf.ServiceIdentity
	}

	lvl, _ := log.ParseLevel(a.conf.LogLevel)
	lg, err := log.New(log.Options{
		App:               "fragmentsyncctl",
		Level:             lvl,
		JsonFormat:        a.conf.LogJSON,
		MaxErrorLinks:     a.conf.MaxErrorLinks,
		IncludeErrorLinks: a.conf.IncludeErrorLinks,
		Writer:            a.errOut,
	})
	if err != nil {
		return err
	}
	a.L = lg

	if cmd.Annotations[needsStore] == "" {
		return nil
	}
	return a.open(cmd.Context())
}

func (a *app) open(ctx context.Context) error {
	var getter secrets.Getter
	if a.conf.PostgresDSN == "" && a.conf.PostgresDSNParam != "" {
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return err
		}
		getter = secrets.NewSSM(ssm.NewFromConfig(awsCfg), a.L)
	}
	store, err := backend.Open(ctx, backend.Options{Config: a.conf, Logger: a.L, Secrets: getter})
	if err != nil {
		return err
	}
	a.store = store

	// the memory store starts empty every run; -seed gives commands
	// something to work on
	if a.conf.SeedDocument != "" {
		if _, err := a.seed(ctx, a.conf.SeedDocument); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) seed(ctx context.Context, ref string) (seed.Stats, error) {
	var client seed.ObjectAPI
	if isS3(ref) {
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return seed.Stats{}, err
		}
		client = s3.NewFromConfig(awsCfg)
	}
	return a.store.Seed(ctx, seed.NewLoader(client, a.L), ref, a.as, a.L)
}

// aws loads the shared AWS config once, on first use.
func (a *app) aws(ctx context.Context) (aws.Config, error) {
	a.awsOnce.Do(func() {
		a.awsCfg, a.awsErr = config.LoadDefaultConfig(ctx)
		if a.awsErr != nil {
			a.awsErr = xerrors.Wrap(a.awsErr, "load AWS config")
		}
	})
	return a.awsCfg, a.awsErr
}

func isS3(ref string) bool {
	return strings.HasPrefix(ref, "s3://")
}
