package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/fragmentsync/internal/cfg"
	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/contentrepo/pgstore"
	"github.com/keithlinneman/fragmentsync/internal/mirror"
	"github.com/keithlinneman/fragmentsync/internal/version"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

type copyResult struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Force       bool   `json:"force"`
	Copied      int    `json:"copied"`
	Skipped     int    `json:"skipped"`
	Wiped       int    `json:"wiped"`
	Failed      int    `json:"failed"`
}

func copyCmd(a *app) *cobra.Command {
	var force bool
	var fragment bool

	c := &cobra.Command{
		Use:   "copy <origin> <destination>",
		Short: "Mirror the children of origin into destination once, in one commit",
		Long: `Runs the same copy the daemon runs for a refresh signal. Children of the
destination are replaced when their names differ from the origin's, or
always with --force. With --fragment the first argument is a fragment path
and -origin-suffix is appended to it.`,
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{needsStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			origin, dest := args[0], args[1]
			if fragment {
				origin = a.conf.Mirror().OriginPath(origin)
			}
			st, err := mirror.NewEngine(a.L, nil).Mirror(cmd.Context(), a.store.Identities, a.as, origin, dest, force)
			if err != nil {
				return err
			}
			res := copyResult{
				Origin:      origin,
				Destination: dest,
				Force:       force,
				Copied:      st.Copied,
				Skipped:     st.Skipped,
				Wiped:       st.Wiped,
				Failed:      st.Failed,
			}
			if err := a.emit(res, func(w io.Writer) error {
				return printf(w, "%s -> %s: copied=%d skipped=%d wiped=%d failed=%d\n",
					origin, dest, st.Copied, st.Skipped, st.Wiped, st.Failed)
			}); err != nil {
				return err
			}
			if st.Failed > 0 {
				return xerrors.Newf("%d child copies failed", st.Failed)
			}
			return nil
		},
	}

	c.Flags().BoolVar(&force, "force", false, "Replace children even when names match")
	c.Flags().BoolVar(&fragment, "fragment", false, "Treat origin as a fragment path and append -origin-suffix")
	return c
}

func refreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "refresh <component-path>",
		Short:       "Set the refresh flag on a component so the daemon re-mirrors it",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{needsStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p := args[0]

			sess, err := a.store.Identities.Acquire(ctx, a.as)
			if err != nil {
				return err
			}
			defer sess.Close()

			initialized, err := signalRefresh(ctx, sess, p)
			if err != nil {
				return err
			}
			return a.emit(map[string]any{"path": p, mirror.RefreshProperty: true, "initialized": initialized}, func(w io.Writer) error {
				return printf(w, "%s: %s=true\n", p, mirror.RefreshProperty)
			})
		},
	}
}

// signalRefresh sets the refresh flag on p. The daemon only reacts to
// changed properties, so a flag that does not exist yet is first committed
// as false. It reports whether that was needed.
func signalRefresh(ctx context.Context, sess contentrepo.Session, p string) (bool, error) {
	n, err := sess.Resolve(ctx, p)
	if err != nil {
		return false, xerrors.Wrapf(err, "resolve %s", p)
	}
	_, present := n.Properties[mirror.RefreshProperty]
	if !present {
		if err := sess.SetProperty(ctx, p, mirror.RefreshProperty, false); err != nil {
			return false, err
		}
		if err := sess.Commit(ctx); err != nil {
			return false, err
		}
	}
	if err := sess.SetProperty(ctx, p, mirror.RefreshProperty, true); err != nil {
		return !present, err
	}
	return !present, sess.Commit(ctx)
}

func seedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "seed <document>",
		Short:       "Import a YAML seed document (path or s3://bucket/key)",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{needsStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.seed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(map[string]any{"document": args[0], "created": st.Created, "updated": st.Updated}, func(w io.Writer) error {
				return printf(w, "%s: created=%d updated=%d\n", args[0], st.Created, st.Updated)
			})
		},
	}
}

func schemaCmd(a *app) *cobra.Command {
	var printOnly bool

	c := &cobra.Command{
		Use:   "schema",
		Short: "Install the postgres schema, or print it with --print",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printOnly {
				_, err := io.WriteString(a.out, pgstore.Schema())
				return err
			}
			if a.conf.StoreBackend != cfg.BackendPostgres {
				return xerrors.Newf("schema install needs -store=%s", cfg.BackendPostgres)
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			if !a.conf.InstallSchema {
				if err := a.store.Postgres.Install(cmd.Context()); err != nil {
					return err
				}
			}
			return printf(a.out, "schema installed\n")
		},
	}

	c.Flags().BoolVar(&printOnly, "print", false, "Print the schema SQL instead of installing it")
	return c
}

func versionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			vi := version.Get()
			return a.emit(vi, func(w io.Writer) error {
				return printf(w, "%s\n", vi.String())
			})
		},
	}
}
