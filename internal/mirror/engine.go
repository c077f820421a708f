package mirror

import (
	"context"
	"strings"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// CopyStats summarizes one CopySubtree run.
type CopyStats struct {
	// Copied counts origin children deep-copied into the destination.
	Copied int
	// Skipped counts origin children left alone because names matched.
	Skipped int
	// Wiped counts destination children removed before a copy.
	Wiped int
	// Failed counts origin children whose copy failed.
	Failed int
	// Resolved is false when origin or destination did not resolve.
	Resolved bool
}

// Engine runs the diff-and-copy algorithm against a session.
type Engine struct {
	logger  log.Logger
	metrics Metrics
}

func NewEngine(logger log.Logger, m Metrics) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{logger: logger, metrics: metricsOrNop(m)}
}

// CopySubtree mirrors the children of originPath into destPath within sess.
// Nothing is committed. If either path does not resolve it returns without
// touching the store.
//
// For each origin child, in order, the destination is wiped and the child
// copied in when force is set, the destination is empty, or any destination
// child's name differs (ignoring case) from the origin child's. A mismatch
// therefore wipes children copied for earlier origin children too.
func (e *Engine) CopySubtree(ctx context.Context, sess contentrepo.Session, originPath, destPath string, force bool) CopyStats {
	var st CopyStats
	ctx = log.WithFields(ctx, log.Copy(originPath, destPath, force)...)

	if _, err := sess.Resolve(ctx, originPath); err != nil {
		e.logger.Debug(ctx, "origin does not resolve, nothing to mirror", "reason", err.Error())
		return st
	}
	if _, err := sess.Resolve(ctx, destPath); err != nil {
		e.logger.Debug(ctx, "destination does not resolve, nothing to mirror", "reason", err.Error())
		return st
	}
	st.Resolved = true

	originKids, err := sess.Children(ctx, originPath)
	if err != nil {
		e.logger.Error(ctx, err, "list origin children")
		return st
	}

	for _, child := range originKids {
		destKids, err := sess.Children(ctx, destPath)
		if err != nil {
			e.logger.Error(ctx, err, "list destination children", "child", child.Name)
			st.Failed++
			continue
		}

		if !force && !namesDiffer(destKids, child.Name) {
			st.Skipped++
			continue
		}

		st.Wiped += e.wipe(ctx, sess, destPath, destKids)

		if err := sess.CopySubtreeInto(ctx, child.Path, destPath); err != nil {
			e.logger.Error(ctx, err, "copy origin child", "origin_child", child.Path)
			st.Failed++
			continue
		}
		st.Copied++
	}

	e.metrics.AddCopies(st.Copied)
	e.metrics.AddCopyFailures(st.Failed)
	e.metrics.AddWipes(st.Wiped)
	return st
}

// wipe removes every child in kids from parent and returns how many went.
// A failed removal is logged and the rest are still attempted.
func (e *Engine) wipe(ctx context.Context, sess contentrepo.Session, parent string, kids []contentrepo.Node) int {
	removed := 0
	for _, k := range kids {
		if err := sess.RemoveChild(ctx, parent, k.Name); err != nil {
			e.logger.Error(ctx, err, "remove destination child", "child", k.Name)
			continue
		}
		removed++
	}
	return removed
}

// namesDiffer is true when dest is empty or holds any child whose name is
// not name, compared case-insensitively.
func namesDiffer(dest []contentrepo.Node, name string) bool {
	if len(dest) == 0 {
		return true
	}
	for _, d := range dest {
		if !strings.EqualFold(d.Name, name) {
			return true
		}
	}
	return false
}

// Mirror runs CopySubtree in its own session acquired for identity and
// commits the result. It backs the operator's on-demand copy.
func (e *Engine) Mirror(ctx context.Context, ids contentrepo.IdentityProvider, identity, originPath, destPath string, force bool) (CopyStats, error) {
	sess, err := ids.Acquire(ctx, identity)
	if err != nil {
		return CopyStats{}, xerrors.Wrapf(err, "acquire session for %q", identity)
	}
	defer sess.Close()

	st := e.CopySubtree(ctx, sess, originPath, destPath, force)
	if !st.Resolved {
		return st, xerrors.Mark(xerrors.Newf("mirror %s -> %s: path does not resolve", originPath, destPath), contentrepo.ErrNotFound)
	}
	if err := sess.Commit(ctx); err != nil {
		e.metrics.IncCommitFailure(StageSync)
		return st, xerrors.Wrap(err, "commit mirrored subtree")
	}
	e.logger.Info(ctx, "subtree mirrored", append(log.Copy(originPath, destPath, force),
		"copied", st.Copied,
		"skipped", st.Skipped,
		"failed", st.Failed,
	)...)
	return st, nil
}
