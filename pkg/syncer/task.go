// Package syncer runs the sync of a single camera host: prepare the local
// directory, list stable recordings, move them in one batch.
//
// Task.Run never panics and never returns an error. Every way the sync can
// end is reported as an Outcome with a Status.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/liliang-cn/camsync/pkg/logger"
	"github.com/liliang-cn/camsync/pkg/remote"
)

// Options are the parts of the run settings a task needs.
type Options struct {
	RemoteSourceDir  string
	LocalStorageDir  string
	Extension        string
	StabilityMinutes int
	// Timeout bounds a single host sync; zero means none.
	Timeout time.Duration
}

// Task syncs one host at a time. A Task is safe for concurrent use when its
// Lister and Agent are.
type Task struct {
	lister remote.Lister
	agent  remote.Agent
	opts   Options
	logger *logger.Logger
}

// NewTask creates a task.
func NewTask(lister remote.Lister, agent remote.Agent, opts Options, log *logger.Logger) *Task {
	if log == nil {
		log = logger.Discard()
	}
	return &Task{lister: lister, agent: agent, opts: opts, logger: log}
}

// PrepareDir creates base/host if needed and returns its path. Existing
// content is left alone.
func PrepareDir(base, host string) (string, error) {
	if host == "" || host == "." || host == ".." || filepath.Base(host) != host {
		return "", fmt.Errorf("host %q cannot be used as a directory name", host)
	}
	dir := filepath.Join(base, host)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// Run syncs host and returns its outcome.
func (t *Task) Run(ctx context.Context, host string) (out Outcome) {
	out = Outcome{Host: host, StartTime: time.Now()}
	log := t.logger.WithField("host", host)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Debug("recovered panic: %v\n%s", r, debug.Stack())
			start := out.StartTime
			out = Unexpected(host, err)
			out.StartTime = start
		}
		out.EndTime = time.Now()
	}()

	defer t.release(host)

	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	localDir, err := PrepareDir(t.opts.LocalStorageDir, host)
	if err != nil {
		return t.fail(out, StatusPrepareFailed, "local directory", err)
	}

	filter := remote.Filter{Extension: t.opts.Extension, MinAgeMinutes: t.opts.StabilityMinutes}
	files, err := t.lister.List(ctx, host, t.opts.RemoteSourceDir, filter)
	if err != nil {
		return t.fail(out, StatusListFailed, "listing failed", err)
	}

	if len(files) == 0 {
		out.Status = StatusNoFiles
		out.Message = "no files to sync"
		log.Debug("no files to sync")
		return out
	}

	log.Debug("transferring %d file(s) to %s", len(files), localDir)
	if err := t.agent.Transfer(ctx, host, files, localDir); err != nil {
		return t.fail(out, StatusTransferFailed, "transfer failed", err)
	}

	out.Status = StatusSynced
	out.FileCount = len(files)
	out.Message = fmt.Sprintf("synced %d file(s) to %s", len(files), localDir)
	return out
}

func (t *Task) fail(out Outcome, status Status, what string, err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) && t.opts.Timeout > 0 {
		err = fmt.Errorf("timed out after %v: %w", t.opts.Timeout, err)
	}
	out.Status = status
	out.Err = err
	out.Message = fmt.Sprintf("%s: %v", what, err)
	return out
}

// release frees per-host resources. The lister and agent are often the same
// value, so Release must tolerate a second call.
func (t *Task) release(host string) {
	if r, ok := t.lister.(remote.Releaser); ok {
		r.Release(host)
	}
	if r, ok := t.agent.(remote.Releaser); ok {
		r.Release(host)
	}
}
