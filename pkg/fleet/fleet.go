// Package fleet syncs many camera hosts with bounded parallelism.
//
// The Orchestrator schedules one syncer.Task per distinct host and never has
// more than Settings.BatchSize of them in flight. Every host in the input ends
// up with exactly one Outcome in the Report, including hosts whose task
// panicked and hosts that were never started because the context ended.
//
// Example Usage:
//
//	orch := fleet.New(transport, transport, fleet.WithLogger(log))
//	report, err := orch.Run(ctx, []string{"cam-01", "cam-02"}, inv.Settings())
//	if err != nil {
//	    return err // configuration problem, nothing ran
//	}
//	report.WriteText(os.Stdout)
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/liliang-cn/camsync/pkg/config"
	"github.com/liliang-cn/camsync/pkg/logger"
	"github.com/liliang-cn/camsync/pkg/remote"
	"github.com/liliang-cn/camsync/pkg/syncer"
)

// ErrConfig marks run preconditions that failed before any host was touched.
var ErrConfig = errors.New("invalid run configuration")

// Runner syncs a single host. *syncer.Task is the production Runner.
type Runner interface {
	Run(ctx context.Context, host string) syncer.Outcome
}

// Hooks observe a run as it progresses. Both are called from worker
// goroutines and must be safe for concurrent use.
type Hooks struct {
	Started  func(host string)
	Finished func(out syncer.Outcome)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunner replaces the per-host task built from the run settings.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHooks installs progress callbacks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) {
		o.hooks = h
	}
}

// Orchestrator fans host syncs out over a fixed number of slots.
type Orchestrator struct {
	lister remote.Lister
	agent  remote.Agent
	runner Runner
	logger *logger.Logger
	hooks  Hooks
}

// New creates an orchestrator using lister and agent for every host.
func New(lister remote.Lister, agent remote.Agent, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		lister: lister,
		agent:  agent,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run syncs every distinct host in hosts and blocks until all of them have an
// outcome. Per-host failures are reported in the Report; the error is only
// non-nil when the run could not start, and then it wraps ErrConfig.
func (o *Orchestrator) Run(ctx context.Context, hosts []string, settings config.Settings) (*Report, error) {
	targets := unique(hosts)
	if err := checkPreconditions(targets, settings); err != nil {
		return nil, err
	}

	runner := o.runner
	if runner == nil {
		timeout, err := settings.Timeout()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		runner = syncer.NewTask(o.lister, o.agent, syncer.Options{
			RemoteSourceDir:  settings.RemoteSourceDir,
			LocalStorageDir:  settings.LocalStorageDir,
			Extension:        settings.Extension,
			StabilityMinutes: settings.StabilityMinutes,
			Timeout:          timeout,
		}, o.logger)
	}

	o.logger.Info("syncing %d host(s), batch size %d", len(targets), settings.BatchSize)

	report := &Report{
		Outcomes:  make(map[string]syncer.Outcome, len(targets)),
		HostCount: len(targets),
	}
	var mu sync.Mutex
	record := func(out syncer.Outcome) {
		mu.Lock()
		report.Outcomes[out.Host] = out
		mu.Unlock()
		o.finished(out)
	}

	sem := make(chan struct{}, settings.BatchSize)
	var wg sync.WaitGroup
	start := time.Now()

	for i, host := range targets {
		if ctx.Err() == nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
		}
		if err := ctx.Err(); err != nil {
			o.logger.Warn("run interrupted, %d host(s) not started", len(targets)-i)
			for _, skipped := range targets[i:] {
				record(syncer.Unexpected(skipped, fmt.Errorf("not started: %w", err)))
			}
			break
		}

		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()
			record(o.runOne(ctx, runner, host))
		}(host)
	}

	wg.Wait()
	report.Elapsed = time.Since(start)

	o.logger.Info("run finished in %.2fs: %d synced, %d idle, %d failed",
		report.Elapsed.Seconds(), report.Synced(), report.Idle(), report.Failed())
	return report, nil
}

// runOne never lets a panic escape into the fan-out loop.
// finished reports out to the Finished hook. A panicking hook is logged and
// does not affect the run.
func (o *Orchestrator) finished(out syncer.Outcome) {
	if o.hooks.Finished == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("finished hook for %s panicked: %v", out.Host, r)
		}
	}()
	o.hooks.Finished(out)
}

func (o *Orchestrator) runOne(ctx context.Context, runner Runner, host string) (out syncer.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("task for %s panicked: %v\n%s", host, r, debug.Stack())
			out = syncer.Unexpected(host, fmt.Errorf("panic: %v", r))
		}
	}()

	if o.hooks.Started != nil {
		o.hooks.Started(host)
	}
	out = runner.Run(ctx, host)
	out.Host = host
	return out
}

func checkPreconditions(hosts []string, settings config.Settings) error {
	if len(hosts) == 0 {
		return fmt.Errorf("%w: no target hosts", ErrConfig)
	}
	if settings.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrConfig, settings.BatchSize)
	}
	fi, err := os.Stat(settings.LocalStorageDir)
	if err != nil {
		return fmt.Errorf("%w: local storage directory: %v", ErrConfig, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: local storage path %s is not a directory", ErrConfig, settings.LocalStorageDir)
	}
	return nil
}

// unique drops duplicates and empty names, keeping first-seen order.
func unique(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
