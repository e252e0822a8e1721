package fleet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liliang-cn/camsync/pkg/config"
	"github.com/liliang-cn/camsync/pkg/remote/remotetest"
	"github.com/liliang-cn/camsync/pkg/syncer"
)

// gateRunner records how many hosts run at once. Each Run holds its slot
// until the observed maximum reaches target (or a deadline passes), so the
// maximum is reached deterministically when the orchestrator allows it.
type gateRunner struct {
	inner  Runner
	target int

	mu     sync.Mutex
	active int
	max    int
}

func (g *gateRunner) Run(ctx context.Context, host string) syncer.Outcome {
	g.mu.Lock()
	g.active++
	if g.active > g.max {
		g.max = g.active
	}
	g.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		reached := g.max >= g.target
		g.mu.Unlock()
		if reached {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// Keep the slot a little longer so overlapping starts are visible.
	time.Sleep(5 * time.Millisecond)

	var out syncer.Outcome
	if g.inner != nil {
		out = g.inner.Run(ctx, host)
	} else {
		out = syncer.Outcome{Host: host, Status: syncer.StatusNoFiles, Message: "no files to sync"}
	}

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return out
}

func (g *gateRunner) maxActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

type runnerFunc func(ctx context.Context, host string) syncer.Outcome

func (f runnerFunc) Run(ctx context.Context, host string) syncer.Outcome {
	return f(ctx, host)
}

func testSettings(t *testing.T, batch int) config.Settings {
	t.Helper()
	return config.Settings{
		RemoteSourceDir:  "/home/pi/cctv_buffer",
		LocalStorageDir:  t.TempDir(),
		BatchSize:        batch,
		StabilityMinutes: 1,
		Extension:        ".h264",
	}
}

func hostNames(n int) []string {
	hosts := make([]string, n)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("cam-%02d", i+1)
	}
	return hosts
}

func TestRunBoundsConcurrency(t *testing.T) {
	tests := []struct {
		hosts int
		batch int
	}{
		{1, 1},
		{3, 1},
		{5, 2},
		{7, 3},
		{4, 10},
		{12, 4},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("hosts=%d/batch=%d", tt.hosts, tt.batch), func(t *testing.T) {
			want := tt.batch
			if tt.hosts < want {
				want = tt.hosts
			}
			gate := &gateRunner{target: want}
			orch := New(nil, nil, WithRunner(gate))

			hosts := hostNames(tt.hosts)
			report, err := orch.Run(context.Background(), hosts, testSettings(t, tt.batch))
			if err != nil {
				t.Fatal(err)
			}

			if len(report.Outcomes) != tt.hosts || report.HostCount != tt.hosts {
				t.Errorf("expected %d outcomes, got %d (host count %d)", tt.hosts, len(report.Outcomes), report.HostCount)
			}
			for _, h := range hosts {
				if _, ok := report.Outcomes[h]; !ok {
					t.Errorf("missing outcome for %s", h)
				}
			}
			if got := gate.maxActive(); got > tt.batch {
				t.Errorf("max concurrency %d exceeds batch size %d", got, tt.batch)
			} else if got != want {
				t.Errorf("expected %d hosts in flight at peak, got %d", want, got)
			}
		})
	}
}

func TestRunEndToEnd(t *testing.T) {
	fake := remotetest.New(map[string]remotetest.Host{
		"cam-a": {Files: []string{"/buf/1.h264", "/buf/2.h264"}},
		"cam-b": {},
		"cam-c": {ListErr: errors.New("ssh: handshake failed: EOF")},
	})
	settings := testSettings(t, 2)
	task := syncer.NewTask(fake, fake, syncer.Options{
		RemoteSourceDir:  settings.RemoteSourceDir,
		LocalStorageDir:  settings.LocalStorageDir,
		Extension:        settings.Extension,
		StabilityMinutes: settings.StabilityMinutes,
	}, nil)
	gate := &gateRunner{inner: task, target: 2}

	report, err := New(fake, fake, WithRunner(gate)).Run(context.Background(), []string{"cam-a", "cam-b", "cam-c"}, settings)
	if err != nil {
		t.Fatal(err)
	}

	if got := gate.maxActive(); got != 2 {
		t.Errorf("expected exactly 2 hosts in flight at peak, got %d", got)
	}

	a := report.Outcomes["cam-a"]
	if !a.Succeeded() || a.FileCount != 2 {
		t.Errorf("cam-a: expected 2 synced files, got %v/%d", a.Status, a.FileCount)
	}
	if b := report.Outcomes["cam-b"]; b.Status != syncer.StatusNoFiles {
		t.Errorf("cam-b: expected idle, got %v", b.Status)
	}
	c := report.Outcomes["cam-c"]
	if c.Status != syncer.StatusListFailed || !strings.Contains(c.Message, "handshake failed") {
		t.Errorf("cam-c: unexpected outcome %v %q", c.Status, c.Message)
	}

	if report.Synced() != 1 || report.Idle() != 1 || report.Failed() != 1 || report.Files() != 2 {
		t.Errorf("unexpected totals: %s", report.Summary())
	}
	if _, err := os.Stat(filepath.Join(settings.LocalStorageDir, "cam-b")); err != nil {
		t.Errorf("idle host should still get its directory: %v", err)
	}
}

func TestRunDefaultTask(t *testing.T) {
	fake := remotetest.New(map[string]remotetest.Host{
		"cam-01": {Files: []string{"/buf/1.h264"}},
	})
	settings := testSettings(t, 1)

	report, err := New(fake, fake).Run(context.Background(), []string{"cam-01"}, settings)
	if err != nil {
		t.Fatal(err)
	}
	if out := report.Outcomes["cam-01"]; !out.Succeeded() {
		t.Fatalf("expected success, got %v: %s", out.Status, out.Message)
	}
	if want := filepath.Join(settings.LocalStorageDir, "cam-01"); fake.DestDir("cam-01") != want {
		t.Errorf("expected destination %s, got %s", want, fake.DestDir("cam-01"))
	}
}

func TestRunIsolatesPanics(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, host string) syncer.Outcome {
		if host == "cam-02" {
			var m map[string]int
			m["boom"]++
		}
		return syncer.Outcome{Host: host, Status: syncer.StatusSynced, FileCount: 1}
	})

	report, err := New(nil, nil, WithRunner(runner)).Run(context.Background(), hostNames(3), testSettings(t, 3))
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(report.Outcomes))
	}
	bad := report.Outcomes["cam-02"]
	if bad.Status != syncer.StatusUnexpected || !strings.Contains(bad.Message, "panic") {
		t.Errorf("expected recovered panic outcome, got %v %q", bad.Status, bad.Message)
	}
	for _, h := range []string{"cam-01", "cam-03"} {
		if !report.Outcomes[h].Succeeded() {
			t.Errorf("%s should not be affected by another host's panic", h)
		}
	}
}

func TestRunCollapsesDuplicates(t *testing.T) {
	var calls int32
	runner := runnerFunc(func(ctx context.Context, host string) syncer.Outcome {
		atomic.AddInt32(&calls, 1)
		return syncer.Outcome{Host: host, Status: syncer.StatusNoFiles}
	})

	hosts := []string{"cam-01", "cam-02", "cam-01", "", "cam-02", "cam-03"}
	report, err := New(nil, nil, WithRunner(runner)).Run(context.Background(), hosts, testSettings(t, 2))
	if err != nil {
		t.Fatal(err)
	}
	if report.HostCount != 3 || len(report.Outcomes) != 3 {
		t.Errorf("expected 3 distinct hosts, got %d outcomes", len(report.Outcomes))
	}
	if calls != 3 {
		t.Errorf("expected 3 task runs, got %d", calls)
	}
}

func TestRunPreconditions(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		hosts  []string
		modify func(*config.Settings)
	}{
		{"no hosts", nil, nil},
		{"only empty hosts", []string{""}, nil},
		{"zero batch", []string{"cam-01"}, func(s *config.Settings) { s.BatchSize = 0 }},
		{"missing dir", []string{"cam-01"}, func(s *config.Settings) { s.LocalStorageDir = filepath.Join(file, "nope") }},
		{"dir is a file", []string{"cam-01"}, func(s *config.Settings) { s.LocalStorageDir = file }},
		{"bad timeout", []string{"cam-01"}, func(s *config.Settings) { s.TaskTimeout = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := testSettings(t, 2)
			if tt.modify != nil {
				tt.modify(&settings)
			}
			fake := remotetest.New(nil)

			report, err := New(fake, fake).Run(context.Background(), tt.hosts, settings)
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if report != nil {
				t.Error("no report expected on configuration error")
			}
			if fake.ListCalls("cam-01") != 0 {
				t.Error("no host should be contacted")
			}
		})
	}
}

func TestRunCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	runner := runnerFunc(func(ctx context.Context, host string) syncer.Outcome {
		atomic.AddInt32(&calls, 1)
		return syncer.Outcome{Host: host, Status: syncer.StatusSynced}
	})

	report, err := New(nil, nil, WithRunner(runner)).Run(ctx, hostNames(4), testSettings(t, 2))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("no task should run after cancellation, got %d", calls)
	}
	if len(report.Outcomes) != 4 || report.Failed() != 4 {
		t.Errorf("expected 4 failed outcomes, got %d/%d", len(report.Outcomes), report.Failed())
	}
	for _, out := range report.Outcomes {
		if !strings.Contains(out.Message, "not started") || !errors.Is(out.Err, context.Canceled) {
			t.Errorf("%s: unexpected outcome %q", out.Host, out.Message)
		}
	}
}

func TestRunCanceledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := runnerFunc(func(ctx context.Context, host string) syncer.Outcome {
		cancel()
		<-ctx.Done()
		return syncer.Outcome{Host: host, Status: syncer.StatusListFailed, Err: ctx.Err(), Message: "listing failed: " + ctx.Err().Error()}
	})

	report, err := New(nil, nil, WithRunner(runner)).Run(ctx, hostNames(3), testSettings(t, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(report.Outcomes))
	}
	if out := report.Outcomes["cam-01"]; out.Status != syncer.StatusListFailed {
		t.Errorf("in-flight host should report its own failure, got %v", out.Status)
	}
	for _, h := range []string{"cam-02", "cam-03"} {
		if out := report.Outcomes[h]; out.Status != syncer.StatusUnexpected {
			t.Errorf("%s: expected not-started outcome, got %v", h, out.Status)
		}
	}
}

func TestRunHooks(t *testing.T) {
	var started, finished int32
	hooks := Hooks{
		Started:  func(string) { atomic.AddInt32(&started, 1) },
		Finished: func(syncer.Outcome) { atomic.AddInt32(&finished, 1) },
	}
	runner := runnerFunc(func(ctx context.Context, host string) syncer.Outcome {
		return syncer.Outcome{Host: host, Status: syncer.StatusNoFiles}
	})

	if _, err := New(nil, nil, WithRunner(runner), WithHooks(hooks)).Run(context.Background(), hostNames(5), testSettings(t, 2)); err != nil {
		t.Fatal(err)
	}
	if started != 5 || finished != 5 {
		t.Errorf("expected 5 started and 5 finished, got %d and %d", started, finished)
	}
}

func TestRunSurvivesHookPanic(t *testing.T) {
	var finished int32
	hooks := Hooks{
		Finished: func(out syncer.Outcome) {
			atomic.AddInt32(&finished, 1)
			if out.Host == "cam-02" {
				panic("display gone")
			}
		},
	}
	runner := runnerFunc(func(ctx context.Context, host string) syncer.Outcome {
		return syncer.Outcome{Host: host, Status: syncer.StatusSynced, FileCount: 1}
	})

	report, err := New(nil, nil, WithRunner(runner), WithHooks(hooks)).Run(context.Background(), hostNames(3), testSettings(t, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Outcomes) != 3 || report.Synced() != 3 {
		t.Errorf("a failing hook must not change outcomes, got %s", report.Summary())
	}
	if finished != 3 {
		t.Errorf("expected 3 finished calls, got %d", finished)
	}
}

func TestReportText(t *testing.T) {
	report := &Report{
		Outcomes: map[string]syncer.Outcome{
			"cam-10": {Host: "cam-10", Status: syncer.StatusNoFiles, Message: "no files to sync"},
			"cam-2":  {Host: "cam-2", Status: syncer.StatusSynced, FileCount: 4, Message: "synced 4 file(s) to /data/cam-2"},
			"cam-03": {Host: "cam-03", Status: syncer.StatusTransferFailed, Message: "transfer failed: exit status 23"},
		},
		HostCount: 3,
		Elapsed:   1500 * time.Millisecond,
	}

	sorted := report.Sorted()
	if sorted[0].Host != "cam-03" || sorted[1].Host != "cam-10" || sorted[2].Host != "cam-2" {
		t.Errorf("unexpected order: %v, %v, %v", sorted[0].Host, sorted[1].Host, sorted[2].Host)
	}

	var buf bytes.Buffer
	if err := report.WriteText(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[2], "cam-2   synced") {
		t.Errorf("host column not padded: %q", lines[2])
	}
	if want := "hosts: 3, synced: 1 (4 files), idle: 1, failed: 1, elapsed: 1.50s"; lines[3] != want {
		t.Errorf("expected summary %q, got %q", want, lines[3])
	}
}
