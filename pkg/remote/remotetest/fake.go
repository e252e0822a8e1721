// Package remotetest provides an in-memory Lister and Agent for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liliang-cn/camsync/pkg/remote"
)

// ErrUnknownHost is returned for hosts without a script.
var ErrUnknownHost = errors.New("unknown host")

// Host scripts how one fake camera answers.
type Host struct {
	Files       []string
	ListErr     error
	TransferErr error
	// ListPanic and TransferPanic, when non-nil, are raised with panic().
	ListPanic     interface{}
	TransferPanic interface{}
	// Delay is slept inside List, honouring ctx.
	Delay time.Duration
}

// Fake implements remote.Lister, remote.Agent and remote.Releaser.
type Fake struct {
	mu        sync.Mutex
	hosts     map[string]Host
	lists     map[string]int
	filters   map[string]remote.Filter
	transfers map[string][]string
	destDirs  map[string]string
	releases  map[string]int
}

// New creates a fake from per-host scripts.
func New(hosts map[string]Host) *Fake {
	return &Fake{
		hosts:     hosts,
		lists:     make(map[string]int),
		filters:   make(map[string]remote.Filter),
		transfers: make(map[string][]string),
		destDirs:  make(map[string]string),
		releases:  make(map[string]int),
	}
}

// List implements remote.Lister.
func (f *Fake) List(ctx context.Context, host, dir string, filter remote.Filter) ([]string, error) {
	f.mu.Lock()
	h, ok := f.hosts[host]
	f.lists[host]++
	f.filters[host] = filter
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", host, ErrUnknownHost)
	}
	if h.ListPanic != nil {
		panic(h.ListPanic)
	}
	if h.Delay > 0 {
		select {
		case <-time.After(h.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.ListErr != nil {
		return nil, h.ListErr
	}
	return append([]string(nil), h.Files...), nil
}

// Transfer implements remote.Agent.
func (f *Fake) Transfer(ctx context.Context, host string, files []string, destDir string) error {
	f.mu.Lock()
	h := f.hosts[host]
	f.transfers[host] = append([]string(nil), files...)
	f.destDirs[host] = destDir
	f.mu.Unlock()

	if h.TransferPanic != nil {
		panic(h.TransferPanic)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.TransferErr
}

// Release implements remote.Releaser.
func (f *Fake) Release(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases[host]++
}

// ListCalls returns how often List ran for host.
func (f *Fake) ListCalls(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[host]
}

// Filter returns the filter last passed to List for host.
func (f *Fake) Filter(host string) remote.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[host]
}

// Transferred returns the batch passed to Transfer for host and whether
// Transfer was called at all.
func (f *Fake) Transferred(host string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.transfers[host]
	return files, ok
}

// DestDir returns the destination passed to Transfer for host.
func (f *Fake) DestDir(host string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destDirs[host]
}

// Releases returns how often Release ran for host.
func (f *Fake) Releases(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases[host]
}
