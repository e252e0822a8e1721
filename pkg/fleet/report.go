package fleet

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/liliang-cn/camsync/pkg/syncer"
)

// Report is the result of one run. It is read-only once Run returns.
type Report struct {
	Outcomes  map[string]syncer.Outcome
	Elapsed   time.Duration
	HostCount int
}

// Synced counts hosts whose files were moved.
func (r *Report) Synced() int {
	return r.count(func(s syncer.Status) bool { return s == syncer.StatusSynced })
}

// Idle counts hosts that had nothing to move.
func (r *Report) Idle() int {
	return r.count(func(s syncer.Status) bool { return s == syncer.StatusNoFiles })
}

// Failed counts hosts with any failure status.
func (r *Report) Failed() int {
	return r.count(syncer.Status.Failed)
}

// Files is the total number of files moved.
func (r *Report) Files() int {
	n := 0
	for _, out := range r.Outcomes {
		if out.Succeeded() {
			n += out.FileCount
		}
	}
	return n
}

func (r *Report) count(match func(syncer.Status) bool) int {
	n := 0
	for _, out := range r.Outcomes {
		if match(out.Status) {
			n++
		}
	}
	return n
}

// Sorted returns the outcomes ordered by host.
func (r *Report) Sorted() []syncer.Outcome {
	outs := make([]syncer.Outcome, 0, len(r.Outcomes))
	for _, out := range r.Outcomes {
		outs = append(outs, out)
	}
	sort.Slice(outs, func(i, j int) bool { return outs[i].Host < outs[j].Host })
	return outs
}

// WriteText prints one line per host followed by the totals.
func (r *Report) WriteText(w io.Writer) error {
	outs := r.Sorted()
	width := 0
	for _, out := range outs {
		if n := runewidth.StringWidth(out.Host); n > width {
			width = n
		}
	}

	for _, out := range outs {
		host := runewidth.FillRight(out.Host, width)
		if _, err := fmt.Fprintf(w, "%s  %-16s %s\n", host, out.Status, out.Message); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, r.Summary())
	return err
}

// Summary is the one-line totals view.
func (r *Report) Summary() string {
	return fmt.Sprintf("hosts: %d, synced: %d (%d files), idle: %d, failed: %d, elapsed: %.2fs",
		r.HostCount, r.Synced(), r.Files(), r.Idle(), r.Failed(), r.Elapsed.Seconds())
}
