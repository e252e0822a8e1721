// Package remote lists finished recordings on camera hosts and moves them to
// the collector.
//
// Lister and Agent are the two capabilities a host sync needs. SSHTransport
// implements both over a cached x/crypto/ssh connection per host; RsyncAgent
// shells out to rsync the way the first collector script did.
package remote

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// Filter selects the files a Lister reports.
type Filter struct {
	// Extension including the dot, e.g. ".h264".
	Extension string
	// MinAgeMinutes is the stability threshold: only files last modified
	// strictly more than this many minutes ago are listed.
	MinAgeMinutes int
}

// Lister finds files on one host that are safe to transfer.
type Lister interface {
	List(ctx context.Context, host, dir string, filter Filter) ([]string, error)
}

// Agent copies a batch of remote files into destDir and removes each source
// once its copy is confirmed. Any failure fails the whole call.
type Agent interface {
	Transfer(ctx context.Context, host string, files []string, destDir string) error
}

// Releaser is implemented by collaborators holding per-host resources.
type Releaser interface {
	Release(host string)
}

// FindCommand builds the remote listing command.
func FindCommand(dir string, filter Filter) string {
	ext := filter.Extension
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	minAge := filter.MinAgeMinutes
	if minAge < 0 {
		minAge = 0
	}
	return fmt.Sprintf("find %s -name %s -mmin +%d -type f",
		shellQuote(dir), shellQuote("*"+ext), minAge)
}

// parseFileList splits find output into paths, skipping blank lines.
func parseFileList(out string) []string {
	var files []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		files = append(files, line)
	}
	return files
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
