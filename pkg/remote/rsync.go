package remote

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	camssh "github.com/liliang-cn/camsync/pkg/ssh"
)

// RsyncAgent moves files with the local rsync binary. rsync deletes each
// source file only after that file has been transferred successfully.
type RsyncAgent struct {
	// Binary is the rsync executable, "rsync" when empty.
	Binary string
	// BandwidthLimit is passed as --bwlimit in KiB/s when > 0.
	BandwidthLimit int
	specs          SpecFunc
}

// NewRsyncAgent creates an agent. specs may be nil.
func NewRsyncAgent(specs SpecFunc) *RsyncAgent {
	return &RsyncAgent{specs: specs}
}

// Args returns the rsync arguments for one host batch.
func (a *RsyncAgent) Args(host, destDir string) []string {
	spec := camssh.HostSpec{Address: host}
	if a.specs != nil {
		spec = a.specs(host)
	}

	args := []string{"-az", "--remove-source-files", "--files-from=-", "--no-relative"}
	if a.BandwidthLimit > 0 {
		args = append(args, "--bwlimit="+strconv.Itoa(a.BandwidthLimit))
	}

	rsh := []string{"ssh", "-o", "BatchMode=yes"}
	if spec.Port != 0 && spec.Port != 22 {
		rsh = append(rsh, "-p", strconv.Itoa(spec.Port))
	}
	if spec.KeyPath != "" {
		rsh = append(rsh, "-i", spec.KeyPath)
	}
	for i, word := range rsh {
		rsh[i] = rshQuote(word)
	}
	args = append(args, "-e", strings.Join(rsh, " "))

	source := spec.Address + ":/"
	if spec.User != "" {
		source = spec.User + "@" + source
	}
	return append(args, source, strings.TrimRight(destDir, "/")+"/")
}

// Transfer runs one rsync invocation with the file list on stdin.
func (a *RsyncAgent) Transfer(ctx context.Context, host string, files []string, destDir string) error {
	if len(files) == 0 {
		return nil
	}

	bin := a.Binary
	if bin == "" {
		bin = "rsync"
	}

	cmd := exec.CommandContext(ctx, bin, a.Args(host, destDir)...)
	cmd.Stdin = strings.NewReader(strings.Join(files, "\n") + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("rsync: %w: %s", err, msg)
		}
		return fmt.Errorf("rsync: %w", err)
	}
	return nil
}

// rshQuote quotes a word of the -e command when rsync's own splitting would
// break it apart.
func rshQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`") {
		return s
	}
	return shellQuote(s)
}
