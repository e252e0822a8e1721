package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/liliang-cn/camsync/pkg/logger"
	camssh "github.com/liliang-cn/camsync/pkg/ssh"
	"golang.org/x/crypto/ssh"
)

// ErrDestinationExists is returned when a local file already has the name of
// the file being fetched. The remote copy is left in place.
var ErrDestinationExists = errors.New("local file already exists, source kept")

// Dialer opens SSH connections. *camssh.Client implements it.
type Dialer interface {
	Connect(ctx context.Context, spec camssh.HostSpec) (*ssh.Client, error)
}

// SpecFunc maps a host address to its connection parameters.
type SpecFunc func(host string) camssh.HostSpec

// SSHTransport lists and transfers files over SSH. The connection opened by
// List is reused by Transfer for the same host until Release or Close.
type SSHTransport struct {
	dialer Dialer
	specs  SpecFunc
	logger *logger.Logger

	mu    sync.Mutex
	conns map[string]*ssh.Client
}

// NewSSHTransport creates a transport. specs may be nil, in which case the
// host string is used as the address.
func NewSSHTransport(dialer Dialer, specs SpecFunc, log *logger.Logger) *SSHTransport {
	if specs == nil {
		specs = func(host string) camssh.HostSpec { return camssh.HostSpec{Address: host} }
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SSHTransport{
		dialer: dialer,
		specs:  specs,
		logger: log,
		conns:  make(map[string]*ssh.Client),
	}
}

// conn gets or creates the connection for host.
func (t *SSHTransport) conn(ctx context.Context, host string) (*ssh.Client, error) {
	t.mu.Lock()
	if c, ok := t.conns[host]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	c, err := t.dialer.Connect(ctx, t.specs(host))
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[host]; ok {
		c.Close()
		return existing, nil
	}
	t.conns[host] = c
	return c, nil
}

// Release closes the cached connection for host.
func (t *SSHTransport) Release(host string) {
	t.mu.Lock()
	c, ok := t.conns[host]
	delete(t.conns, host)
	t.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Close closes every cached connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*ssh.Client)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// List runs find on host and returns the matching absolute paths.
func (t *SSHTransport) List(ctx context.Context, host, dir string, filter Filter) ([]string, error) {
	conn, err := t.conn(ctx, host)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	cmd := FindCommand(dir, filter)
	res, err := camssh.Run(ctx, conn, cmd, nil, &out)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("find exited %d: %s", res.ExitCode, res.Diagnostic())
	}

	files := parseFileList(out.String())
	t.logger.WithField("host", host).Debug("%d file(s) eligible under %s", len(files), dir)
	return files, nil
}

// Transfer copies each file into destDir and deletes the remote copy right
// after the local copy is synced, renamed into place and its size matches
// the remote size. It stops at the first failure; files handled before that
// point stay moved.
func (t *SSHTransport) Transfer(ctx context.Context, host string, files []string, destDir string) error {
	conn, err := t.conn(ctx, host)
	if err != nil {
		return err
	}

	log := t.logger.WithField("host", host)
	for i, remotePath := range files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transfer interrupted after %d of %d file(s): %w", i, len(files), err)
		}
		n, err := t.moveFile(ctx, conn, remotePath, destDir)
		if err != nil {
			return fmt.Errorf("%s (%d of %d moved): %w", remotePath, i, len(files), err)
		}
		log.Debug("moved %s (%d bytes)", remotePath, n)
	}
	return nil
}

func (t *SSHTransport) moveFile(ctx context.Context, conn *ssh.Client, remotePath, destDir string) (int64, error) {
	quoted := shellQuote(remotePath)

	size, err := remoteSize(ctx, conn, quoted)
	if err != nil {
		return 0, err
	}

	base := path.Base(remotePath)
	final := filepath.Join(destDir, base)
	partial := filepath.Join(destDir, "."+base+".part")
	if _, err := os.Lstat(final); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrDestinationExists, final)
	}

	written, err := fetchTo(ctx, conn, quoted, partial)
	if err != nil {
		os.Remove(partial)
		return 0, err
	}
	if written != size {
		os.Remove(partial)
		return 0, fmt.Errorf("size mismatch: remote %d bytes, received %d", size, written)
	}
	if err := placeFile(partial, final); err != nil {
		os.Remove(partial)
		return 0, err
	}

	res, err := camssh.Run(ctx, conn, "rm -f -- "+quoted, nil, nil)
	if err != nil {
		return written, fmt.Errorf("copied but remove failed: %w", err)
	}
	if res.ExitCode != 0 {
		return written, fmt.Errorf("copied but remove failed: %s", res.Diagnostic())
	}
	return written, nil
}

// placeFile moves partial to final without replacing an existing file.
// Hard links give an atomic no-clobber move; filesystems without them fall
// back to a checked rename.
func placeFile(partial, final string) error {
	err := os.Link(partial, final)
	if err == nil {
		os.Remove(partial)
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrDestinationExists, final)
	}
	if _, serr := os.Lstat(final); serr == nil {
		return fmt.Errorf("%w: %s", ErrDestinationExists, final)
	}
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("failed to move into place: %w", err)
	}
	return nil
}

func remoteSize(ctx context.Context, conn *ssh.Client, quoted string) (int64, error) {
	var out bytes.Buffer
	res, err := camssh.Run(ctx, conn, "wc -c < "+quoted, nil, &out)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("stat failed: %s", res.Diagnostic())
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out.String()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected size output %q", out.String())
	}
	return size, nil
}

// fetchTo streams the remote file into a local file and fsyncs it.
func fetchTo(ctx context.Context, conn *ssh.Client, quoted, local string) (int64, error) {
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}

	cw := &countingWriter{w: f}
	res, err := camssh.Run(ctx, conn, "cat -- "+quoted, nil, cw)
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("read failed: %s", res.Diagnostic())
	}
	if err == nil {
		if serr := f.Sync(); serr != nil {
			err = fmt.Errorf("failed to sync local file: %w", serr)
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close local file: %w", cerr)
	}
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
