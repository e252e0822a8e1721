package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrHostKeyUnknown is returned when the host key is not in known_hosts.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged is returned when the host key differs from known_hosts.
	ErrHostKeyChanged = errors.New("host key changed")
)

// KnownHostsVerifier checks host keys against a known_hosts file. In
// auto-add mode keys of hosts that have no entry yet are appended to the
// file; a mismatching key is always rejected.
type KnownHostsVerifier struct {
	path     string
	autoAdd  bool
	mu       sync.RWMutex
	callback ssh.HostKeyCallback
}

// NewKnownHostsVerifier creates a verifier from known_hosts file. An empty
// path means ~/.ssh/known_hosts. The file is created if missing.
func NewKnownHostsVerifier(path string, autoAdd bool) (*KnownHostsVerifier, error) {
	v := &KnownHostsVerifier{
		path:    expandKnownHostsPath(path),
		autoAdd: autoAdd,
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open known_hosts: %w", err)
	}
	f.Close()

	if err := v.reload(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *KnownHostsVerifier) reload() error {
	cb, err := knownhosts.New(v.path)
	if err != nil {
		return fmt.Errorf("failed to load known_hosts: %w", err)
	}
	v.callback = cb
	return nil
}

// Verify implements ssh.HostKeyCallback.
func (v *KnownHostsVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.RLock()
	err := v.callback(hostname, remote, key)
	v.mu.RUnlock()
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, hostname)
	}
	if !v.autoAdd {
		return fmt.Errorf("%w: %s", ErrHostKeyUnknown, hostname)
	}
	return v.Add(hostname, remote, key)
}

// Add appends a host key to known_hosts.
func (v *KnownHostsVerifier) Add(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); r != addrs[0] {
			addrs = append(addrs, r)
		}
	}

	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	_, err = f.WriteString(knownhosts.Line(addrs, key) + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}

	return v.reload()
}

// HostKeyCallback returns an ssh.HostKeyCallback for use with ssh.ClientConfig.
func (v *KnownHostsVerifier) HostKeyCallback() ssh.HostKeyCallback {
	return v.Verify
}

func expandKnownHostsPath(path string) string {
	if path == "" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".ssh", "known_hosts")
	}
	if strings.HasPrefix(path, "~") {
		return expandPath(path)
	}
	return path
}
