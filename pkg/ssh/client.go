// Package ssh dials camera hosts and runs commands on them.
//
// Client holds the authentication chain and host key policy shared by every
// connection of a run:
//   - ssh-agent signers, then the configured key, then the default
//     ~/.ssh/id_* keys
//   - known_hosts verification, trust-on-first-use unless strict
//   - ~/.ssh/config HostName/User/Port/IdentityFile for aliases
//
// Example Usage:
//
//	client, err := ssh.NewClient("~/.ssh/id_ed25519", ssh.WithDefaultUser("pi"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conn, err := client.Connect(ctx, ssh.HostSpec{Address: "cam-03"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	var out bytes.Buffer
//	res, err := ssh.Run(ctx, conn, "ls /home/pi/cctv_buffer", nil, &out)
package ssh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Client represents an SSH client with configuration for remote connections.
// Client is safe for concurrent use.
type Client struct {
	config      *ssh.ClientConfig
	defaultUser string
	keyPath     string
}

// HostSpec defines the parameters for connecting to a remote host.
//
// The *Set fields record values that came from camsync's own configuration;
// those win over ~/.ssh/config.
type HostSpec struct {
	Address    string
	User       string
	Port       int
	KeyPath    string
	UserSet    bool
	PortSet    bool
	KeyPathSet bool
}

// ClientOption configures a Client during creation.
type ClientOption func(*clientConfig)

type clientConfig struct {
	knownHostsPath string
	strictHostKey  bool
	timeout        time.Duration
	defaultUser    string
	hostKey        ssh.HostKeyCallback
}

// WithKnownHosts sets the path to the known_hosts file.
func WithKnownHosts(path string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.knownHostsPath = path
	}
}

// WithStrictHostKey enables strict host key checking.
// When true, connections to unknown hosts will be rejected.
// When false (default), unknown host keys are added to known_hosts.
func WithStrictHostKey(strict bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.strictHostKey = strict
	}
}

// WithTimeout sets the TCP connect and handshake timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = d
	}
}

// WithDefaultUser sets the login used when neither the spec nor
// ~/.ssh/config names one.
func WithDefaultUser(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultUser = name
	}
}

// WithHostKeyCallback replaces known_hosts verification.
func WithHostKeyCallback(cb ssh.HostKeyCallback) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hostKey = cb
	}
}

// NewClient creates a new SSH client.
func NewClient(keyPath string, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	keyPath = expandPath(keyPath)

	hostKeyCallback := cfg.hostKey
	if hostKeyCallback == nil {
		verifier, err := NewKnownHostsVerifier(cfg.knownHostsPath, !cfg.strictHostKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create host key callback: %w", err)
		}
		hostKeyCallback = verifier.HostKeyCallback()
	}

	defaultUser := cfg.defaultUser
	if defaultUser == "" {
		defaultUser = currentUser()
	}

	return &Client{
		config: &ssh.ClientConfig{
			Auth:            buildAuthMethods(keyPath),
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.timeout,
		},
		defaultUser: defaultUser,
		keyPath:     keyPath,
	}, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "root"
}

// buildAuthMethods builds authentication method list with fallback support
func buildAuthMethods(keyPath string) []ssh.AuthMethod {
	var signers []ssh.Signer

	if agentSigners, err := getAgentSigners(); err == nil {
		signers = append(signers, agentSigners...)
	}

	if keyPath != "" {
		if s, err := parsePrivateKey(keyPath); err == nil {
			signers = append(signers, s)
		}
	} else {
		home, _ := os.UserHomeDir()
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			if s, err := parsePrivateKey(filepath.Join(home, ".ssh", name)); err == nil {
				signers = append(signers, s)
			}
		}
	}

	if len(signers) == 0 {
		return nil
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signers...)}
}

func parsePrivateKey(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// getAgentSigners returns the keys held by ssh-agent
func getAgentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	conn, err := net.DialTimeout("unix", socket, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ssh-agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		return nil, fmt.Errorf("failed to get signers from agent: %w", err)
	}
	if len(signers) == 0 {
		return nil, errors.New("no signers available in ssh-agent")
	}
	return signers, nil
}

// Resolve merges ~/.ssh/config and client defaults into spec.
func (c *Client) Resolve(spec HostSpec) HostSpec {
	spec = applySSHConfig(spec, findSSHConfigEntry(spec.Address))
	if spec.User == "" {
		spec.User = c.defaultUser
	}
	if spec.Port == 0 {
		spec.Port = 22
	}
	return spec
}

// Connect dials the host and completes the SSH handshake. ctx bounds the
// whole dial.
func (c *Client) Connect(ctx context.Context, spec HostSpec) (*ssh.Client, error) {
	spec = c.Resolve(spec)

	config := *c.config
	config.User = spec.User
	if spec.KeyPath != "" && spec.KeyPath != c.keyPath {
		if s, err := parsePrivateKey(expandPath(spec.KeyPath)); err == nil {
			config.Auth = append([]ssh.AuthMethod{ssh.PublicKeys(s)}, config.Auth...)
		}
	}

	addr := net.JoinHostPort(spec.Address, strconv.Itoa(spec.Port))

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	// Handshake does not take a context; closing the conn unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c2, chans, reqs, err := ssh.NewClientConn(conn, addr, &config)
	if !stop() {
		if err == nil {
			c2.Close()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return ssh.NewClient(c2, chans, reqs), nil
}

// ExecResult contains the result of executing a command on a remote host.
type ExecResult struct {
	// Stderr holds the command's standard error.
	Stderr []byte
	// ExitCode is the exit status returned by the command.
	ExitCode int
}

// Diagnostic returns trimmed stderr, or the exit code when stderr is empty.
func (r *ExecResult) Diagnostic() string {
	if msg := strings.TrimSpace(string(r.Stderr)); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit status %d", r.ExitCode)
}

// Run executes cmd in a new session on conn. stdin and stdout may be nil.
// A non-zero remote exit is reported in the result, not as an error; errors
// mean the session itself failed or ctx ended.
func Run(ctx context.Context, conn *ssh.Client, cmd string, stdin io.Reader, stdout io.Writer) (*ExecResult, error) {
	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		session.Close()
		<-done
		return nil, fmt.Errorf("%s: %w", firstWord(cmd), ctx.Err())
	}

	result := &ExecResult{Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w", firstWord(cmd), err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}
	return result, nil
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

// SSHConfigEntry represents a Host block in ~/.ssh/config
type SSHConfigEntry struct {
	Patterns []string
	HostName string
	User     string
	Port     int
	KeyPath  string
}

var (
	sshConfigOnce  sync.Once
	sshConfigCache []SSHConfigEntry
)

// expandPath expands ~ and environment variables
func expandPath(p string) string {
	if len(p) > 0 && p[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(p) > 1 && p[1] == '/' {
			p = filepath.Join(home, p[2:])
		} else {
			p = home
		}
	}
	return os.ExpandEnv(p)
}

func loadSSHConfig() []SSHConfigEntry {
	home, _ := os.UserHomeDir()
	f, err := os.Open(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return nil
	}
	defer f.Close()
	return parseSSHConfig(f)
}

func parseSSHConfig(r io.Reader) []SSHConfigEntry {
	var entries []SSHConfigEntry
	var current *SSHConfigEntry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(strings.Replace(line, "=", " ", 1))
		if len(fields) < 2 {
			continue
		}
		key := strings.ToLower(fields[0])
		value := strings.Join(fields[1:], " ")

		if key == "host" {
			if current != nil {
				entries = append(entries, *current)
			}
			current = &SSHConfigEntry{Patterns: fields[1:]}
			continue
		}
		if current == nil {
			continue
		}

		switch key {
		case "hostname":
			current.HostName = value
		case "user":
			current.User = value
		case "port":
			if port, err := parsePort(value); err == nil {
				current.Port = port
			}
		case "identityfile":
			current.KeyPath = expandPath(value)
		}
	}

	if current != nil {
		entries = append(entries, *current)
	}
	return entries
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}

// matchHostPattern checks if hostname matches an ssh_config Host pattern
func matchHostPattern(host, pattern string) bool {
	if strings.HasPrefix(pattern, "!") {
		return !matchHostPattern(host, pattern[1:])
	}
	if host == pattern {
		return true
	}
	if strings.ContainsAny(pattern, "*?") {
		matched, _ := path.Match(pattern, host)
		return matched
	}
	return false
}

// findSSHConfigEntry merges every Host block matching host. As in ssh(1),
// the first value seen for a key wins.
func findSSHConfigEntry(host string) SSHConfigEntry {
	sshConfigOnce.Do(func() {
		sshConfigCache = loadSSHConfig()
	})
	return mergeSSHConfig(sshConfigCache, host)
}

func mergeSSHConfig(entries []SSHConfigEntry, host string) SSHConfigEntry {
	var result SSHConfigEntry
	for _, entry := range entries {
		if !entryMatches(entry, host) {
			continue
		}
		if result.HostName == "" {
			result.HostName = entry.HostName
		}
		if result.User == "" {
			result.User = entry.User
		}
		if result.Port == 0 {
			result.Port = entry.Port
		}
		if result.KeyPath == "" {
			result.KeyPath = entry.KeyPath
		}
	}
	return result
}

func entryMatches(entry SSHConfigEntry, host string) bool {
	matched := false
	for _, pattern := range entry.Patterns {
		if strings.HasPrefix(pattern, "!") {
			if !matchHostPattern(host, pattern) {
				return false
			}
			continue
		}
		if matchHostPattern(host, pattern) {
			matched = true
		}
	}
	return matched
}

// applySSHConfig fills spec from an ssh_config entry.
// Priority: camsync config > ~/.ssh/config > defaults
func applySSHConfig(spec HostSpec, entry SSHConfigEntry) HostSpec {
	if entry.HostName != "" && net.ParseIP(spec.Address) == nil {
		spec.Address = entry.HostName
	}
	if !spec.UserSet && entry.User != "" {
		spec.User = entry.User
	}
	if !spec.PortSet && entry.Port != 0 {
		spec.Port = entry.Port
	}
	if !spec.KeyPathSet && entry.KeyPath != "" {
		spec.KeyPath = entry.KeyPath
	}
	return spec
}
