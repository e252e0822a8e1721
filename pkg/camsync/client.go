// Package camsync is the library entry point: it loads the configuration,
// builds the SSH transport and runs fleet syncs.
package camsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/liliang-cn/camsync/pkg/config"
	"github.com/liliang-cn/camsync/pkg/fleet"
	"github.com/liliang-cn/camsync/pkg/logger"
	"github.com/liliang-cn/camsync/pkg/remote"
	camssh "github.com/liliang-cn/camsync/pkg/ssh"
)

// Camsync is the main client, used by the CLI and as a library.
type Camsync struct {
	inv    *config.Inventory
	logger *logger.Logger
	mu     sync.Mutex
}

// Config overrides parts of the loaded configuration.
type Config struct {
	ConfigPath string // empty means ~/.camsync/config.toml
	SSH        *SSHConfig
	Settings   *Settings
}

// SSHConfig overrides SSH defaults.
type SSHConfig struct {
	User    string
	Port    int
	KeyPath string
	Timeout int // seconds
}

// Settings overrides sync settings.
type Settings struct {
	RemoteSourceDir string
	LocalStorageDir string
	BatchSize       int
	Transfer        string
}

// New creates a client from the config file plus cfg overrides. cfg may be nil.
func New(cfg *Config) (*Camsync, error) {
	configPath := ""
	if cfg != nil {
		configPath = cfg.ConfigPath
	}

	inv, err := config.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	invCfg := inv.GetConfig()
	if cfg != nil && cfg.SSH != nil {
		if cfg.SSH.User != "" {
			invCfg.SSH.User = cfg.SSH.User
		}
		if cfg.SSH.Port > 0 {
			invCfg.SSH.Port = cfg.SSH.Port
		}
		if cfg.SSH.KeyPath != "" {
			invCfg.SSH.KeyPath = cfg.SSH.KeyPath
		}
		if cfg.SSH.Timeout > 0 {
			invCfg.SSH.Timeout = fmt.Sprintf("%ds", cfg.SSH.Timeout)
		}
	}
	if cfg != nil && cfg.Settings != nil {
		s := cfg.Settings
		if s.RemoteSourceDir != "" {
			invCfg.Settings.RemoteSourceDir = s.RemoteSourceDir
		}
		if s.LocalStorageDir != "" {
			invCfg.Settings.LocalStorageDir = s.LocalStorageDir
		}
		if s.BatchSize > 0 {
			invCfg.Settings.BatchSize = s.BatchSize
		}
		if s.Transfer != "" {
			invCfg.Settings.Transfer = s.Transfer
		}
	}

	return NewWithInventory(inv), nil
}

// NewWithInventory creates a client for an existing inventory.
func NewWithInventory(inv *config.Inventory) *Camsync {
	cfg := inv.GetConfig()
	return &Camsync{
		inv: inv,
		logger: logger.New(&logger.Config{
			Level:    cfg.Log.Level,
			Output:   cfg.Log.Output,
			NoColor:  cfg.Log.NoColor,
			ShowTime: cfg.Log.ShowTime,
		}),
	}
}

// Inventory returns the underlying inventory.
func (c *Camsync) Inventory() *config.Inventory {
	return c.inv
}

// SetLogger replaces the logger.
func (c *Camsync) SetLogger(l *logger.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = l
}

// GetLogger returns the logger.
func (c *Camsync) GetLogger() *logger.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// Close releases the logger's file, if any.
func (c *Camsync) Close() error {
	return c.GetLogger().Close()
}

// SyncOption configures one Sync call.
type SyncOption func(*syncOptions)

type syncOptions struct {
	batchSize int
	transfer  string
	bwLimit   int
	hooks     fleet.Hooks
	dialer    remote.Dialer
	rsyncBin  string
}

// WithBatchSize overrides settings.batch_size.
func WithBatchSize(n int) SyncOption {
	return func(o *syncOptions) {
		o.batchSize = n
	}
}

// WithTransfer selects the transfer agent, config.TransferSSH or
// config.TransferRsync.
func WithTransfer(mode string) SyncOption {
	return func(o *syncOptions) {
		o.transfer = mode
	}
}

// WithBandwidthLimit caps rsync at kbps KiB/s.
func WithBandwidthLimit(kbps int) SyncOption {
	return func(o *syncOptions) {
		o.bwLimit = kbps
	}
}

// WithHooks installs progress callbacks.
func WithHooks(h fleet.Hooks) SyncOption {
	return func(o *syncOptions) {
		o.hooks = h
	}
}

// WithDialer replaces the SSH client built from the [ssh] section.
func WithDialer(d remote.Dialer) SyncOption {
	return func(o *syncOptions) {
		o.dialer = d
	}
}

// WithRsyncBinary sets the rsync executable.
func WithRsyncBinary(path string) SyncOption {
	return func(o *syncOptions) {
		o.rsyncBin = path
	}
}

// Sync runs one collection pass. hosts are group names or addresses; empty
// means every configured camera. Per-host failures are in the report; the
// error is reserved for configuration problems.
func (c *Camsync) Sync(ctx context.Context, hosts []string, opts ...SyncOption) (*fleet.Report, error) {
	options := &syncOptions{}
	for _, opt := range opts {
		opt(options)
	}

	// Options apply to this call only; the inventory is never modified.
	cfg := *c.inv.GetConfig()
	settings := c.inv.Settings()
	if options.batchSize > 0 {
		cfg.Settings.BatchSize = options.batchSize
		settings.BatchSize = options.batchSize
	}
	if options.transfer != "" {
		cfg.Settings.Transfer = options.transfer
		settings.Transfer = options.transfer
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	targets, err := c.inv.Addresses(hosts)
	if err != nil {
		return nil, err
	}
	log := c.GetLogger()

	dialer := options.dialer
	if dialer == nil {
		client, err := NewSSHClient(cfg.SSH)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSH client: %w", err)
		}
		dialer = client
	}

	specs := HostSpecs(c.inv)
	transport := remote.NewSSHTransport(dialer, specs, log)
	defer transport.Close()

	var agent remote.Agent = transport
	if settings.Transfer == config.TransferRsync {
		rsync := remote.NewRsyncAgent(specs)
		rsync.BandwidthLimit = options.bwLimit
		if options.rsyncBin != "" {
			rsync.Binary = options.rsyncBin
		}
		agent = rsync
	}

	orch := fleet.New(transport, agent, fleet.WithLogger(log), fleet.WithHooks(options.hooks))
	return orch.Run(ctx, targets, settings)
}

// Targets resolves hosts the way Sync does.
func (c *Camsync) Targets(hosts []string) ([]string, error) {
	return c.inv.Addresses(hosts)
}

// HostSpecs resolves inventory entries for the SSH layer.
func HostSpecs(inv *config.Inventory) remote.SpecFunc {
	return func(host string) camssh.HostSpec {
		h := inv.Host(host)
		return camssh.HostSpec{
			Address:    h.Address,
			User:       h.User,
			Port:       h.Port,
			KeyPath:    h.KeyPath,
			UserSet:    h.UserSet,
			PortSet:    h.PortSet,
			KeyPathSet: h.KeyPathSet,
		}
	}
}

// NewSSHClient builds an SSH client from the [ssh] section.
func NewSSHClient(cfg config.SSHConfig) (*camssh.Client, error) {
	timeout, err := cfg.DialTimeout()
	if err != nil {
		return nil, err
	}
	opts := []camssh.ClientOption{camssh.WithTimeout(timeout)}
	if cfg.KnownHostsPath != "" {
		opts = append(opts, camssh.WithKnownHosts(cfg.KnownHostsPath))
	}
	if cfg.StrictHostKey {
		opts = append(opts, camssh.WithStrictHostKey(true))
	}
	if cfg.User != "" {
		opts = append(opts, camssh.WithDefaultUser(cfg.User))
	}
	return camssh.NewClient(cfg.KeyPath, opts...)
}
