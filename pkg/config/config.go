// Package config loads camsync settings and the camera host inventory.
//
// TOML is the native format. Files ending in .yaml or .yml are read with the
// same keys, which keeps the collector's older config.yaml files working:
//
//	settings:
//	  remote_source_dir: /home/pi/cctv_buffer
//	  local_storage_dir: /home/wcl/cctv_collection
//	  batch_size: 5
//	target_hosts:
//	  - 192.168.0.21
//	  - 192.168.0.22
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// ErrInvalid marks configuration that cannot be used for a run.
var ErrInvalid = errors.New("invalid configuration")

// Transfer modes
const (
	TransferSSH   = "ssh"
	TransferRsync = "rsync"
)

// Config represents the complete configuration for camsync
type Config struct {
	Settings    Settings             `toml:"settings" yaml:"settings"`
	SSH         SSHConfig            `toml:"ssh" yaml:"ssh"`
	Log         LogConfig            `toml:"log" yaml:"log"`
	TargetHosts []string             `toml:"target_hosts" yaml:"target_hosts"`
	Hosts       map[string]HostGroup `toml:"hosts" yaml:"hosts"`
}

// Settings are the per-run sync parameters. They are read once and passed by
// value to the orchestrator.
type Settings struct {
	RemoteSourceDir  string `toml:"remote_source_dir" yaml:"remote_source_dir"`
	LocalStorageDir  string `toml:"local_storage_dir" yaml:"local_storage_dir"`
	BatchSize        int    `toml:"batch_size" yaml:"batch_size"`               // hosts in flight, not files
	StabilityMinutes int    `toml:"stability_minutes" yaml:"stability_minutes"` // find -mmin +N
	Extension        string `toml:"extension" yaml:"extension"`
	Transfer         string `toml:"transfer" yaml:"transfer"`         // ssh or rsync
	TaskTimeout      string `toml:"task_timeout" yaml:"task_timeout"` // per host, "0" disables
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level    string `toml:"level" yaml:"level"`         // debug, info, warn, error
	Output   string `toml:"output" yaml:"output"`       // stdout, stderr, or file path
	NoColor  bool   `toml:"no_color" yaml:"no_color"`   // disable colored output
	ShowTime bool   `toml:"show_time" yaml:"show_time"` // show timestamp
}

// SSHConfig contains default settings for SSH connections
type SSHConfig struct {
	User           string `toml:"user" yaml:"user"`
	Port           int    `toml:"port" yaml:"port"`
	KeyPath        string `toml:"key_path" yaml:"key_path"`
	Timeout        string `toml:"timeout" yaml:"timeout"`                 // dial timeout
	KnownHostsPath string `toml:"known_hosts" yaml:"known_hosts"`         // Path to known_hosts file
	StrictHostKey  bool   `toml:"strict_host_key" yaml:"strict_host_key"` // reject unknown hosts
}

// HostGroup is a named set of cameras sharing SSH overrides. A group whose
// name is itself an address acts as a per-host override.
type HostGroup struct {
	Addresses []string `toml:"addresses" yaml:"addresses"`
	User      string   `toml:"user" yaml:"user"`
	Port      int      `toml:"port" yaml:"port"`
	KeyPath   string   `toml:"key_path" yaml:"key_path"`
}

// Host represents complete configuration for a single camera
type Host struct {
	Address    string
	User       string
	Port       int
	KeyPath    string
	UserSet    bool
	PortSet    bool
	KeyPathSet bool
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Settings: Settings{
			RemoteSourceDir:  "/home/pi/cctv_buffer",
			LocalStorageDir:  "/home/wcl/cctv_collection",
			BatchSize:        5,
			StabilityMinutes: 1,
			Extension:        ".h264",
			Transfer:         TransferSSH,
			TaskTimeout:      "0",
		},
		SSH: SSHConfig{
			Port:           22,
			Timeout:        "30s",
			KnownHostsPath: "~/.ssh/known_hosts",
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stdout",
		},
		Hosts: make(map[string]HostGroup),
	}
}

// DefaultPath returns ~/.camsync/config.toml
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".camsync", "config.toml")
}

// Inventory manages settings and host lookup
type Inventory struct {
	mu     sync.RWMutex
	config *Config
	path   string
}

// New creates an Inventory. A missing file at the default path yields the
// defaults; a missing file at an explicit path is an error.
func New(configPath string) (*Inventory, error) {
	explicit := configPath != ""
	if !explicit {
		configPath = DefaultPath()
	}

	inv := &Inventory{
		config: Defaults(),
		path:   ExpandPath(configPath),
	}

	if _, err := os.Stat(inv.path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s: %w", inv.path, err)
		}
		return inv, nil
	}

	if err := inv.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return inv, nil
}

// FromConfig wraps an already built configuration. path is only used by
// Save and may be empty.
func FromConfig(path string, cfg *Config) *Inventory {
	if cfg.Hosts == nil {
		cfg.Hosts = make(map[string]HostGroup)
	}
	return &Inventory{config: cfg, path: ExpandPath(path)}
}

// Load (re)reads the configuration file on top of the defaults.
func (inv *Inventory) Load() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	data, err := os.ReadFile(inv.path)
	if err != nil {
		return err
	}

	cfg, err := Parse(data, formatOf(inv.path))
	if err != nil {
		return err
	}
	inv.config = cfg
	return nil
}

// Format of a config document
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Parse decodes a document over the defaults.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	}

	if cfg.Hosts == nil {
		cfg.Hosts = make(map[string]HostGroup)
	}
	return cfg, nil
}

// Save writes the configuration in the format its path implies.
func (inv *Inventory) Save() error {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if inv.path == "" {
		return fmt.Errorf("save: inventory has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(inv.path), 0755); err != nil {
		return err
	}

	var data []byte
	switch formatOf(inv.path) {
	case FormatYAML:
		out, err := yaml.Marshal(inv.config)
		if err != nil {
			return err
		}
		data = out
	default:
		var buf strings.Builder
		if err := toml.NewEncoder(&buf).Encode(inv.config); err != nil {
			return err
		}
		data = []byte(buf.String())
	}
	return os.WriteFile(inv.path, data, 0644)
}

// Path returns the file the inventory was loaded from.
func (inv *Inventory) Path() string {
	return inv.path
}

// GetConfig returns complete configuration
func (inv *Inventory) GetConfig() *Config {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config
}

// Settings returns a copy of the sync settings with paths expanded.
func (inv *Inventory) Settings() Settings {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	s := inv.config.Settings
	s.LocalStorageDir = ExpandPath(s.LocalStorageDir)
	if s.Extension != "" && !strings.HasPrefix(s.Extension, ".") {
		s.Extension = "." + s.Extension
	}
	return s
}

// Addresses resolves patterns to camera addresses. A pattern is a group
// name or a literal address. With no patterns every target_hosts entry and
// every group member is returned. Duplicates are dropped, first-seen order is
// kept.
func (inv *Inventory) Addresses(patterns []string) ([]string, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}

	if len(patterns) == 0 {
		for _, addr := range inv.config.TargetHosts {
			add(addr)
		}
		for _, name := range inv.groupNames() {
			for _, addr := range inv.config.Hosts[name].Addresses {
				add(addr)
			}
		}
		return out, nil
	}

	for _, pattern := range patterns {
		if group, ok := inv.config.Hosts[pattern]; ok && len(group.Addresses) > 0 {
			for _, addr := range group.Addresses {
				add(addr)
			}
			continue
		}
		add(pattern)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no hosts found for patterns: %v", ErrInvalid, patterns)
	}
	return out, nil
}

// groupNames returns group names in a stable order.
func (inv *Inventory) groupNames() []string {
	names := make([]string, 0, len(inv.config.Hosts))
	for name := range inv.config.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Host builds SSH parameters for one address.
// Priority: host override > first group containing the address > [ssh] defaults
func (inv *Inventory) Host(address string) Host {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	host := Host{
		Address: address,
		User:    inv.config.SSH.User,
		Port:    inv.config.SSH.Port,
		KeyPath: ExpandPath(inv.config.SSH.KeyPath),
	}

	apply := func(g HostGroup) {
		if !host.UserSet && g.User != "" {
			host.User = g.User
			host.UserSet = true
		}
		if !host.PortSet && g.Port != 0 {
			host.Port = g.Port
			host.PortSet = true
		}
		if !host.KeyPathSet && g.KeyPath != "" {
			host.KeyPath = ExpandPath(g.KeyPath)
			host.KeyPathSet = true
		}
	}

	if override, ok := inv.config.Hosts[address]; ok {
		apply(override)
	}
	for _, name := range inv.groupNames() {
		if name == address {
			continue
		}
		group := inv.config.Hosts[name]
		for _, addr := range group.Addresses {
			if addr == address {
				apply(group)
				break
			}
		}
	}

	return host
}

// GetAllGroups returns all groups
func (inv *Inventory) GetAllGroups() map[string][]string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	groups := make(map[string][]string)
	for name, group := range inv.config.Hosts {
		if len(group.Addresses) > 0 {
			groups[name] = group.Addresses
		}
	}
	return groups
}

// Validate checks the configuration shape. Existence of the local storage
// directory is checked at run time.
func (c *Config) Validate() error {
	s := c.Settings
	var problems []string

	if strings.TrimSpace(s.RemoteSourceDir) == "" {
		problems = append(problems, "settings.remote_source_dir is empty")
	}
	if strings.TrimSpace(s.LocalStorageDir) == "" {
		problems = append(problems, "settings.local_storage_dir is empty")
	}
	if s.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("settings.batch_size must be >= 1, got %d", s.BatchSize))
	}
	if s.StabilityMinutes < 0 {
		problems = append(problems, fmt.Sprintf("settings.stability_minutes must be >= 0, got %d", s.StabilityMinutes))
	}
	if strings.TrimSpace(strings.TrimPrefix(s.Extension, ".")) == "" {
		problems = append(problems, "settings.extension is empty")
	}
	switch s.Transfer {
	case TransferSSH, TransferRsync:
	default:
		problems = append(problems, fmt.Sprintf("settings.transfer must be %q or %q, got %q", TransferSSH, TransferRsync, s.Transfer))
	}
	if _, err := s.Timeout(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.SSH.DialTimeout(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Timeout parses TaskTimeout. Zero means no per-host deadline.
func (s Settings) Timeout() (time.Duration, error) {
	return parseDuration("settings.task_timeout", s.TaskTimeout)
}

// DialTimeout parses the SSH dial timeout.
func (c SSHConfig) DialTimeout() (time.Duration, error) {
	return parseDuration("ssh.timeout", c.Timeout)
}

func parseDuration(key, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// ExpandPath expands ~ in path
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
