// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/pkgbroker/lib/binhash"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Decision is the helper's default answer to a grant request from a
// caller that appears in neither uid list.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	// DecisionAsk prompts the operator on the helper's terminal and
	// denies when no terminal is attached.
	DecisionAsk Decision = "ask"
)

// Config is the master configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Device locates the device manifest, the trusted description of
	// profiles and installed packages.
	Device DeviceConfig `yaml:"device"`

	Helper HelperConfig `yaml:"helper"`
	Broker BrokerConfig `yaml:"broker"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Helper *HelperOverrides `yaml:"helper,omitempty"`
	Broker *BrokerOverrides `yaml:"broker,omitempty"`
}

// DeviceConfig configures the device manifest.
type DeviceConfig struct {
	// Manifest is a YAML (.yaml, .yml) or JSONC (.json, .jsonc) file.
	// Default: /etc/pkgbroker/device.yaml
	Manifest string `yaml:"manifest"`
}

// HelperConfig configures the privileged helper daemon.
type HelperConfig struct {
	// SocketPath is where the helper listens.
	// Default: /run/pkgbroker/helper.sock
	SocketPath string `yaml:"socket_path"`

	// SocketMode is the octal permission string applied to the socket.
	// Default: "0660"
	SocketMode string `yaml:"socket_mode"`

	// APIVersion is the protocol version the helper reports. Lowering it
	// below 11 makes every client treat the helper as unsupported.
	APIVersion int `yaml:"api_version"`

	// DefaultDecision answers grant requests from callers not listed
	// in AllowUIDs or DenyUIDs. Default: ask
	DefaultDecision Decision `yaml:"default_decision"`

	// AllowUIDs are granted without asking.
	AllowUIDs []uint32 `yaml:"allow_uids"`

	// DenyUIDs are denied permanently; they never get a prompt.
	DenyUIDs []uint32 `yaml:"deny_uids"`

	// DenyExecutables are hex BLAKE3 digests of binaries denied
	// permanently whatever uid runs them. Requires BindExecutable.
	DenyExecutables []string `yaml:"deny_executables"`

	// BindExecutable keys grants by the caller's executable digest in
	// addition to its uid. Default: true
	BindExecutable bool `yaml:"bind_executable"`
}

// HelperOverrides are the per-environment helper overrides.
type HelperOverrides struct {
	SocketPath      string   `yaml:"socket_path,omitempty"`
	DefaultDecision Decision `yaml:"default_decision,omitempty"`
	BindExecutable  *bool    `yaml:"bind_executable,omitempty"`
}

// BrokerConfig configures the client side.
type BrokerConfig struct {
	// SocketPath is the helper socket to connect to.
	// Default: /run/pkgbroker/helper.sock
	SocketPath string `yaml:"socket_path"`

	// ServiceName is the helper service queried for packages.
	// Default: package
	ServiceName string `yaml:"service_name"`

	// RequestTimeout is how long an unanswered grant request blocks a
	// new one. Default: 2m
	RequestTimeout string `yaml:"request_timeout"`

	// IncludeCurrentPrivileged also queries the caller's own profile
	// through the helper even though the local channel already lists
	// it. Default: true
	IncludeCurrentPrivileged bool `yaml:"include_current_privileged"`

	// Parallelism bounds concurrent per-profile queries. 1 queries
	// profiles one after another. Default: 1
	Parallelism int `yaml:"parallelism"`

	// Flags is the package metadata flag set requested for every
	// profile. Default: 0
	Flags int64 `yaml:"flags"`

	// PlatformLevel fixes the platform level that selects the call
	// shape. Zero uses the level the helper reports in its status
	// reply.
	PlatformLevel int `yaml:"platform_level"`
}

// BrokerOverrides are the per-environment broker overrides.
type BrokerOverrides struct {
	SocketPath               string `yaml:"socket_path,omitempty"`
	RequestTimeout           string `yaml:"request_timeout,omitempty"`
	IncludeCurrentPrivileged *bool  `yaml:"include_current_privileged,omitempty"`
	Parallelism              int    `yaml:"parallelism,omitempty"`
}

const defaultSocketPath = "/run/pkgbroker/helper.sock"

// Default returns the default configuration, used as the base before
// the config file is applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		Device: DeviceConfig{
			Manifest: "/etc/pkgbroker/device.yaml",
		},
		Helper: HelperConfig{
			SocketPath:      defaultSocketPath,
			SocketMode:      "0660",
			APIVersion:      13,
			DefaultDecision: DecisionAsk,
			BindExecutable:  true,
		},
		Broker: BrokerConfig{
			SocketPath:               defaultSocketPath,
			ServiceName:              "package",
			RequestTimeout:           "2m",
			IncludeCurrentPrivileged: true,
			Parallelism:              1,
		},
	}
}

// Load loads configuration from the file named by PKGBROKER_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("PKGBROKER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PKGBROKER_CONFIG environment variable not set; " +
			"set it to the path of your pkgbroker.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// Resolve loads the configuration for a command: path when set, else
// the file named by PKGBROKER_CONFIG, else the defaults.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv("PKGBROKER_CONFIG") != "" {
		return Load()
	}
	cfg := Default()
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from path, applies the overrides for
// the configured environment, and expands ${HOME}-style variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			// Production never prompts on a terminal nobody watches.
			overrides = &ConfigOverrides{
				Helper: &HelperOverrides{DefaultDecision: DecisionDeny},
			}
		}
	}
	if overrides == nil {
		return
	}

	if helper := overrides.Helper; helper != nil {
		if helper.SocketPath != "" {
			c.Helper.SocketPath = helper.SocketPath
		}
		if helper.DefaultDecision != "" {
			c.Helper.DefaultDecision = helper.DefaultDecision
		}
		if helper.BindExecutable != nil {
			c.Helper.BindExecutable = *helper.BindExecutable
		}
	}

	if broker := overrides.Broker; broker != nil {
		if broker.SocketPath != "" {
			c.Broker.SocketPath = broker.SocketPath
		}
		if broker.RequestTimeout != "" {
			c.Broker.RequestTimeout = broker.RequestTimeout
		}
		if broker.IncludeCurrentPrivileged != nil {
			c.Broker.IncludeCurrentPrivileged = *broker.IncludeCurrentPrivileged
		}
		if broker.Parallelism != 0 {
			c.Broker.Parallelism = broker.Parallelism
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":            os.Getenv("HOME"),
		"XDG_RUNTIME_DIR": os.Getenv("XDG_RUNTIME_DIR"),
	}
	c.Device.Manifest = expandVars(c.Device.Manifest, vars)
	c.Helper.SocketPath = expandVars(c.Helper.SocketPath, vars)
	c.Broker.SocketPath = expandVars(c.Broker.SocketPath, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// RequestTimeoutDuration parses Broker.RequestTimeout.
func (c *Config) RequestTimeoutDuration() (time.Duration, error) {
	duration, err := time.ParseDuration(c.Broker.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("broker.request_timeout: %w", err)
	}
	return duration, nil
}

// SocketFileMode parses Helper.SocketMode as an octal permission string.
func (c *Config) SocketFileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.Helper.SocketMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("helper.socket_mode %q: %w", c.Helper.SocketMode, err)
	}
	if mode > 0o777 {
		return 0, fmt.Errorf("helper.socket_mode %q: not a permission mode", c.Helper.SocketMode)
	}
	return os.FileMode(mode), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Device.Manifest == "" {
		errs = append(errs, errors.New("device.manifest is required"))
	}
	if c.Helper.SocketPath == "" {
		errs = append(errs, errors.New("helper.socket_path is required"))
	}
	if c.Broker.SocketPath == "" {
		errs = append(errs, errors.New("broker.socket_path is required"))
	}
	if c.Broker.ServiceName == "" {
		errs = append(errs, errors.New("broker.service_name is required"))
	}
	switch c.Helper.DefaultDecision {
	case DecisionAllow, DecisionDeny, DecisionAsk:
	default:
		errs = append(errs, fmt.Errorf("invalid helper.default_decision: %q", c.Helper.DefaultDecision))
	}
	for _, digest := range c.Helper.DenyExecutables {
		if _, err := binhash.ParseDigest(digest); err != nil {
			errs = append(errs, fmt.Errorf("helper.deny_executables: %w", err))
		}
	}
	if len(c.Helper.DenyExecutables) > 0 && !c.Helper.BindExecutable {
		errs = append(errs, errors.New("helper.deny_executables requires helper.bind_executable"))
	}
	if c.Broker.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("broker.parallelism must be at least 1, got %d", c.Broker.Parallelism))
	}
	if c.Broker.Flags < 0 {
		errs = append(errs, fmt.Errorf("broker.flags must not be negative, got %d", c.Broker.Flags))
	}
	if _, err := c.RequestTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SocketFileMode(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
