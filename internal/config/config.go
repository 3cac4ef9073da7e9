// Package config loads tuplestore's layered configuration: built-in
// defaults, an optional global file, an optional project file, and
// finally explicit command-line overrides, in that order of increasing
// precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds every setting tuplestore's server and CLI tooling need.
type Config struct {
	ServerAddress      string        `json:"server_address,omitempty"`
	ServerPort         string        `json:"server_port,omitempty"`
	TLSCertificateFile string        `json:"tls_cert_file,omitempty"`
	TLSPrivateKeyFile  string        `json:"tls_private_key_file,omitempty"`
	VacuumInterval     time.Duration `json:"vacuum_interval,omitempty"`
	ShardCount         int           `json:"shard_count,omitempty"`
	MaxRecordSize      int           `json:"max_record_size,omitempty"`

	// Sources records which files, if any, contributed to this Config, for diagnostics.
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string
	Project string
}

// ConfigFileName is the project-local config file tuplestore looks for
// in the current directory when no --config flag is given.
const ConfigFileName = ".tuplestore.jsonc"

// DefaultConfig returns the configuration tuplestore runs with before any file or flag is consulted.
func DefaultConfig() Config {
	return Config{
		ServerPort:     "8080",
		VacuumInterval: 5 * time.Minute,
		ShardCount:     512,
		MaxRecordSize:  1<<16 - 1,
	}
}

var (
	// ErrConfigFileNotFound is returned when an explicitly named config file (via --config) does not exist.
	ErrConfigFileNotFound = errors.New("config file not found")
	// ErrConfigInvalid wraps a parse or validation failure for a specific config file.
	ErrConfigInvalid = errors.New("invalid config")
	// ErrShardCountInvalid is returned when a resolved config's shard count is not positive.
	ErrShardCountInvalid = errors.New("shard count must be positive")
)

// LoadConfigInput holds the inputs LoadConfig merges together.
type LoadConfigInput struct {
	// ConfigPath, if nonempty, names an explicit config file (the --config flag) that must exist.
	ConfigPath string
	// WorkDir is the directory LoadConfig resolves a project config file (ConfigFileName) relative to.
	// An empty WorkDir means os.Getwd().
	WorkDir string
	// Env supplies the environment LoadConfig consults for the global config file's location
	// (HOME, XDG_CONFIG_HOME). A nil Env falls back to os.Getenv.
	Env map[string]string

	// Overrides, each applied only when nonzero, take precedence over every file.
	ServerAddressOverride      string
	ServerPortOverride         string
	TLSCertificateFileOverride string
	TLSPrivateKeyFileOverride  string
	VacuumIntervalOverride     time.Duration
	ShardCountOverride         int
	MaxRecordSizeOverride      int
}

func (in LoadConfigInput) env(key string) string {
	if in.Env != nil {
		return in.Env[key]
	}
	return os.Getenv(key)
}

func globalConfigPath(in LoadConfigInput) string {
	if xdg := in.env("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tuplestore", "config.jsonc")
	}
	if home := in.env("HOME"); home != "" {
		return filepath.Join(home, ".config", "tuplestore", "config.jsonc")
	}
	return ""
}

// LoadConfig resolves a Config by merging, in increasing order of precedence: built-in defaults, the
// global config file, the project config file (or an explicit one named by ConfigPath), and finally
// any nonzero fields in LoadConfigInput.
func LoadConfig(in LoadConfigInput) (Config, error) {
	workDir := in.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	if path := globalConfigPath(in); path != "" {
		loaded, found, err := loadConfigFile(path, false)
		if err != nil {
			return Config{}, err
		}
		if found {
			cfg = mergeConfig(cfg, loaded)
			cfg.Sources.Global = path
		}
	}

	projectPath := in.ConfigPath
	mustExist := projectPath != ""
	if !mustExist {
		projectPath = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(workDir, projectPath)
	}
	loaded, found, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}
	if found {
		cfg = mergeConfig(cfg, loaded)
		cfg.Sources.Project = projectPath
	}

	cfg = applyOverrides(cfg, in)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}
			return Config{}, false, nil
		}
		return Config{}, false, fmt.Errorf("reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}
	return cfg, true, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.ServerAddress != "" {
		base.ServerAddress = overlay.ServerAddress
	}
	if overlay.ServerPort != "" {
		base.ServerPort = overlay.ServerPort
	}
	if overlay.TLSCertificateFile != "" {
		base.TLSCertificateFile = overlay.TLSCertificateFile
	}
	if overlay.TLSPrivateKeyFile != "" {
		base.TLSPrivateKeyFile = overlay.TLSPrivateKeyFile
	}
	if overlay.VacuumInterval != 0 {
		base.VacuumInterval = overlay.VacuumInterval
	}
	if overlay.ShardCount != 0 {
		base.ShardCount = overlay.ShardCount
	}
	if overlay.MaxRecordSize != 0 {
		base.MaxRecordSize = overlay.MaxRecordSize
	}
	return base
}

func applyOverrides(cfg Config, in LoadConfigInput) Config {
	if in.ServerAddressOverride != "" {
		cfg.ServerAddress = in.ServerAddressOverride
	}
	if in.ServerPortOverride != "" {
		cfg.ServerPort = in.ServerPortOverride
	}
	if in.TLSCertificateFileOverride != "" {
		cfg.TLSCertificateFile = in.TLSCertificateFileOverride
	}
	if in.TLSPrivateKeyFileOverride != "" {
		cfg.TLSPrivateKeyFile = in.TLSPrivateKeyFileOverride
	}
	if in.VacuumIntervalOverride != 0 {
		cfg.VacuumInterval = in.VacuumIntervalOverride
	}
	if in.ShardCountOverride != 0 {
		cfg.ShardCount = in.ShardCountOverride
	}
	if in.MaxRecordSizeOverride != 0 {
		cfg.MaxRecordSize = in.MaxRecordSizeOverride
	}
	return cfg
}

func validateConfig(cfg Config) error {
	if cfg.ShardCount <= 0 {
		return ErrShardCountInvalid
	}
	if cfg.ServerAddress != "" && net.ParseIP(cfg.ServerAddress) == nil {
		return fmt.Errorf("%w: server address %q is not a valid IP", ErrConfigInvalid, cfg.ServerAddress)
	}
	if (cfg.TLSCertificateFile == "") != (cfg.TLSPrivateKeyFile == "") {
		return fmt.Errorf("%w: tls_cert_file and tls_private_key_file must be set together", ErrConfigInvalid)
	}
	return nil
}
