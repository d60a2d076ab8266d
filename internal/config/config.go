// Package config implements spec §6 Configuration: a layered search over
// project/user config files plus WSCORE_-prefixed environment overrides,
// adapted from the teacher's internal/config package. Unlike the teacher,
// which holds its *viper.Viper in a package-level variable, this package
// returns an explicit *Config from Load so every core instance (and every
// test) can carry its own configuration rather than sharing process-global
// state (spec §9 "Shared module-level singletons... explicit construction").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved, typed view over every key spec §6 recognizes.
// Anything else present in a config file or the environment is ignored, per
// spec §6 "anything else ignored".
type Config struct {
	QueueDebounceTime time.Duration
	QueueMaxSize      int
	QueueValidate     bool

	PersistenceSchemaVersion int

	BroadcastRetry bool

	// Daemon-only keys (not named in spec §6's Configuration subsection but
	// required to run the RPC transport; carried from the teacher's RPC
	// server env-var tunables).
	SocketPath     string
	MaxConns       int
	RequestTimeout time.Duration

	v *viper.Viper
}

// Load builds a fresh viper instance, searches for a config file using the
// teacher's precedence order renamed to this module's directory name, binds
// WSCORE_-prefixed environment overrides, and returns the resolved Config.
// workspaceDir is the directory config search starts from (normally the
// daemon's state directory); an empty string uses the current directory.
func Load(workspaceDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	configFileSet := locateConfigFile(v, workspaceDir)

	v.SetEnvPrefix("WSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("queue.debounce_time_ms", 50)
	v.SetDefault("queue.max_queue_size", 3)
	v.SetDefault("queue.validate", true)
	v.SetDefault("persistence.schema_version", 1)
	v.SetDefault("broadcast.retry", false)
	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.max_conns", 100)
	v.SetDefault("daemon.request_timeout_ms", 30000)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return &Config{
		QueueDebounceTime:        time.Duration(v.GetInt("queue.debounce_time_ms")) * time.Millisecond,
		QueueMaxSize:             v.GetInt("queue.max_queue_size"),
		QueueValidate:            v.GetBool("queue.validate"),
		PersistenceSchemaVersion: v.GetInt("persistence.schema_version"),
		BroadcastRetry:           v.GetBool("broadcast.retry"),
		SocketPath:               v.GetString("daemon.socket_path"),
		MaxConns:                 v.GetInt("daemon.max_conns"),
		RequestTimeout:           time.Duration(v.GetInt("daemon.request_timeout_ms")) * time.Millisecond,
		v:                        v,
	}, nil
}

// locateConfigFile walks the teacher's precedence order: project
// .wscore/config.yaml (searched upward from workspaceDir) > user config dir
// (wscore/config.yaml) > home directory (~/.wscore/config.yaml).
func locateConfigFile(v *viper.Viper, workspaceDir string) bool {
	start := workspaceDir
	if start == "" {
		if cwd, err := os.Getwd(); err == nil {
			start = cwd
		}
	}
	if start != "" {
		for dir := start; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".wscore", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				return true
			}
		}
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(configDir, "wscore", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			v.SetConfigFile(candidate)
			return true
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".wscore", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			v.SetConfigFile(candidate)
			return true
		}
	}

	return false
}

// IsSet reports whether key was set by a config file or environment
// variable rather than a SetDefault call, for diagnostics.
func (c *Config) IsSet(key string) bool {
	if c.v.InConfig(key) {
		return true
	}
	envKey := "WSCORE_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	_, ok := os.LookupEnv(envKey)
	return ok
}
