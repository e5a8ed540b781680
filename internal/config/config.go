// Package config loads the orchestrator's timeout and grace-window settings, layering
// compiled-in defaults, an optional YAML file, and environment-variable overrides — the same
// layering order the teacher's configuration system uses, minus the Kubernetes CRD machinery
// this service has no use for.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Timeouts holds every duration the pipeline needs, matching the environment-variable names
// used by the original reference server so operators migrating from it need no changes.
type Timeouts struct {
	// GracePeriod is how long the supervisor waits after the polite termination signal
	// before escalating to an uninterruptible kill.
	GracePeriod time.Duration `yaml:"gracePeriod"`
	// BuildTimeout bounds the build phase.
	BuildTimeout time.Duration `yaml:"buildTimeout"`
	// GenericTestTimeout bounds the test phase for projects without an incremental runner.
	GenericTestTimeout time.Duration `yaml:"genericTestTimeout"`
	// IncrementalTestTimeout bounds the test phase for projects with an incremental runner.
	IncrementalTestTimeout time.Duration `yaml:"incrementalTestTimeout"`
	// PerTestTimeout is forwarded to the incremental runner, when supported.
	PerTestTimeout time.Duration `yaml:"perTestTimeout"`
	// KeepAliveInterval is how often the event-stream transport emits a keep-alive comment
	// while the child is silent.
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
}

// Defaults returns the compiled-in timeout defaults, taken verbatim from the reference
// server's constants.
func Defaults() Timeouts {
	return Timeouts{
		GracePeriod:            5 * time.Second,
		BuildTimeout:           120 * time.Second,
		GenericTestTimeout:     10800 * time.Second,
		IncrementalTestTimeout: 10800 * time.Second,
		PerTestTimeout:         10 * time.Second,
		KeepAliveInterval:      15 * time.Second,
	}
}

// Config is the orchestrator's full runtime configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080". Ignored when running under systemd
	// socket activation.
	Addr string `yaml:"addr"`
	// WorkspaceRoot is the directory containing client_data/ and server_data/.
	WorkspaceRoot string `yaml:"workspaceRoot"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	Timeouts Timeouts `yaml:"timeouts"`
}

// Default returns the service's default configuration.
func Default() Config {
	return Config{
		Addr:          ":8080",
		WorkspaceRoot: "/workspace",
		Timeouts:      Defaults(),
	}
}

// Load builds a Config by applying a YAML file (if path is non-empty and exists) over the
// defaults, then applying environment-variable overrides over that.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envSeconds("GRACE_PERIOD"); ok {
		cfg.Timeouts.GracePeriod = v
	}
	if v, ok := envSeconds("BUILD_TIMEOUT"); ok {
		cfg.Timeouts.BuildTimeout = v
	}
	if v, ok := envSeconds("MOON_TEST_TIMEOUT"); ok {
		cfg.Timeouts.GenericTestTimeout = v
	}
	if v, ok := envSeconds("CDCL_TEST_TIMEOUT"); ok {
		cfg.Timeouts.IncrementalTestTimeout = v
	}
	if v, ok := envSeconds("PER_TEST_TIMEOUT"); ok {
		cfg.Timeouts.PerTestTimeout = v
	}
	if v, ok := envSeconds("SSE_KEEPALIVE_INTERVAL"); ok {
		cfg.Timeouts.KeepAliveInterval = v
	}
	if v := os.Getenv("ORCHESTRATOR_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("ORCHESTRATOR_WORKSPACE"); v != "" {
		cfg.WorkspaceRoot = v
	}
}

func envSeconds(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
