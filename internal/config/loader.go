package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cobalt/internal/log"
	"github.com/mattjoyce/cobalt/internal/vms"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config at configPath.
// A directory is accepted and resolved to config.yaml inside it. When a
// .checksums manifest sits beside the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	if err := verifyIfLocked(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes over Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Service.Host == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Service.Host = h
		}
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	cfg.Service.LogFormat = strings.ToLower(cfg.Service.LogFormat)
	if cfg.Quota.InstancesPerType == nil {
		cfg.Quota.InstancesPerType = map[string]int{}
	}
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if _, err := log.ParseLevel(cfg.Service.LogLevel); err != nil {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}
	if cfg.Service.Host == "" {
		return fmt.Errorf("service.host is required")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when api is enabled")
		}
		if m := envVarPattern.FindStringSubmatch(cfg.API.APIKey); m != nil {
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", m[1])
		}
	}

	if cfg.Worker.Enabled {
		if _, _, err := vms.Resolve(cfg.VMS.Version); err != nil {
			return fmt.Errorf("vms.version: %w", err)
		}
		if cfg.VMS.Platform == "" {
			return fmt.Errorf("vms.platform is required when the worker is enabled")
		}
	}

	if cfg.Messaging.Topic == "" {
		return fmt.Errorf("messaging.topic is required")
	}
	if cfg.Messaging.SchedulerTopic == "" {
		return fmt.Errorf("messaging.scheduler_topic is required")
	}
	if cfg.Messaging.Topic == cfg.Messaging.SchedulerTopic {
		return fmt.Errorf("messaging.topic and messaging.scheduler_topic must differ")
	}
	if cfg.Messaging.CallTimeout <= 0 {
		return fmt.Errorf("messaging.call_timeout must be positive")
	}
	if cfg.Messaging.PollInterval <= 0 {
		return fmt.Errorf("messaging.poll_interval must be positive")
	}

	if cfg.Scheduler.Enabled && len(cfg.Scheduler.Hosts) == 0 {
		return fmt.Errorf("scheduler.hosts must be non-empty when the scheduler is enabled")
	}

	if cfg.Quota.Instances < 0 || cfg.Quota.MetadataItems < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}
	for typ, n := range cfg.Quota.InstancesPerType {
		if n < 0 {
			return fmt.Errorf("quota.instances_per_type[%s] must not be negative", typ)
		}
	}

	return nil
}
