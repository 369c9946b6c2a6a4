package config

import "time"

// Config represents the complete cobalt configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api,omitempty"`
	VMS       VMSConfig       `yaml:"vms"`
	Messaging MessagingConfig `yaml:"messaging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Quota     QuotaConfig     `yaml:"quota"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"` // this node's name in <topic>.<host> queues
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or text
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// VMSConfig selects the vmsctl contract and how it is run on this host.
type VMSConfig struct {
	Version  string        `yaml:"version"`
	Platform string        `yaml:"platform"`
	Binary   string        `yaml:"binary,omitempty"` // overrides argv[0]
	Timeout  time.Duration `yaml:"timeout"`
	Path     string        `yaml:"path"` // template path passed to launch
}

// MessagingConfig names the queues and bounds blocking calls.
type MessagingConfig struct {
	Topic          string        `yaml:"topic"`
	SchedulerTopic string        `yaml:"scheduler_topic"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// WorkerConfig enables the host worker that runs vmsctl.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SchedulerConfig enables launch placement and lists candidate hosts.
type SchedulerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Hosts   []string `yaml:"hosts"`
}

// QuotaConfig limits instance creation. Zero means unlimited.
type QuotaConfig struct {
	Instances        int            `yaml:"instances"`
	InstancesPerType map[string]int `yaml:"instances_per_type,omitempty"`
	MetadataItems    int            `yaml:"metadata_items"`
}

// ChecksumManifest is the on-disk .checksums format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "cobalt",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/cobalt.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8774",
		},
		VMS: VMSConfig{
			Version: "2.6",
			Timeout: 10 * time.Minute,
		},
		Messaging: MessagingConfig{
			Topic:          "gridcentric",
			SchedulerTopic: "scheduler",
			CallTimeout:    60 * time.Second,
			PollInterval:   time.Second,
		},
		Quota: QuotaConfig{
			Instances:     10,
			MetadataItems: 128,
		},
	}
}
