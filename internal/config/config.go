// Package config loads keelci.yaml with KEELCI_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Pipelines   PipelinesConfig   `mapstructure:"pipelines"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIToken        string        `mapstructure:"api_token"` // bearer token for the operator API; empty disables auth
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebhookConfig struct {
	Secret string  `mapstructure:"secret"` // HMAC key for X-Hub-Signature-256
	Token  string  `mapstructure:"token"`  // shared token for the payload signature field
	Rate   float64 `mapstructure:"rate"`   // deliveries per second
	Burst  int     `mapstructure:"burst"`
}

type EngineConfig struct {
	Workers          int64         `mapstructure:"workers"`
	Workspace        string        `mapstructure:"workspace"`
	CleanupWorkspace bool          `mapstructure:"cleanup_workspace"`
	StageTimeout     time.Duration `mapstructure:"stage_timeout"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	OutputLimit      int           `mapstructure:"output_limit"`
	AgentToken       string        `mapstructure:"agent_token"` // bearer token presented to remote agents
}

type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // badger or memory
	DataDir   string `mapstructure:"data_dir"`
	LogDir    string `mapstructure:"log_dir"`
	Retention int    `mapstructure:"retention"` // finished runs kept per pipeline, 0 keeps all
}

type PipelinesConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

type CredentialsConfig struct {
	File     string `mapstructure:"file"`     // age-encrypted store; empty keeps credentials in memory
	Identity string `mapstructure:"identity"` // age identity file
}

type AuditConfig struct {
	Ledger     string `mapstructure:"ledger"`
	PublicKey  string `mapstructure:"public_key"`
	PrivateKey string `mapstructure:"private_key"`
}

type DockerConfig struct {
	Binary string `mapstructure:"binary"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.token", "")
	v.SetDefault("webhook.rate", 5.0)
	v.SetDefault("webhook.burst", 20)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.workspace", "data/workspace")
	v.SetDefault("engine.cleanup_workspace", true)
	v.SetDefault("engine.stage_timeout", 30*time.Minute)
	v.SetDefault("engine.grace_period", 10*time.Second)
	v.SetDefault("engine.output_limit", 1<<20)
	v.SetDefault("engine.agent_token", "")

	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.data_dir", "data/runs")
	v.SetDefault("storage.log_dir", "data/logs")
	v.SetDefault("storage.retention", 0)

	v.SetDefault("pipelines.dir", "pipelines")
	v.SetDefault("pipelines.watch", true)

	v.SetDefault("credentials.file", "data/credentials.age")
	v.SetDefault("credentials.identity", "keys/age.key")

	v.SetDefault("audit.ledger", "data/ledger.jsonl")
	v.SetDefault("audit.public_key", "keys/ledger.pub")
	v.SetDefault("audit.private_key", "keys/ledger.key")

	v.SetDefault("docker.binary", "docker")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the config file at path, or keelci.yaml from the working
// directory and /etc/keelci when path is empty. A missing default file is
// not an error. Every key can be overridden as KEELCI_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KEELCI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("keelci")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/keelci")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("storage.backend must be badger or memory, got %q", c.Storage.Backend)
	}
	if c.Webhook.Rate < 0 || c.Webhook.Burst < 0 {
		return errors.New("webhook.rate and webhook.burst must not be negative")
	}
	if c.Webhook.Rate > 0 && c.Webhook.Burst < 1 {
		// a zero burst would reject every delivery
		return fmt.Errorf("webhook.burst must be at least 1 when webhook.rate is set, got %d", c.Webhook.Burst)
	}
	if c.Pipelines.Dir == "" {
		return errors.New("pipelines.dir is required")
	}
	return nil
}
