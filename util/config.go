package util

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const Name = "mastodon-sub071"
const ConfigFileName = "config.yaml"
const EnvPrefix = "MASTODON"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string `yaml:"host" envconfig:"HOST"`
		HttpPort  int    `yaml:"httpPort" envconfig:"HTTPPORT"`
		SslDomain string `yaml:"sslDomain" envconfig:"SSLDOMAIN"`
		WithAp    bool   `yaml:"withAp" envconfig:"WITH_AP"`
		DbPath    string `yaml:"dbPath" envconfig:"DB_PATH"`
		LogLevel  string `yaml:"logLevel" envconfig:"LOG_LEVEL"`
		LogJson   bool   `yaml:"logJson" envconfig:"LOG_JSON"`

		Redis struct {
			Addr     string `yaml:"addr" envconfig:"ADDR"`
			Password string `yaml:"password" envconfig:"PASSWORD"`
			Db       int    `yaml:"db" envconfig:"DB"`
		} `yaml:"redis" envconfig:"REDIS"`

		// Pool sizes the outbound connection pools. Ceiling is shared by
		// every destination host.
		Pool struct {
			Ceiling         int           `yaml:"ceiling" envconfig:"CEILING"`
			MaxIdlePerHost  int           `yaml:"maxIdlePerHost" envconfig:"MAX_IDLE_PER_HOST"`
			CheckoutTimeout time.Duration `yaml:"checkoutTimeout" envconfig:"CHECKOUT_TIMEOUT"`
			RequestTimeout  time.Duration `yaml:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`
			IdleTimeout     time.Duration `yaml:"idleTimeout" envconfig:"IDLE_TIMEOUT"`
		} `yaml:"pool" envconfig:"POOL"`

		Worker struct {
			Interval    time.Duration `yaml:"interval" envconfig:"INTERVAL"`
			BatchSize   int           `yaml:"batchSize" envconfig:"BATCH_SIZE"`
			MaxAttempts int           `yaml:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
		} `yaml:"worker" envconfig:"WORKER"`

		Fanout struct {
			DedupeTTL time.Duration `yaml:"dedupeTtl" envconfig:"DEDUPE_TTL"`
		} `yaml:"fanout" envconfig:"FANOUT"`

		Signature struct {
			MaxSkew time.Duration `yaml:"maxSkew" envconfig:"MAX_SKEW"`
			KeyFile string        `yaml:"keyFile" envconfig:"KEY_FILE"`
		} `yaml:"signature" envconfig:"SIGNATURE"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info().Msgf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn().Err(writeErr).Msgf("Could not write default config to %s", userConfigPath)
			} else {
				log.Info().Msgf("Created default config file at %s", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	// Only variables that are present override the file.
	if err := envconfig.Process(EnvPrefix, &c.Conf); err != nil {
		return nil, fmt.Errorf("in environment: %w", err)
	}

	c.applyDefaults()
	return c, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "database.db"
	}
	if c.Conf.Pool.Ceiling <= 0 {
		c.Conf.Pool.Ceiling = 64
	}
	if c.Conf.Pool.CheckoutTimeout <= 0 {
		c.Conf.Pool.CheckoutTimeout = 5 * time.Second
	}
	if c.Conf.Pool.RequestTimeout <= 0 {
		c.Conf.Pool.RequestTimeout = 30 * time.Second
	}
	if c.Conf.Pool.IdleTimeout <= 0 {
		c.Conf.Pool.IdleTimeout = 90 * time.Second
	}
	if c.Conf.Worker.Interval <= 0 {
		c.Conf.Worker.Interval = 10 * time.Second
	}
	if c.Conf.Worker.BatchSize <= 0 {
		c.Conf.Worker.BatchSize = 50
	}
	if c.Conf.Worker.MaxAttempts <= 0 {
		c.Conf.Worker.MaxAttempts = 10
	}
	if c.Conf.Fanout.DedupeTTL <= 0 {
		c.Conf.Fanout.DedupeTTL = 24 * time.Hour
	}
	if c.Conf.Signature.MaxSkew <= 0 {
		c.Conf.Signature.MaxSkew = 5 * time.Minute
	}
	if c.Conf.Signature.KeyFile == "" {
		c.Conf.Signature.KeyFile = "server_ed25519.pem"
	}
}

// BaseURL is the public https origin of this server.
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.SslDomain)
}
