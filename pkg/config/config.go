// Package config loads a boson node's configuration from a YAML file,
// environment variables, and flag overrides via viper.
package config

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/spf13/viper"

	"github.com/boson-network/dht-core/pkg/utils"
)

// Version is the semantic version of this configuration package's schema.
const Version = "v1.0.0"

// BootstrapNode is one entry of the bootstrap_nodes list.
type BootstrapNode struct {
	Id   string `mapstructure:"id" json:"id"`
	Host string `mapstructure:"host" json:"host"`
	Port uint16 `mapstructure:"port" json:"port"`
}

// Config is the full set of recognised boson node options.
type Config struct {
	Host4 string `mapstructure:"host4" json:"host4"`
	Host6 string `mapstructure:"host6" json:"host6"`
	Port  uint16 `mapstructure:"port" json:"port"`

	PrivateKey string `mapstructure:"private_key" json:"private_key"`

	DataDir     string `mapstructure:"data_dir" json:"data_dir"`
	DatabaseURI string `mapstructure:"database_uri" json:"database_uri"`

	BootstrapNodes []BootstrapNode `mapstructure:"bootstrap_nodes" json:"bootstrap_nodes"`

	EnableSpamThrottling        bool `mapstructure:"enable_spam_throttling" json:"enable_spam_throttling"`
	EnableSuspiciousNodeDetector bool `mapstructure:"enable_suspicious_node_detector" json:"enable_suspicious_node_detector"`
	EnableMetrics               bool `mapstructure:"enable_metrics" json:"enable_metrics"`
	MetricsAddr                 string `mapstructure:"metrics_addr" json:"metrics_addr"`
	EnableDeveloperMode          bool `mapstructure:"enable_developer_mode" json:"enable_developer_mode"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// setDefaults seeds viper's defaults, preferring BOSON_PORT / BOSON_ENABLE_METRICS
// from the environment over the hardcoded fallback so a container can be
// configured without a YAML file at all. A config file value, or viper's own
// BOSON_-prefixed AutomaticEnv lookup, still overrides whatever lands here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("host4", "0.0.0.0")
	v.SetDefault("port", utils.EnvOrDefaultInt("BOSON_PORT", 6881))
	v.SetDefault("data_dir", "./data")
	v.SetDefault("database_uri", "in-memory://")
	v.SetDefault("enable_spam_throttling", true)
	v.SetDefault("enable_suspicious_node_detector", true)
	v.SetDefault("enable_metrics", utils.EnvOrDefaultBool("BOSON_ENABLE_METRICS", true))
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("enable_developer_mode", false)
}

// Load reads the node configuration from path, applying BOSON_-prefixed
// environment overrides and the defaults set by setDefaults. The result is
// stored in AppConfig and returned.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("boson: config: load config: %w", err)
	}

	v.SetEnvPrefix("boson")
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("boson: config: unmarshal config: %w", err)
	}
	if err := AppConfig.Validate(); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

// LoadFromEnv loads the configuration file named by BOSON_CONFIG, falling
// back to "boson.yaml" in the current directory.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("BOSON_CONFIG", "boson.yaml"))
}

// Validate checks option combinations that mapstructure cannot enforce on
// its own.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("boson: config: port must be nonzero")
	}
	if c.PrivateKey != "" {
		if _, err := base58.Decode(c.PrivateKey); err != nil {
			return fmt.Errorf("boson: config: private_key is not valid base58: %w", err)
		}
	}
	for i, n := range c.BootstrapNodes {
		if n.Host == "" || n.Port == 0 {
			return fmt.Errorf("boson: config: bootstrap_nodes[%d] missing host or port", i)
		}
	}
	return nil
}
