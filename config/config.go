// Package config loads and validates node configuration. Values come from
// defaults, an optional YAML file, and SULTAN_-prefixed environment
// variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/viper"
)

// GenesisValidator seeds one validator into the registry at genesis.
type GenesisValidator struct {
	Address   string `mapstructure:"address"`
	PublicKey string `mapstructure:"public_key"`
	Stake     uint64 `mapstructure:"stake"`
}

// Genesis describes the initial chain state.
type Genesis struct {
	Allocations map[string]uint64  `mapstructure:"allocations"`
	Validators  []GenesisValidator `mapstructure:"validators"`
}

// Config is the full node configuration.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	ListenAddr string `mapstructure:"listen_addr"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	InitialShardCount      int     `mapstructure:"initial_shard_count"`
	MaxShardCount          int     `mapstructure:"max_shard_count"`
	CapacityPerShard       int     `mapstructure:"transactions_per_shard_capacity"`
	ExpansionLoadThreshold float64 `mapstructure:"expansion_load_threshold"`

	BlockInterval time.Duration `mapstructure:"block_interval"`
	RoundTimeout  time.Duration `mapstructure:"round_timeout"`
	MaxBlockTxs   int           `mapstructure:"max_block_transactions"`
	TxPoolSize    int           `mapstructure:"transaction_pool_size"`

	MinimumValidatorStake uint64 `mapstructure:"minimum_validator_stake"`
	ThresholdNumerator    uint64 `mapstructure:"byzantine_threshold_numerator"`
	ThresholdDenominator  uint64 `mapstructure:"byzantine_threshold_denominator"`

	Genesis Genesis `mapstructure:"genesis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("listen_addr", ":8545")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("initial_shard_count", 8)
	v.SetDefault("max_shard_count", 64)
	v.SetDefault("transactions_per_shard_capacity", 1000)
	v.SetDefault("expansion_load_threshold", 0.8)
	v.SetDefault("block_interval", 2*time.Second)
	v.SetDefault("round_timeout", 1*time.Second)
	v.SetDefault("max_block_transactions", 5000)
	v.SetDefault("transaction_pool_size", 50000)
	v.SetDefault("minimum_validator_stake", 1000)
	v.SetDefault("byzantine_threshold_numerator", 2)
	v.SetDefault("byzantine_threshold_denominator", 3)
}

// Load reads configuration from configPath (optional, empty skips the file)
// and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SULTAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if !govalidator.InRangeInt(c.InitialShardCount, 1, c.MaxShardCount) {
		return fmt.Errorf("initial_shard_count %d out of range [1, %d]", c.InitialShardCount, c.MaxShardCount)
	}
	if c.MaxShardCount < 1 {
		return fmt.Errorf("max_shard_count must be at least 1, got %d", c.MaxShardCount)
	}
	if c.CapacityPerShard < 1 {
		return fmt.Errorf("transactions_per_shard_capacity must be at least 1, got %d", c.CapacityPerShard)
	}
	if !govalidator.InRangeFloat64(c.ExpansionLoadThreshold, 0, 1) {
		return fmt.Errorf("expansion_load_threshold %g out of range [0, 1]", c.ExpansionLoadThreshold)
	}
	if c.BlockInterval <= 0 {
		return fmt.Errorf("block_interval must be positive, got %s", c.BlockInterval)
	}
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("round_timeout must be positive, got %s", c.RoundTimeout)
	}
	if c.MaxBlockTxs < 1 {
		return fmt.Errorf("max_block_transactions must be at least 1, got %d", c.MaxBlockTxs)
	}
	if c.TxPoolSize < c.MaxBlockTxs {
		return fmt.Errorf("transaction_pool_size %d smaller than max_block_transactions %d", c.TxPoolSize, c.MaxBlockTxs)
	}
	if c.ThresholdDenominator == 0 || c.ThresholdNumerator == 0 || c.ThresholdNumerator >= c.ThresholdDenominator {
		return fmt.Errorf("byzantine threshold %d/%d must be a proper fraction", c.ThresholdNumerator, c.ThresholdDenominator)
	}
	return nil
}
