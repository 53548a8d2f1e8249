package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"
	"github.com/witnz/witnz-oracle/internal/chain"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Chains    []ChainConfig   `mapstructure:"chains"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type NodeConfig struct {
	ID         string `mapstructure:"id"`
	PrivateKey string `mapstructure:"private_key"`
	BindAddr   string `mapstructure:"bind_addr"`
	DataDir    string `mapstructure:"data_dir"`
	Version    string `mapstructure:"version"`
}

type ConsensusConfig struct {
	RoundLength        uint64        `mapstructure:"round_length"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RoundInterval      time.Duration `mapstructure:"round_interval"`
	RequiredSignatures int           `mapstructure:"required_signatures"`
	SignatureTimeout   time.Duration `mapstructure:"signature_timeout"`
	LivenessTimeout    time.Duration `mapstructure:"liveness_timeout"`
	MintInterval       time.Duration `mapstructure:"mint_interval"`
	DispatchInterval   time.Duration `mapstructure:"dispatch_interval"`

	// Validators is only used by offline commands; a running node reads the
	// validator set from the primary chain.
	Validators []ValidatorConfig `mapstructure:"validators"`
}

type ValidatorConfig struct {
	ID       string `mapstructure:"id"`
	Location string `mapstructure:"location"`
}

type FeedsConfig struct {
	File               string             `mapstructure:"file"`
	DefaultDiscrepancy float64            `mapstructure:"default_discrepancy"`
	Discrepancies      map[string]float64 `mapstructure:"discrepancies"`
}

type ChainConfig struct {
	ID                  string        `mapstructure:"id"`
	Type                string        `mapstructure:"type"`
	Primary             bool          `mapstructure:"primary"`
	RPCURL              string        `mapstructure:"rpc_url"`
	ContractAddress     string        `mapstructure:"contract_address"`
	ChainID             int64         `mapstructure:"chain_id"`
	LegacyGas           bool          `mapstructure:"legacy_gas"`
	GasMultiplier       float64       `mapstructure:"gas_multiplier"`
	MinGasPrice         string        `mapstructure:"min_gas_price"`
	MaxGasPrice         string        `mapstructure:"max_gas_price"`
	GasLimit            uint64        `mapstructure:"gas_limit"`
	Balance             BalanceConfig `mapstructure:"balance"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	CancelBump          float64       `mapstructure:"cancel_bump"`
}

// BalanceConfig holds wallet thresholds in wei, as decimal strings.
type BalanceConfig struct {
	Warning string `mapstructure:"warning"`
	Error   string `mapstructure:"error"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Node.Version == "" {
		c.Node.Version = "dev"
	}

	if c.Consensus.RoundLength == 0 {
		c.Consensus.RoundLength = 60
	}
	if c.Consensus.MaxRetries <= 0 {
		c.Consensus.MaxRetries = 2
	}
	if c.Consensus.RequiredSignatures <= 0 {
		c.Consensus.RequiredSignatures = 1
	}
	if c.Consensus.RoundInterval <= 0 {
		c.Consensus.RoundInterval = 7 * time.Second
	}
	if c.Consensus.SignatureTimeout <= 0 {
		c.Consensus.SignatureTimeout = 15 * time.Second
	}
	if c.Consensus.LivenessTimeout <= 0 {
		c.Consensus.LivenessTimeout = 5 * time.Second
	}
	if c.Consensus.MintInterval <= 0 {
		c.Consensus.MintInterval = 10 * time.Second
	}
	if c.Consensus.DispatchInterval <= 0 {
		c.Consensus.DispatchInterval = 10 * time.Second
	}

	if c.Feeds.DefaultDiscrepancy <= 0 {
		c.Feeds.DefaultDiscrepancy = 1
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	seen := make(map[string]bool, len(c.Chains))
	primaries := 0
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.ID == "" {
			return fmt.Errorf("chains[%d].id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate chain id: %s", ch.ID)
		}
		seen[ch.ID] = true
		if ch.Type == "" {
			ch.Type = chain.TypeEVM
		}
		if ch.RPCURL == "" {
			return fmt.Errorf("chains[%s].rpc_url is required", ch.ID)
		}
		if ch.ContractAddress == "" {
			return fmt.Errorf("chains[%s].contract_address is required", ch.ID)
		}
		if ch.Primary {
			primaries++
		}
		// Zero means the dispatcher default; replacements under 10% are rejected by nodes.
		if ch.CancelBump != 0 && ch.CancelBump < 1.1 {
			return fmt.Errorf("chains[%s].cancel_bump must be at least 1.1, got %g", ch.ID, ch.CancelBump)
		}
		for name, val := range map[string]string{
			"min_gas_price":   ch.MinGasPrice,
			"max_gas_price":   ch.MaxGasPrice,
			"balance.warning": ch.Balance.Warning,
			"balance.error":   ch.Balance.Error,
		} {
			if _, err := parseWei(val); err != nil {
				return fmt.Errorf("chains[%s].%s: %w", ch.ID, name, err)
			}
		}
	}
	if primaries > 1 {
		return fmt.Errorf("only one chain can be primary")
	}

	if c.Database.Enabled() {
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (valid options: text, json)", c.Log.Format)
	}

	return nil
}

// Key decodes node.private_key, with or without a 0x prefix.
func (n *NodeConfig) Key() (*ecdsa.PrivateKey, error) {
	if n.PrivateKey == "" {
		return nil, fmt.Errorf("node.private_key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(n.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid node.private_key: %w", err)
	}
	return key, nil
}

// PrimaryChain is the chain whose contract state drives leadership: the one
// marked primary, or the first one.
func (c *Config) PrimaryChain() ChainConfig {
	for _, ch := range c.Chains {
		if ch.Primary {
			return ch
		}
	}
	return c.Chains[0]
}

func (ch ChainConfig) Settings() (chain.Settings, error) {
	minPrice, err := parseWei(ch.MinGasPrice)
	if err != nil {
		return chain.Settings{}, err
	}
	maxPrice, err := parseWei(ch.MaxGasPrice)
	if err != nil {
		return chain.Settings{}, err
	}
	warning, err := parseWei(ch.Balance.Warning)
	if err != nil {
		return chain.Settings{}, err
	}
	balanceErr, err := parseWei(ch.Balance.Error)
	if err != nil {
		return chain.Settings{}, err
	}

	return chain.Settings{
		ID:              ch.ID,
		Type:            ch.Type,
		RPCURL:          ch.RPCURL,
		ContractAddress: ch.ContractAddress,
		ChainID:         ch.ChainID,
		Gas: chain.GasStrategy{
			Legacy:      ch.LegacyGas,
			Multiplier:  ch.GasMultiplier,
			MinGasPrice: minPrice,
			MaxGasPrice: maxPrice,
			GasLimit:    ch.GasLimit,
		},
		BalanceWarning:      warning,
		BalanceError:        balanceErr,
		ConfirmationTimeout: ch.ConfirmationTimeout,
		PollInterval:        ch.PollInterval,
		CancelBump:          ch.CancelBump,
	}, nil
}

func (d *DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}

// parseWei parses a non-negative decimal integer. Empty means unset.
func parseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount: %q", s)
	}
	return v, nil
}
