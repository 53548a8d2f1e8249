package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	configContent := `
node:
  id: node1
  private_key: ${WITNZ_ORACLE_TEST_KEY}
  bind_addr: 0.0.0.0:3000
  data_dir: /tmp/data

consensus:
  round_length: 60
  round_interval: 3s
  signature_timeout: 20s

feeds:
  file: /tmp/feeds.json
  default_discrepancy: 0.5
  discrepancies:
    BTC-USD: 2

chains:
  - id: bsc
    rpc_url: http://localhost:8545
    contract_address: "0x0000000000000000000000000000000000000001"
    legacy_gas: true
    balance:
      warning: "100000000000000000"
      error: "10000000000000000"
  - id: polygon
    type: evm
    primary: true
    rpc_url: http://localhost:8546
    contract_address: "0x0000000000000000000000000000000000000002"
    confirmation_timeout: 3m

alerts:
  enabled: false
`

	t.Setenv("WITNZ_ORACLE_TEST_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	tmpfile, err := os.CreateTemp("", "witnz-oracle-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(configContent)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != "node1" {
		t.Errorf("expected node.id=node1, got %s", cfg.Node.ID)
	}
	if _, err := cfg.Node.Key(); err != nil {
		t.Errorf("expected private key from environment, got %v", err)
	}
	if cfg.Consensus.RoundInterval != 3*time.Second {
		t.Errorf("expected round_interval=3s, got %v", cfg.Consensus.RoundInterval)
	}
	if cfg.Consensus.RequiredSignatures != 1 {
		t.Errorf("expected default required_signatures=1, got %d", cfg.Consensus.RequiredSignatures)
	}
	if cfg.Consensus.MaxRetries != 2 {
		t.Errorf("expected default max_retries=2, got %d", cfg.Consensus.MaxRetries)
	}
	if len(cfg.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(cfg.Chains))
	}
	if cfg.Chains[0].Type != "evm" {
		t.Errorf("expected default chain type evm, got %s", cfg.Chains[0].Type)
	}
	if got := cfg.PrimaryChain().ID; got != "polygon" {
		t.Errorf("expected primary chain polygon, got %s", got)
	}
	if cfg.Chains[1].ConfirmationTimeout != 3*time.Minute {
		t.Errorf("expected confirmation_timeout=3m, got %v", cfg.Chains[1].ConfirmationTimeout)
	}
	if cfg.Database.Enabled() {
		t.Error("expected database to be disabled")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected default log format text, got %s", cfg.Log.Format)
	}
}

func validConfig() Config {
	return Config{
		Node: NodeConfig{
			ID:       "node1",
			BindAddr: "0.0.0.0:3000",
			DataDir:  "/data",
		},
		Chains: []ChainConfig{{
			ID:              "bsc",
			RPCURL:          "http://localhost:8545",
			ContractAddress: "0x01",
		}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing node id",
			modify:  func(c *Config) { c.Node.ID = "" },
			wantErr: true,
		},
		{
			name:    "no chains",
			modify:  func(c *Config) { c.Chains = nil },
			wantErr: true,
		},
		{
			name: "duplicate chain",
			modify: func(c *Config) {
				c.Chains = append(c.Chains, c.Chains[0])
			},
			wantErr: true,
		},
		{
			name:    "bad balance threshold",
			modify:  func(c *Config) { c.Chains[0].Balance.Error = "1e18" },
			wantErr: true,
		},
		{
			name:    "negative gas price",
			modify:  func(c *Config) { c.Chains[0].MaxGasPrice = "-1" },
			wantErr: true,
		},
		{
			name: "two primaries",
			modify: func(c *Config) {
				second := c.Chains[0]
				second.ID = "eth"
				c.Chains = append(c.Chains, second)
				c.Chains[0].Primary = true
				c.Chains[1].Primary = true
			},
			wantErr: true,
		},
		{
			name:    "database without name",
			modify:  func(c *Config) { c.Database = DatabaseConfig{Host: "localhost", User: "u"} },
			wantErr: true,
		},
		{
			name:    "cancel bump below replacement minimum",
			modify:  func(c *Config) { c.Chains[0].CancelBump = 1.05 },
			wantErr: true,
		},
		{
			name:    "cancel bump at replacement minimum",
			modify:  func(c *Config) { c.Chains[0].CancelBump = 1.1 },
			wantErr: false,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChainSettings(t *testing.T) {
	ch := ChainConfig{
		ID:              "bsc",
		Type:            "evm",
		RPCURL:          "http://localhost:8545",
		ContractAddress: "0x01",
		LegacyGas:       true,
		GasMultiplier:   1.2,
		MaxGasPrice:     "500000000000",
		Balance: BalanceConfig{
			Warning: "100000000000000000",
			Error:   "10000000000000000",
		},
		CancelBump: 1.3,
	}

	s, err := ch.Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if !s.Gas.Legacy || s.Gas.Multiplier != 1.2 {
		t.Errorf("unexpected gas strategy: %+v", s.Gas)
	}
	if s.Gas.MinGasPrice != nil {
		t.Errorf("expected unset min gas price, got %v", s.Gas.MinGasPrice)
	}
	if s.Gas.MaxGasPrice.String() != "500000000000" {
		t.Errorf("unexpected max gas price: %v", s.Gas.MaxGasPrice)
	}
	if s.BalanceError.String() != "10000000000000000" {
		t.Errorf("unexpected balance error threshold: %v", s.BalanceError)
	}
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "testdb",
		User:     "testuser",
		Password: "testpass",
	}

	connStr := db.ConnectionString()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpass sslmode=disable"

	if connStr != expected {
		t.Errorf("ConnectionString() = %v, want %v", connStr, expected)
	}
}
