package main

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/witnz/witnz-oracle/internal/config"
	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/leaf"
	"github.com/witnz/witnz-oracle/internal/storage"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", "chain", "bsc")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"chain":"bsc"`)
}

func TestNewLogger_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "loud", Format: "text"})

	logger.Debug("hidden")
	logger.Info("shown")
	require.Equal(t, 1, strings.Count(buf.String(), "msg="))
}

func TestNewChainFactory(t *testing.T) {
	require.Equal(t, []string{"evm", "gateway"}, newChainFactory().Types())
}

func TestPrintProof(t *testing.T) {
	var leaves []leaf.Leaf
	for label, raw := range map[string]string{"BTC-USD": "60000", "ETH-USD": "3000", "SOL-USD": "150"} {
		v, err := leaf.Encode(label, raw)
		require.NoError(t, err)
		leaves = append(leaves, leaf.Leaf{Label: label, Value: v})
	}
	root, _, err := consensus.Commit(1621508941, nil, leaves)
	require.NoError(t, err)

	c := &consensus.Consensus{DataTimestamp: 1621508941, Leaves: leaf.Sorted(leaves), Root: root}

	var buf bytes.Buffer
	require.NoError(t, printProof(&buf, c, "ETH-USD"))
	require.Contains(t, buf.String(), "Valid: true")

	require.Error(t, printProof(&buf, c, "DOGE-USD"))
}

func testConsensus(t *testing.T, labels ...string) *consensus.Consensus {
	t.Helper()
	var leaves []leaf.Leaf
	for i, label := range labels {
		v, err := leaf.Encode(label, fmt.Sprint(100*(i+1)))
		require.NoError(t, err)
		leaves = append(leaves, leaf.Leaf{Label: label, Value: v})
	}
	root, _, err := consensus.Commit(1621508941, nil, leaves)
	require.NoError(t, err)
	return &consensus.Consensus{
		DataTimestamp: 1621508941,
		Leaves:        leaf.Sorted(leaves),
		Root:          root,
		Power:         big.NewInt(1),
		Status:        consensus.StatusSuccess,
	}
}

type fakeMinted struct {
	addresses []string
}

func (f *fakeMinted) LatestMinted(_ context.Context, chainAddress string) (uint64, error) {
	f.addresses = append(f.addresses, chainAddress)
	return 1621508880, nil
}

func TestPrintStatus(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "witnz-oracle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	const contract = "0x00000000000000000000000000000000000000aa"
	checksummed := common.HexToAddress(contract).Hex()
	cfg := &config.Config{
		Node: config.NodeConfig{ID: "node1", DataDir: "/data"},
		Chains: []config.ChainConfig{
			{ID: "bsc", Type: "evm", ContractAddress: contract},
			{ID: "eth", Type: "evm", ContractAddress: "0x00000000000000000000000000000000000000bb"},
		},
	}

	c := testConsensus(t, "BTC-USD")
	require.NoError(t, store.SaveConsensus(c))
	require.NoError(t, store.SaveBlock(context.Background(), checksummed, c, true))
	require.NoError(t, store.SaveSubmitMarker(&storage.SubmitMarker{
		ChainID:       "bsc",
		DataTimestamp: c.DataTimestamp,
		TxHash:        "0xtx",
		SubmittedAt:   time.Unix(1621508950, 0),
	}))

	minted := &fakeMinted{}
	var buf bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &buf, cfg, store, minted))

	out := buf.String()
	require.Contains(t, out, "Node ID: node1")
	require.Contains(t, out, "Data timestamp: 1621508941")
	require.Contains(t, out, "Tx: 0xtx")
	require.Contains(t, out, "Minted: true")
	require.Contains(t, out, "Nothing submitted yet")
	require.Contains(t, out, "Latest minted (database): 1621508880")
	require.Equal(t, checksummed, minted.addresses[0])
}

func TestPrintStatus_WithoutDatabase(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "witnz-oracle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Node:   config.NodeConfig{ID: "node1"},
		Chains: []config.ChainConfig{{ID: "gw", Type: "gateway", ContractAddress: "oracle-1"}},
	}

	var buf bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &buf, cfg, store, nil))
	require.Contains(t, buf.String(), "No consensus yet")
	require.Contains(t, buf.String(), "gw (gateway) oracle-1")
	require.NotContains(t, buf.String(), "database")
}

func TestProofCommand_KeepsLabelCase(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "witnz-oracle.db"))
	require.NoError(t, err)
	c := testConsensus(t, "BTC-USD", "wbtc-eth")
	require.NoError(t, store.SaveConsensus(c))
	require.NoError(t, store.Close())

	cfgPath := filepath.Join(dir, "witnz-oracle.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
node:
  id: node1
  bind_addr: 127.0.0.1:0
  data_dir: %s
chains:
  - id: bsc
    rpc_url: http://localhost:8545
    contract_address: "0x0000000000000000000000000000000000000001"
`, dir)), 0600))

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"--config", cfgPath, "proof", "wbtc-eth", "1621508941"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	require.Contains(t, buf.String(), "Valid: true")
}

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"version", "init", "start", "status", "leader", "proof"} {
		require.True(t, names[want], "missing command %s", want)
	}
}
