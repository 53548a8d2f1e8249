package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/witnz/witnz-oracle/internal/chain"
	"github.com/witnz/witnz-oracle/internal/config"
	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/hash"
	"github.com/witnz/witnz-oracle/internal/leaf"
	"github.com/witnz/witnz-oracle/internal/pgstore"
	"github.com/witnz/witnz-oracle/internal/storage"
)

const version = "v0.1.0-alpha"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "witnz-oracle",
	Short: "Witnz Oracle - decentralized oracle validator",
	Long:  `A validator node that agrees on oracle data with its peers and submits it to every configured chain`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "witnz-oracle.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(leaderCmd)
	rootCmd.AddCommand(proofCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "witnz-oracle %s\n", version)
		fmt.Fprintln(cmd.OutOrStdout(), "Decentralized Oracle Validator")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize witnz-oracle node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := storage.New(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		key, err := cfg.Node.Key()
		if err != nil {
			return err
		}
		address := addressOf(key)
		if err := store.SetMetadata("validator_address", address.Hex()); err != nil {
			return fmt.Errorf("failed to save metadata: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Initialized witnz-oracle node: %s\n", cfg.Node.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "Validator address: %s\n", address.Hex())
		fmt.Fprintf(cmd.OutOrStdout(), "Data directory: %s\n", cfg.Node.DataDir)
		fmt.Fprintf(cmd.OutOrStdout(), "Database path: %s\n", dbPath(cfg))

		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display latest consensus and per-chain submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := storage.New(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		var minted mintedReader
		if cfg.Database.Enabled() {
			pg, err := pgstore.New(cmd.Context(), cfg.Database.ConnectionString(), newLogger(os.Stderr, cfg.Log))
			if err != nil {
				return err
			}
			defer pg.Close()
			minted = pg
		}

		return printStatus(cmd.Context(), cmd.OutOrStdout(), cfg, store, minted)
	},
}

type statusStore interface {
	GetMetadata(key string) (string, error)
	LatestConsensus(ctx context.Context) (*consensus.Consensus, error)
	GetSubmitMarker(chainID string) (*storage.SubmitMarker, error)
	IsMinted(chainAddress string, dataTimestamp uint64) (bool, error)
}

type mintedReader interface {
	LatestMinted(ctx context.Context, chainAddress string) (uint64, error)
}

// printStatus writes the node summary. minted is optional.
func printStatus(ctx context.Context, w io.Writer, cfg *config.Config, store statusStore, minted mintedReader) error {
	fmt.Fprintf(w, "Node ID: %s\n", cfg.Node.ID)
	if address, err := store.GetMetadata("validator_address"); err == nil {
		fmt.Fprintf(w, "Validator: %s\n", address)
	}
	fmt.Fprintf(w, "Data Directory: %s\n", cfg.Node.DataDir)

	latest, err := store.LatestConsensus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read consensus: %w", err)
	}
	fmt.Fprintf(w, "\nLatest Consensus:\n")
	if latest == nil {
		fmt.Fprintf(w, "  No consensus yet\n")
	} else {
		printConsensus(w, latest)
	}

	fmt.Fprintf(w, "\nChains:\n")
	for _, ch := range cfg.Chains {
		address := chainAddress(ch)
		fmt.Fprintf(w, "  - %s (%s) %s\n", ch.ID, ch.Type, address)
		if minted != nil {
			ts, err := minted.LatestMinted(ctx, address)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "    Latest minted (database): %d\n", ts)
		}

		marker, err := store.GetSubmitMarker(ch.ID)
		if err != nil {
			return fmt.Errorf("failed to read submit marker: %w", err)
		}
		if marker == nil {
			fmt.Fprintf(w, "    Nothing submitted yet\n")
			continue
		}
		fmt.Fprintf(w, "    Last submitted: %d (%s)\n", marker.DataTimestamp, marker.SubmittedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "    Tx: %s\n", marker.TxHash)
		ok, err := store.IsMinted(address, marker.DataTimestamp)
		if err != nil {
			return fmt.Errorf("failed to read block record: %w", err)
		}
		fmt.Fprintf(w, "    Minted: %t\n", ok)
	}

	return nil
}

// chainAddress is the key blocks are stored under: the checksummed contract
// address on EVM chains, the configured address elsewhere.
func chainAddress(ch config.ChainConfig) string {
	if ch.Type == chain.TypeEVM && common.IsHexAddress(ch.ContractAddress) {
		return common.HexToAddress(ch.ContractAddress).Hex()
	}
	return ch.ContractAddress
}

var leaderCmd = &cobra.Command{
	Use:   "leader [timestamp]",
	Short: "Print the leader of a data timestamp from the configured validators",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ts := uint64(time.Now().Unix())
		if len(args) == 1 {
			ts, err = strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid timestamp: %w", err)
			}
		}

		validators := make([]common.Address, 0, len(cfg.Consensus.Validators))
		locations := make(map[common.Address]string, len(cfg.Consensus.Validators))
		for _, v := range cfg.Consensus.Validators {
			if !common.IsHexAddress(v.ID) {
				return fmt.Errorf("invalid validator address: %s", v.ID)
			}
			addr := common.HexToAddress(v.ID)
			validators = append(validators, addr)
			locations[addr] = v.Location
		}

		leader, err := consensus.Leader(ts, validators, cfg.Consensus.RoundLength)
		if err != nil {
			return err
		}
		round, err := consensus.RoundID(ts, cfg.Consensus.RoundLength)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Timestamp: %d\n", ts)
		fmt.Fprintf(cmd.OutOrStdout(), "Round: %d\n", round)
		fmt.Fprintf(cmd.OutOrStdout(), "Leader: %s\n", leader.Hex())
		if loc := locations[leader]; loc != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Location: %s\n", loc)
		}
		return nil
	},
}

var proofCmd = &cobra.Command{
	Use:   "proof <label> [timestamp]",
	Short: "Print the Merkle proof of a label in a stored consensus",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := storage.New(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		var c *consensus.Consensus
		if len(args) == 2 {
			ts, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid timestamp: %w", err)
			}
			c, err = store.GetConsensus(ts)
			if err != nil {
				return fmt.Errorf("failed to read consensus %d: %w", ts, err)
			}
		} else {
			c, err = store.LatestConsensus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read consensus: %w", err)
			}
			if c == nil {
				return fmt.Errorf("no consensus stored")
			}
		}

		return printProof(cmd.OutOrStdout(), c, args[0])
	},
}

func printConsensus(w io.Writer, c *consensus.Consensus) {
	fmt.Fprintf(w, "  Data timestamp: %d\n", c.DataTimestamp)
	fmt.Fprintf(w, "  Root: %s\n", c.Root.Hex())
	fmt.Fprintf(w, "  Keys: %d (%d first-class)\n", c.KeyCount(), len(c.FCDKeys))
	fmt.Fprintf(w, "  Signatures: %d\n", len(c.Signatures))
	fmt.Fprintf(w, "  Power: %s\n", c.Power.String())
}

func printProof(w io.Writer, c *consensus.Consensus, label string) error {
	tree, err := hash.NewSortedMerkleTree(c.Leaves)
	if err != nil {
		return err
	}
	proof, err := tree.GetProof(label)
	if err != nil {
		return err
	}

	for _, l := range c.Leaves {
		if l.Label == label {
			fmt.Fprintf(w, "Value: %s\n", leaf.String(l.Label, l.Value))
		}
	}
	fmt.Fprintf(w, "Data timestamp: %d\n", c.DataTimestamp)
	fmt.Fprintf(w, "Root: %s\n", c.Root.Hex())
	fmt.Fprintf(w, "Leaf: %s\n", proof.LeafHash.Hex())
	fmt.Fprintf(w, "Proof:\n")
	for _, s := range proof.Siblings {
		fmt.Fprintf(w, "  %s\n", s.Hex())
	}
	fmt.Fprintf(w, "Valid: %t\n", proof.Verify(c.Root))
	return nil
}

func dbPath(cfg *config.Config) string {
	return filepath.Join(cfg.Node.DataDir, "witnz-oracle.db")
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
