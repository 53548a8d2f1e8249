package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/witnz/witnz-oracle/internal/alert"
	"github.com/witnz/witnz-oracle/internal/chain"
	"github.com/witnz/witnz-oracle/internal/chain/evm"
	"github.com/witnz/witnz-oracle/internal/chain/gateway"
	"github.com/witnz/witnz-oracle/internal/config"
	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/dispatch"
	"github.com/witnz/witnz-oracle/internal/feeds"
	"github.com/witnz/witnz-oracle/internal/metrics"
	"github.com/witnz/witnz-oracle/internal/node"
	"github.com/witnz/witnz-oracle/internal/pgstore"
	"github.com/witnz/witnz-oracle/internal/signer"
	"github.com/witnz/witnz-oracle/internal/storage"
	"github.com/witnz/witnz-oracle/internal/transport"
	"go.uber.org/multierr"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start witnz-oracle node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := newLogger(os.Stderr, cfg.Log)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, logger)
	},
}

func newChainFactory() *chain.Factory {
	f := chain.NewFactory()
	f.Register(chain.TypeEVM, evm.New)
	f.Register(chain.TypeGateway, gateway.New)
	return f
}

type chainConn struct {
	settings chain.Settings
	client   chain.Client
	wallet   chain.Wallet
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	key, err := cfg.Node.Key()
	if err != nil {
		return err
	}
	self := addressOf(key)
	logger.Info("Starting witnz-oracle node", "node_id", cfg.Node.ID, "validator", self.Hex(), "version", cfg.Node.Version)

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(dbPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	var (
		registry *prometheus.Registry
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		gatherer = registry
	}
	var reg prometheus.Registerer
	if registry != nil {
		reg = registry
	}
	m := metrics.New(reg)

	alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

	savers := dispatch.BlockSavers{store}
	if cfg.Database.Enabled() {
		pg, err := pgstore.New(ctx, cfg.Database.ConnectionString(), logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		savers = append(savers, pg)
		logger.Info("Mirroring minted blocks to PostgreSQL", "host", cfg.Database.Host, "database", cfg.Database.Database)
	}

	factory := newChainFactory()
	primaryID := cfg.PrimaryChain().ID
	var (
		conns   []chainConn
		primary chain.Client
		chains  []string
	)
	for _, ch := range cfg.Chains {
		settings, err := ch.Settings()
		if err != nil {
			return fmt.Errorf("invalid chain %s: %w", ch.ID, err)
		}
		client, wallet, err := factory.New(ctx, settings, key, logger)
		if err != nil {
			return err
		}
		conns = append(conns, chainConn{settings: settings, client: client, wallet: wallet})
		chains = append(chains, ch.ID)
		if ch.ID == primaryID {
			primary = client
		}
		logger.Info("Connected to chain", "chain", ch.ID, "type", ch.Type, "contract", client.Address(), "wallet", wallet.Address())
	}

	source := feeds.NewFileSource(cfg.Feeds.File, logger)
	tolerances := feeds.NewTolerances(cfg.Feeds.DefaultDiscrepancy, cfg.Feeds.Discrepancies)

	blockSigner := signer.New(key, primary, source, signer.Config{
		RoundLength: cfg.Consensus.RoundLength,
		Tolerances:  tolerances,
	}, logger)

	ln, err := net.Listen("tcp", cfg.Node.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Node.BindAddr, err)
	}
	server := transport.NewServer(ctx, logger, ln, transport.NewHandler(logger, transport.ServerConfig{
		Signer: blockSigner,
		Info: transport.NodeInfo{
			Address: self,
			Version: cfg.Node.Version,
			Chains:  chains,
		},
		Gatherer: gatherer,
	}))

	collector := consensus.NewSignatureCollector(self, transport.NewClient(), consensus.CollectorConfig{
		SignatureTimeout: cfg.Consensus.SignatureTimeout,
		LivenessTimeout:  cfg.Consensus.LivenessTimeout,
	}, m, logger)
	runner := consensus.NewRunner(key, collector, consensus.RunnerConfig{
		MaxRetries:         cfg.Consensus.MaxRetries,
		RoundInterval:      cfg.Consensus.RoundInterval,
		RequiredSignatures: cfg.Consensus.RequiredSignatures,
	}, m, logger)

	minter := node.NewMinter(node.MinterDeps{
		Self:        self,
		Status:      primary,
		Feeds:       source,
		Runner:      runner,
		Store:       store,
		Alerts:      alerts,
		RoundLength: cfg.Consensus.RoundLength,
		Logger:      logger,
	})

	dispatchers := make([]*dispatch.Dispatcher, 0, len(conns))
	for _, c := range conns {
		dispatchers = append(dispatchers, dispatch.New(dispatch.Deps{
			Client:    c.client,
			Wallet:    c.wallet,
			Consensus: store,
			Markers:   store,
			Blocks:    savers,
			Alerts:    alerts,
			Metrics:   m,
			Logger:    logger,
		}, dispatch.Config{
			Gas:                 c.settings.Gas,
			BalanceWarning:      c.settings.BalanceWarning,
			BalanceError:        c.settings.BalanceError,
			ConfirmationTimeout: c.settings.ConfirmationTimeout,
			PollInterval:        c.settings.PollInterval,
			CancelBump:          c.settings.CancelBump,
		}))
	}

	n := node.New(minter, dispatchers, alerts, node.Config{
		MintInterval:     cfg.Consensus.MintInterval,
		DispatchInterval: cfg.Consensus.DispatchInterval,
	}, logger)

	logger.Info("Witnz oracle node is running", "addr", cfg.Node.BindAddr, "chains", len(conns))
	err = n.Run(ctx)
	server.Wait()
	return err
}

func addressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
