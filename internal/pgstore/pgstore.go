// Package pgstore mirrors minted blocks into PostgreSQL for indexers and
// dashboards.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/witnz/witnz-oracle/internal/consensus"
)

const schema = `
CREATE TABLE IF NOT EXISTS oracle_blocks (
	chain_address  TEXT        NOT NULL,
	data_timestamp BIGINT      NOT NULL,
	root           TEXT        NOT NULL,
	fcd_keys       TEXT[]      NOT NULL,
	signers        TEXT[]      NOT NULL,
	power          TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	minted         BOOLEAN     NOT NULL DEFAULT FALSE,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_address, data_timestamp)
)`

// A minted row never reverts to unminted.
const upsertBlock = `
INSERT INTO oracle_blocks (chain_address, data_timestamp, root, fcd_keys, signers, power, payload, minted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (chain_address, data_timestamp) DO UPDATE SET
	root = EXCLUDED.root,
	fcd_keys = EXCLUDED.fcd_keys,
	signers = EXCLUDED.signers,
	power = EXCLUDED.power,
	payload = EXCLUDED.payload,
	minted = oracle_blocks.minted OR EXCLUDED.minted,
	updated_at = now()`

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create oracle_blocks table: %w", err)
	}
	return nil
}

func (s *Store) SaveBlock(ctx context.Context, chainAddress string, c *consensus.Consensus, minted bool) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal consensus: %w", err)
	}

	signers := make([]string, len(c.Signers))
	for i, a := range c.Signers {
		signers[i] = a.Hex()
	}
	power := "0"
	if c.Power != nil {
		power = c.Power.String()
	}

	_, err = s.pool.Exec(ctx, upsertBlock,
		chainAddress,
		int64(c.DataTimestamp),
		c.Root.Hex(),
		c.FCDKeys,
		signers,
		power,
		string(payload),
		minted,
	)
	if err != nil {
		return fmt.Errorf("failed to save block %d for %s: %w", c.DataTimestamp, chainAddress, err)
	}

	s.logger.Debug("Block saved",
		"chain_address", chainAddress,
		"data_timestamp", c.DataTimestamp,
		"minted", minted,
	)
	return nil
}

// LatestMinted returns the newest minted data timestamp for a chain, or 0.
func (s *Store) LatestMinted(ctx context.Context, chainAddress string) (uint64, error) {
	var ts int64
	err := s.pool.QueryRow(ctx,
		`SELECT data_timestamp FROM oracle_blocks
		 WHERE chain_address = $1 AND minted
		 ORDER BY data_timestamp DESC LIMIT 1`,
		chainAddress,
	).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query latest minted block: %w", err)
	}
	return uint64(ts), nil
}
