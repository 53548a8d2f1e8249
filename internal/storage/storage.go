package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/witnz/witnz-oracle/internal/consensus"
	bolt "go.etcd.io/bbolt"
)

var (
	ConsensusBucket     = []byte("consensus")
	SubmitMarkersBucket = []byte("submit_markers")
	BlocksBucket        = []byte("blocks")
	MetadataBucket      = []byte("metadata")
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConsensusExists = errors.New("consensus already recorded for data timestamp")
)

type Storage struct {
	db *bolt.DB
}

// SubmitMarker records the last transaction sent to a chain.
type SubmitMarker struct {
	ChainID       string    `json:"chain_id"`
	DataTimestamp uint64    `json:"data_timestamp"`
	TxHash        string    `json:"tx_hash"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// BlockRecord is a consensus as seen by one chain.
type BlockRecord struct {
	ChainAddress  string    `json:"chain_address"`
	DataTimestamp uint64    `json:"data_timestamp"`
	Root          string    `json:"root"`
	Signers       int       `json:"signers"`
	Keys          int       `json:"keys"`
	Minted        bool      `json:"minted"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{ConsensusBucket, SubmitMarkersBucket, BlocksBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// consensusKey sorts chronologically under bbolt's byte ordering.
func consensusKey(dataTimestamp uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, dataTimestamp)
	return key
}

// SaveConsensus appends a finalized consensus. Records are never overwritten.
func (s *Storage) SaveConsensus(c *consensus.Consensus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ConsensusBucket)
		key := consensusKey(c.DataTimestamp)
		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: %d", ErrConsensusExists, c.DataTimestamp)
		}

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal consensus: %w", err)
		}

		return bucket.Put(key, data)
	})
}

func (s *Storage) GetConsensus(dataTimestamp uint64) (*consensus.Consensus, error) {
	var c consensus.Consensus

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ConsensusBucket).Get(consensusKey(dataTimestamp))
		if data == nil {
			return fmt.Errorf("consensus %d: %w", dataTimestamp, ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *Storage) HasConsensus(dataTimestamp uint64) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(ConsensusBucket).Get(consensusKey(dataTimestamp)) != nil
		return nil
	})
	return found, err
}

// LatestConsensus returns the consensus with the highest data timestamp, or
// nil when none has been recorded.
func (s *Storage) LatestConsensus(_ context.Context) (*consensus.Consensus, error) {
	var latest *consensus.Consensus

	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(ConsensusBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		var c consensus.Consensus
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("failed to unmarshal consensus: %w", err)
		}
		latest = &c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return latest, nil
}

func (s *Storage) SaveSubmitMarker(marker *SubmitMarker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(marker)
		if err != nil {
			return fmt.Errorf("failed to marshal submit marker: %w", err)
		}
		return tx.Bucket(SubmitMarkersBucket).Put([]byte(marker.ChainID), data)
	})
}

// GetSubmitMarker returns nil when nothing was submitted to the chain yet.
func (s *Storage) GetSubmitMarker(chainID string) (*SubmitMarker, error) {
	var marker *SubmitMarker

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(SubmitMarkersBucket).Get([]byte(chainID))
		if data == nil {
			return nil
		}
		var m SubmitMarker
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal submit marker: %w", err)
		}
		marker = &m
		return nil
	})
	if err != nil {
		return nil, err
	}

	return marker, nil
}

func blockKey(chainAddress string, dataTimestamp uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", chainAddress, dataTimestamp))
}

func (s *Storage) SaveBlock(_ context.Context, chainAddress string, c *consensus.Consensus, minted bool) error {
	record := BlockRecord{
		ChainAddress:  chainAddress,
		DataTimestamp: c.DataTimestamp,
		Root:          c.Root.Hex(),
		Signers:       len(c.Signers),
		Keys:          c.KeyCount(),
		Minted:        minted,
		UpdatedAt:     time.Now().UTC(),
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal block record: %w", err)
		}
		return tx.Bucket(BlocksBucket).Put(blockKey(chainAddress, c.DataTimestamp), data)
	})
}

func (s *Storage) GetBlock(chainAddress string, dataTimestamp uint64) (*BlockRecord, error) {
	var record BlockRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BlocksBucket).Get(blockKey(chainAddress, dataTimestamp))
		if data == nil {
			return fmt.Errorf("block %s:%d: %w", chainAddress, dataTimestamp, ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *Storage) IsMinted(chainAddress string, dataTimestamp uint64) (bool, error) {
	record, err := s.GetBlock(chainAddress, dataTimestamp)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.Minted, nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key %s: %w", key, ErrNotFound)
		}
		value = string(data)
		return nil
	})

	return value, err
}
