// Package feeds provides the leaf values a node proposes or checks. The file
// source reads a snapshot written by an external price pipeline.
package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/leaf"
)

// Source computes the first-class data and tree leaves for a timestamp.
type Source interface {
	ComputeLeaves(ctx context.Context, dataTimestamp uint64) (fcds, leaves []leaf.Leaf, err error)
}

type snapshot struct {
	FCDs   map[string]json.RawMessage `json:"fcds"`
	Leaves map[string]json.RawMessage `json:"leaves"`
}

// FileSource re-reads its file on every call so the pipeline can replace it
// between rounds.
type FileSource struct {
	path   string
	logger *slog.Logger
}

func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, logger: logger}
}

func (f *FileSource) ComputeLeaves(ctx context.Context, dataTimestamp uint64) ([]leaf.Leaf, []leaf.Leaf, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read feed file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("failed to parse feed file: %w", err)
	}

	fcds, err := decode(snap.FCDs)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid fcds: %w", err)
	}
	leaves, err := decode(snap.Leaves)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid leaves: %w", err)
	}

	f.logger.Debug("Feeds loaded",
		"data_timestamp", dataTimestamp,
		"fcds", len(fcds),
		"leaves", len(leaves),
	)
	return fcds, leaves, nil
}

// decode accepts JSON numbers and strings. Numbers keep their literal text so
// no precision is lost to float64.
func decode(raw map[string]json.RawMessage) ([]leaf.Leaf, error) {
	values := make(map[string][]byte, len(raw))
	for label, msg := range raw {
		text := string(bytes.TrimSpace(msg))
		if strings.HasPrefix(text, `"`) {
			if err := json.Unmarshal(msg, &text); err != nil {
				return nil, fmt.Errorf("%s: %w", label, err)
			}
		}

		v, err := leaf.Encode(label, text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		values[label] = v
	}

	leaves := leaf.FromMap(values)
	if err := leaf.Validate(leaves); err != nil {
		return nil, err
	}
	return leaves, nil
}

// NewTolerances builds discrepancy tolerances. Labels are upper-cased since
// config loaders fold map keys to lower case.
func NewTolerances(defaultPercent float64, perLabel map[string]float64) consensus.Tolerances {
	t := consensus.Tolerances{
		Default:  defaultPercent,
		PerLabel: make(map[string]float64, len(perLabel)),
	}
	for label, pct := range perLabel {
		t.PerLabel[strings.ToUpper(label)] = pct
	}
	return t
}
