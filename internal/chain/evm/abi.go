package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/witnz/witnz-oracle/internal/chain"
)

// MinProtocolVersion is the lowest contract VERSION that accepts the
// affidavit layout this node signs.
const MinProtocolVersion = 2

// ChainABI covers the oracle contract methods a validator node calls.
const ChainABI = `[
  {"type":"function","name":"VERSION","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"getStatus","stateMutability":"view","inputs":[],
   "outputs":[
     {"name":"blockNumber","type":"uint256"},
     {"name":"lastDataTimestamp","type":"uint32"},
     {"name":"lastId","type":"uint32"},
     {"name":"timePadding","type":"uint16"},
     {"name":"nextBlockId","type":"uint32"},
     {"name":"nextLeader","type":"address"},
     {"name":"validators","type":"address[]"},
     {"name":"powers","type":"uint256[]"},
     {"name":"locations","type":"string[]"},
     {"name":"staked","type":"uint256"},
     {"name":"minSignatures","type":"uint16"}
   ]},
  {"type":"function","name":"submit","stateMutability":"nonpayable",
   "inputs":[
     {"name":"dataTimestamp","type":"uint32"},
     {"name":"root","type":"bytes32"},
     {"name":"keys","type":"bytes32[]"},
     {"name":"values","type":"uint256[]"},
     {"name":"v","type":"uint8[]"},
     {"name":"r","type":"bytes32[]"},
     {"name":"s","type":"bytes32[]"}
   ],
   "outputs":[]}
]`

func parseChainABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(ChainABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse chain abi: %w", err)
	}
	return parsed, nil
}

// decodeStatus converts the unpacked getStatus outputs.
func decodeStatus(chainAddress string, out []interface{}) (*chain.Status, error) {
	if len(out) != 11 {
		return nil, fmt.Errorf("getStatus returned %d values, want 11", len(out))
	}

	s := &chain.Status{
		ChainAddress:      chainAddress,
		BlockNumber:       (*abi.ConvertType(out[0], new(big.Int)).(*big.Int)).Uint64(),
		LastDataTimestamp: uint64(*abi.ConvertType(out[1], new(uint32)).(*uint32)),
		LastID:            uint64(*abi.ConvertType(out[2], new(uint32)).(*uint32)),
		TimePadding:       uint64(*abi.ConvertType(out[3], new(uint16)).(*uint16)),
		NextBlockID:       uint64(*abi.ConvertType(out[4], new(uint32)).(*uint32)),
		NextLeader:        *abi.ConvertType(out[5], new(common.Address)).(*common.Address),
		Validators:        *abi.ConvertType(out[6], new([]common.Address)).(*[]common.Address),
		Powers:            *abi.ConvertType(out[7], new([]*big.Int)).(*[]*big.Int),
		Locations:         *abi.ConvertType(out[8], new([]string)).(*[]string),
		Staked:            abi.ConvertType(out[9], new(big.Int)).(*big.Int),
		MinSignatures:     int(*abi.ConvertType(out[10], new(uint16)).(*uint16)),
	}

	if len(s.Powers) != len(s.Validators) || len(s.Locations) != len(s.Validators) {
		return nil, fmt.Errorf("getStatus returned mismatched validator arrays: %d/%d/%d",
			len(s.Validators), len(s.Powers), len(s.Locations))
	}
	return s, nil
}
