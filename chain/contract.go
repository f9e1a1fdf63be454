package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/lucidnet/anchorage/types"
)

//go:generate mockgen -package mocks -destination mocks/backend.go . Backend

// Backend is the subset of an Ethereum-compatible RPC client used by the
// anchor client. *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

const anchorContractABI = `[
  {
    "type": "function",
    "name": "anchorSession",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "sessionId",   "type": "bytes16"},
      {"name": "merkleRoot",  "type": "bytes32"},
      {"name": "chunkCount",  "type": "uint32"},
      {"name": "chunkHashes", "type": "bytes32[]"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getSessionManifest",
    "stateMutability": "view",
    "inputs": [{"name": "sessionId", "type": "bytes16"}],
    "outputs": [
      {"name": "merkleRoot", "type": "bytes32"},
      {"name": "chunkCount", "type": "uint32"},
      {"name": "timestamp",  "type": "uint256"}
    ]
  },
  {
    "type": "event",
    "name": "SessionAnchored",
    "anonymous": false,
    "inputs": [
      {"name": "sessionId",  "type": "bytes16", "indexed": true},
      {"name": "merkleRoot", "type": "bytes32", "indexed": false},
      {"name": "chunkCount", "type": "uint32",  "indexed": false}
    ]
  }
]`

func parseContractABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(anchorContractABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parsing anchor contract ABI: %w", err)
	}
	return parsed, nil
}

// packAnchorCall encodes the anchorSession calldata for a manifest.
func packAnchorCall(contract abi.ABI, manifest *types.SessionManifest) ([]byte, error) {
	if len(manifest.MerkleRoot) != 32 {
		return nil, fmt.Errorf("merkle root is %d bytes, want 32", len(manifest.MerkleRoot))
	}
	var sessionID [16]byte
	copy(sessionID[:], manifest.SessionID[:])
	var root [32]byte
	copy(root[:], manifest.MerkleRoot)

	hashes := make([][32]byte, len(manifest.ChunkDigests))
	for i, digest := range manifest.ChunkDigests {
		if len(digest) != 32 {
			return nil, fmt.Errorf("chunk %d digest is %d bytes, want 32", i, len(digest))
		}
		copy(hashes[i][:], digest)
	}
	return contract.Pack("anchorSession", sessionID, root, manifest.ChunkCount, hashes)
}

// onChainManifest is the manifest summary recorded by the contract.
type onChainManifest struct {
	MerkleRoot [32]byte
	ChunkCount uint32
	Timestamp  *big.Int
}

func unpackManifest(contract abi.ABI, data []byte) (*onChainManifest, error) {
	values, err := contract.Unpack("getSessionManifest", data)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest response: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("manifest response has %d values, want 3", len(values))
	}
	root, ok := values[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected merkle root type %T", values[0])
	}
	count, ok := values[1].(uint32)
	if !ok {
		return nil, fmt.Errorf("unexpected chunk count type %T", values[1])
	}
	ts, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected timestamp type %T", values[2])
	}
	return &onChainManifest{MerkleRoot: root, ChunkCount: count, Timestamp: ts}, nil
}

// anchoredEvent is a decoded SessionAnchored contract event.
type anchoredEvent struct {
	SessionID  [16]byte
	MerkleRoot [32]byte
	ChunkCount uint32
}

// parseAnchoredEvent extracts the SessionAnchored event from receipt
// logs. Returns false when the logs carry no such event.
func parseAnchoredEvent(contract abi.ABI, logs []*ethtypes.Log) (*anchoredEvent, bool) {
	event := contract.Events["SessionAnchored"]
	for _, entry := range logs {
		if entry == nil || len(entry.Topics) < 2 || entry.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(entry.Data)
		if err != nil || len(values) != 2 {
			continue
		}
		root, ok := values[0].([32]byte)
		if !ok {
			continue
		}
		count, ok := values[1].(uint32)
		if !ok {
			continue
		}
		decoded := &anchoredEvent{MerkleRoot: root, ChunkCount: count}
		copy(decoded.SessionID[:], entry.Topics[1][:16])
		return decoded, true
	}
	return nil, false
}
