package recon

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Kind identifies the escrow contract event a log decodes to.
type Kind string

// Escrow contract events the reconciler consumes.
const (
	KindOrderCreated    Kind = "OrderCreated"
	KindSellerConfirmed Kind = "SellerConfirmed"
	KindOrderCompleted  Kind = "OrderCompleted"
	KindDisputeOpened   Kind = "DisputeOpened"
	KindDisputeResolved Kind = "DisputeResolved"
)

// Event is one decoded escrow contract log.
type Event struct {
	Kind       Kind
	Block      uint64
	LogIndex   uint
	TxHash     string
	OrderID    int64
	FavorBuyer bool
}

// Source is the append-only external event log the reconciler merges from.
type Source interface {
	// Head returns the current chain head block number.
	Head(ctx context.Context) (uint64, error)
	// Events returns decoded escrow events for the inclusive block range,
	// ordered by block then log index.
	Events(ctx context.Context, from, to uint64) ([]Event, error)
}

var (
	sigOrderCreated    = gethcrypto.Keccak256Hash([]byte("OrderCreated(uint256,address,address,uint256)"))
	sigSellerConfirmed = gethcrypto.Keccak256Hash([]byte("SellerConfirmed(uint256)"))
	sigOrderCompleted  = gethcrypto.Keccak256Hash([]byte("OrderCompleted(uint256)"))
	sigDisputeOpened   = gethcrypto.Keccak256Hash([]byte("DisputeOpened(uint256,address)"))
	sigDisputeResolved = gethcrypto.Keccak256Hash([]byte("DisputeResolved(uint256,bool)"))
)

// EVMClient defines the subset of the Ethereum RPC used by the source.
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMSource reads escrow contract events from an Ethereum-compatible node.
type EVMSource struct {
	client   EVMClient
	contract common.Address
}

// NewEVMSource constructs a source for the escrow contract address.
func NewEVMSource(client EVMClient, contract common.Address) *EVMSource {
	return &EVMSource{client: client, contract: contract}
}

// Head implements Source.
func (s *EVMSource) Head(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

// Events implements Source. Logs that do not decode to a known escrow event
// are dropped.
func (s *EVMSource) Events(ctx context.Context, from, to uint64) ([]Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.contract},
		Topics: [][]common.Hash{{
			sigOrderCreated,
			sigSellerConfirmed,
			sigOrderCompleted,
			sigDisputeOpened,
			sigDisputeResolved,
		}},
	}
	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}
	events := make([]Event, 0, len(logs))
	for _, log := range logs {
		evt, ok := decodeLog(log)
		if !ok {
			continue
		}
		events = append(events, evt)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Block != events[j].Block {
			return events[i].Block < events[j].Block
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

func decodeLog(log gethtypes.Log) (Event, bool) {
	if len(log.Topics) < 2 {
		return Event{}, false
	}
	evt := Event{
		Block:    log.BlockNumber,
		LogIndex: log.Index,
		TxHash:   strings.ToLower(log.TxHash.Hex()),
		OrderID:  new(big.Int).SetBytes(log.Topics[1].Bytes()).Int64(),
	}
	switch log.Topics[0] {
	case sigOrderCreated:
		evt.Kind = KindOrderCreated
	case sigSellerConfirmed:
		evt.Kind = KindSellerConfirmed
	case sigOrderCompleted:
		evt.Kind = KindOrderCompleted
	case sigDisputeOpened:
		evt.Kind = KindDisputeOpened
	case sigDisputeResolved:
		evt.Kind = KindDisputeResolved
		evt.FavorBuyer = len(log.Data) >= 32 && log.Data[31] != 0
	default:
		return Event{}, false
	}
	return evt, true
}
