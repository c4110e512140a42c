package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/25RMD/platz-bidcore/internal/adapter"
	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/rpc"
)

// transferEventSignature is keccak256("Transfer(address,address,uint256)")
var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ownerOfABI is the minimal ABI for the ERC721 ownerOf view call
const ownerOfABI = `[{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"payable":false,"stateMutability":"view","type":"function"}]`

// Oracle answers ownership questions from the ledger. It is a pure read
// oracle: it never mutates any cache, and a failed read is always reported as
// an error, never defaulted to "owned by nobody".
//
//go:generate mockgen -source=oracle.go -destination=../mocks/oracle.go -package=mocks -mock_names=Oracle=MockOracle
type Oracle interface {
	// CurrentOwner resolves the current on-chain owner of a token, normalized
	// to lower case. Returns domain.ErrTokenNotFound when the token does not
	// exist on chain and a *domain.RPCError when the ledger is unreachable.
	CurrentOwner(ctx context.Context, tokenNumber uint64) (string, error)

	// ScanTransfers returns every Transfer of the asset contract within the
	// inclusive block range, oldest first. The scan is chunked and
	// best-effort: ranges the provider could not serve are reported as
	// skipped.
	ScanTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]domain.TransferEvent, []domain.BlockRange, error)

	// LatestBlock returns the current chain head.
	LatestBlock(ctx context.Context) (uint64, error)
}

type ownershipOracle struct {
	contract common.Address
	client   *rpc.Client
	abi      abi.ABI
}

// New builds an Oracle for a single asset contract on a single chain.
func New(contractAddress string, client *rpc.Client) (Oracle, error) {
	parsed, err := abi.JSON(strings.NewReader(ownerOfABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	return &ownershipOracle{
		contract: common.HexToAddress(contractAddress),
		client:   client,
		abi:      parsed,
	}, nil
}

// CurrentOwner resolves the current on-chain owner of a token
func (o *ownershipOracle) CurrentOwner(ctx context.Context, tokenNumber uint64) (string, error) {
	data, err := o.abi.Pack("ownerOf", new(big.Int).SetUint64(tokenNumber))
	if err != nil {
		return "", fmt.Errorf("failed to pack ownerOf call: %w", err)
	}

	result, err := rpc.Call(ctx, o.client, "ownerOf", func(ctx context.Context, ec adapter.EthClient) ([]byte, error) {
		return ec.CallContract(ctx, ethereum.CallMsg{To: &o.contract, Data: data}, nil)
	})
	if err != nil {
		// ownerOf reverts for tokens that were never minted or were burned
		if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
			return "", domain.ErrTokenNotFound
		}
		return "", err
	}

	var owner common.Address
	if err := o.abi.UnpackIntoInterface(&owner, "ownerOf", result); err != nil {
		return "", fmt.Errorf("failed to unpack ownerOf result: %w", err)
	}

	return domain.NormalizeAddress(owner.Hex()), nil
}

// ScanTransfers returns all Transfer events in [fromBlock, toBlock]
func (o *ownershipOracle) ScanTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]domain.TransferEvent, []domain.BlockRange, error) {
	topics := [][]common.Hash{{transferEventSignature}}

	logs, skipped, err := o.client.GetLogsChunked(ctx, o.contract, topics, fromBlock, toBlock)
	if err != nil {
		return nil, skipped, err
	}

	events := make([]domain.TransferEvent, 0, len(logs))
	for _, vLog := range logs {
		event, ok := parseTransferLog(vLog)
		if !ok {
			continue
		}
		events = append(events, event)
	}

	return events, skipped, nil
}

// LatestBlock returns the current chain head
func (o *ownershipOracle) LatestBlock(ctx context.Context) (uint64, error) {
	return o.client.LatestBlock(ctx)
}

// parseTransferLog decodes an ERC721 Transfer log. ERC20 Transfer shares the
// same signature but carries only 3 topics, so those are skipped.
func parseTransferLog(vLog types.Log) (domain.TransferEvent, bool) {
	if len(vLog.Topics) != 4 || vLog.Topics[0] != transferEventSignature {
		return domain.TransferEvent{}, false
	}

	return domain.TransferEvent{
		TokenNumber: new(big.Int).SetBytes(vLog.Topics[3].Bytes()).Uint64(),
		From:        domain.NormalizeAddress(common.BytesToAddress(vLog.Topics[1].Bytes()).Hex()),
		To:          domain.NormalizeAddress(common.BytesToAddress(vLog.Topics[2].Bytes()).Hex()),
		BlockNumber: vLog.BlockNumber,
		TxHash:      vLog.TxHash.Hex(),
	}, true
}
