package rpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/25RMD/platz-bidcore/internal/adapter"
	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/logger"
)

// GetLogsChunked retrieves logs for an inclusive block range, splitting the
// query into sequential sub-ranges sized by the active provider's adaptive
// chunk window. Sub-ranges together cover exactly [fromBlock, toBlock] with
// no gaps or overlaps.
//
// A chunk that keeps failing after the window has shrunk to its floor is
// skipped rather than blocking the whole scan; skipped ranges are returned so
// the caller can flag the pass as partial. Cancellation between chunks leaves
// the logs gathered so far valid.
func (c *Client) GetLogsChunked(ctx context.Context, address common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, []domain.BlockRange, error) {
	var allLogs []types.Log
	var skipped []domain.BlockRange

	cur := fromBlock
	for cur <= toBlock {
		if err := ctx.Err(); err != nil {
			return allLogs, skipped, err
		}

		p := c.activeProvider()
		window := p.chunkWindow()
		end := cur + window - 1
		if end > toBlock || end < cur { // overflow guard
			end = toBlock
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(cur),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{address},
			Topics:    topics,
		}

		logs, err := Call(ctx, c, "eth_getLogs", func(ctx context.Context, ec adapter.EthClient) ([]types.Log, error) {
			return ec.FilterLogs(ctx, query)
		})
		if err == nil {
			newSize := p.recordChunkSuccess()
			logger.Debug("Chunk fetched",
				zap.Uint64("from", cur),
				zap.Uint64("to", end),
				zap.Int("logs", len(logs)),
				zap.Uint64("next_chunk_size", newSize),
			)
			allLogs = append(allLogs, logs...)
			cur = end + 1
			continue
		}

		if ctx.Err() != nil {
			return allLogs, skipped, ctx.Err()
		}

		rangeLimited := isBlockRangeError(err)
		atFloor := p.atChunkFloor()
		newSize := p.recordChunkFailure(rangeLimited)

		if atFloor {
			// Cannot shrink further; skip this chunk so a best-effort sync
			// pass still makes progress with partial results.
			logger.Warn("Data inconsistency: skipping unfetchable block range",
				zap.String("provider", p.name),
				zap.Uint64("from", cur),
				zap.Uint64("to", end),
				zap.Error(err),
			)
			skipped = append(skipped, domain.BlockRange{From: cur, To: end})
			cur = end + 1
			continue
		}

		logger.Warn("Chunk fetch failed, shrinking window",
			zap.String("provider", p.name),
			zap.Bool("range_limited", rangeLimited),
			zap.Uint64("old_chunk_size", window),
			zap.Uint64("new_chunk_size", newSize),
			zap.Uint64("from", cur),
			zap.Uint64("to", end),
		)
	}

	return allLogs, skipped, nil
}

// LatestBlock returns the current chain head number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	header, err := Call(ctx, c, "eth_blockNumber", func(ctx context.Context, ec adapter.EthClient) (*types.Header, error) {
		return ec.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}
