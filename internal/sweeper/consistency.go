package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/25RMD/platz-bidcore/internal/adapter"
	"github.com/25RMD/platz-bidcore/internal/audit"
	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/logger"
	"github.com/25RMD/platz-bidcore/internal/oracle"
	"github.com/25RMD/platz-bidcore/internal/reconcile"
	"github.com/25RMD/platz-bidcore/internal/store"
	"github.com/25RMD/platz-bidcore/internal/store/schema"
)

const transferScanCursor = "transfer_scan"

// ConsistencyRepairConfig holds configuration for the consistency repair sweeper
type ConsistencyRepairConfig struct {
	Interval   time.Duration // Time to sleep between repair cycles
	StartBlock uint64        // First block to scan when no cursor exists
}

// ConsistencyRepairSweeper implements Sweeper. Each cycle scans
// new transfer events from the ledger, applies them to the cache, then runs a
// full collection reconciliation. Cycles are idempotent: re-running after an
// interruption repeats unfinished work without corrupting finished work.
type ConsistencyRepairSweeper struct {
	config     *ConsistencyRepairConfig
	store      store.Store
	oracle     oracle.Oracle
	audit      *audit.Logger
	reconciler *reconcile.Reconciler
	clock      adapter.Clock
	running    atomic.Bool
	stopChan   chan struct{}
	stoppedCh  chan struct{}
}

var _ Sweeper = (*ConsistencyRepairSweeper)(nil)

// NewConsistencyRepairSweeper creates a new consistency repair sweeper
func NewConsistencyRepairSweeper(
	config *ConsistencyRepairConfig,
	st store.Store,
	o oracle.Oracle,
	a *audit.Logger,
	r *reconcile.Reconciler,
	clock adapter.Clock,
) *ConsistencyRepairSweeper {
	return &ConsistencyRepairSweeper{
		config:     config,
		store:      st,
		oracle:     o,
		audit:      a,
		reconciler: r,
		clock:      clock,
		stopChan:   make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

// Name returns the sweeper's name
func (s *ConsistencyRepairSweeper) Name() string {
	return "consistency-repair-sweeper"
}

// Start begins the sweeper's main loop
func (s *ConsistencyRepairSweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	defer func() {
		s.running.Store(false)
		close(s.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting consistency repair sweeper",
		zap.Duration("interval", s.config.Interval))

	ticker := s.clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run one cycle immediately; the ticker covers subsequent cycles.
	if err := s.RunOnce(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.ErrorCtx(ctx, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Consistency repair sweeper stopping due to context cancellation", zap.Error(ctx.Err()))
			return nil
		case <-s.stopChan:
			logger.InfoCtx(ctx, "Consistency repair sweeper stop requested")
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.ErrorCtx(ctx, err)
				}
			}
		}
	}
}

// Stop gracefully stops the sweeper with timeout support
func (s *ConsistencyRepairSweeper) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	logger.InfoCtx(ctx, "Stopping consistency repair sweeper")
	close(s.stopChan)

	select {
	case <-s.stoppedCh:
		logger.InfoCtx(ctx, "Consistency repair sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Consistency repair sweeper stop interrupted by context timeout")
		return ctx.Err()
	}
}

// RunOnce executes a single repair cycle: transfer scan first, then a full
// reconciliation of every collection.
func (s *ConsistencyRepairSweeper) RunOnce(ctx context.Context) error {
	start := s.clock.Now()

	if err := s.scanTransfers(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// A failed scan is not fatal to the cycle; per-token reconciliation
		// below reads current owners directly.
		logger.ErrorCtx(ctx, err, zap.String("message", "transfer scan failed"))
	}

	collections, err := s.store.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.reconciler.ReconcileCollection(ctx, collection.ID); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.ErrorCtx(ctx, err,
				zap.String("message", "collection reconciliation failed"),
				zap.Int64("collectionID", collection.ID))
		}
	}

	logger.InfoCtx(ctx, "Repair cycle completed",
		zap.Duration("elapsed", s.clock.Since(start)))

	return nil
}

// scanTransfers reads transfer events the cache has not seen yet and applies
// each to the cached owner. The block cursor advances to the scanned head
// only at the end of the pass, so an interrupted scan resumes from the last
// completed window. Events that fail to apply are logged and not retried
// from the scan; the per-token reconciliation that follows re-reads the
// owner from the ledger and repairs them.
func (s *ConsistencyRepairSweeper) scanTransfers(ctx context.Context) error {
	cursor, err := s.store.GetBlockCursor(ctx, transferScanCursor)
	if err != nil {
		return err
	}
	fromBlock := cursor + 1
	if cursor == 0 {
		fromBlock = s.config.StartBlock
	}

	latest, err := s.oracle.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to read latest block: %w", err)
	}
	if latest < fromBlock {
		return nil
	}

	events, skipped, err := s.oracle.ScanTransfers(ctx, fromBlock, latest)
	if err != nil {
		return fmt.Errorf("failed to scan transfers: %w", err)
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.applyTransfer(ctx, ev); err != nil {
			logger.ErrorCtx(ctx, err,
				zap.String("message", "failed to apply transfer event"),
				zap.Uint64("tokenNumber", ev.TokenNumber),
				zap.Uint64("blockNumber", ev.BlockNumber))
		}
	}

	for _, rng := range skipped {
		r := rng
		s.audit.Record(ctx, audit.Entry{
			Type: schema.AuditDataInconsistency,
			Details: map[string]interface{}{
				"problem":   "unfetchable_block_range",
				"fromBlock": r.From,
				"toBlock":   r.To,
			},
		})
		logger.WarnCtx(ctx, "Transfer scan skipped a block range",
			zap.Uint64("fromBlock", r.From),
			zap.Uint64("toBlock", r.To))
	}

	if err := s.store.SetBlockCursor(ctx, transferScanCursor, latest); err != nil {
		return fmt.Errorf("failed to advance block cursor: %w", err)
	}

	logger.InfoCtx(ctx, "Transfer scan completed",
		zap.Uint64("fromBlock", fromBlock),
		zap.Uint64("toBlock", latest),
		zap.Int("events", len(events)),
		zap.Int("skippedRanges", len(skipped)))

	return nil
}

// applyTransfer writes an observed transfer's recipient through as the cached
// owner. Events for tokens the cache does not know yet are left to the
// reconciliation pass, which also repairs missing rows.
func (s *ConsistencyRepairSweeper) applyTransfer(ctx context.Context, ev domain.TransferEvent) error {
	token, err := s.store.GetTokenByNumber(ctx, ev.TokenNumber)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	newOwner := domain.NormalizeAddress(ev.To)
	if token.OwnerAddress != nil && *token.OwnerAddress == newOwner && !token.OwnerInferred {
		return s.store.MarkTokenSynced(ctx, token.ID, ev.BlockNumber, s.clock.Now())
	}

	result, err := s.store.UpdateTokenOwner(ctx, store.UpdateTokenOwnerInput{
		TokenID:     token.ID,
		NewOwner:    newOwner,
		Inferred:    false,
		BlockNumber: ev.BlockNumber,
		SyncedAt:    s.clock.Now(),
	})
	if err != nil {
		return err
	}

	// First observation of an owner is a sync; a transfer needs a known
	// previous owner that the event moves away from.
	eventType := schema.AuditOwnershipSync
	if token.OwnerAddress != nil && *token.OwnerAddress != newOwner {
		eventType = schema.AuditOwnershipTransfer
	}
	s.audit.Record(ctx, audit.Entry{
		Type:                eventType,
		TokenID:             &token.ID,
		ActorAddress:        result.OldOwner,
		CounterpartyAddress: &newOwner,
		Details: map[string]interface{}{
			"tokenNumber":   ev.TokenNumber,
			"blockNumber":   ev.BlockNumber,
			"txHash":        ev.TxHash,
			"cancelledBids": result.CancelledBidIDs,
		},
	})

	return nil
}
