package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/25RMD/platz-bidcore/internal/adapter"
	"github.com/25RMD/platz-bidcore/internal/audit"
	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/logger"
	"github.com/25RMD/platz-bidcore/internal/messaging"
	"github.com/25RMD/platz-bidcore/internal/oracle"
	"github.com/25RMD/platz-bidcore/internal/store"
	"github.com/25RMD/platz-bidcore/internal/store/schema"
)

// Reconciler compares the cached ownership state against the ledger and
// repairs divergence. The ledger always wins; the cache is never treated as
// authoritative when the two disagree.
type Reconciler struct {
	store          store.Store
	oracle         oracle.Oracle
	audit          *audit.Logger
	publisher      messaging.Publisher
	clock          adapter.Clock
	workerPoolSize int
}

func New(
	s store.Store,
	o oracle.Oracle,
	a *audit.Logger,
	p messaging.Publisher,
	clock adapter.Clock,
	workerPoolSize int,
) *Reconciler {
	if workerPoolSize <= 0 {
		workerPoolSize = 4
	}
	return &Reconciler{
		store:          s,
		oracle:         o,
		audit:          a,
		publisher:      p,
		clock:          clock,
		workerPoolSize: workerPoolSize,
	}
}

// ReconcileToken reconciles one token's cached owner against the ledger.
// A ledger read failure leaves the cached owner untouched and only flags the
// token; an unknown owner must never be written through as "no owner".
func (r *Reconciler) ReconcileToken(ctx context.Context, tokenNumber uint64) domain.ReconciliationResult {
	result := domain.ReconciliationResult{TokenNumber: tokenNumber}

	token, err := r.store.GetTokenByNumber(ctx, tokenNumber)
	if err != nil {
		result.Outcome = domain.OutcomeError
		result.Err = err
		return result
	}
	if token == nil {
		result.Outcome = domain.OutcomeError
		result.Err = domain.ErrTokenNotFound
		return result
	}

	chainOwner, err := r.oracle.CurrentOwner(ctx, tokenNumber)
	if err != nil {
		if uerr := r.store.MarkTokenUnsynced(ctx, token.ID); uerr != nil {
			logger.ErrorCtx(ctx, uerr,
				zap.String("message", "failed to flag token after ledger read failure"),
				zap.Uint64("tokenNumber", tokenNumber))
		}
		result.Outcome = domain.OutcomeError
		result.Err = fmt.Errorf("%w: %v", domain.ErrOwnerUnknown, err)
		return result
	}

	result.OldOwner = token.OwnerAddress
	result.NewOwner = &chainOwner

	if token.OwnerAddress != nil && *token.OwnerAddress == chainOwner && !token.OwnerInferred {
		now := r.clock.Now()
		if err := r.store.MarkTokenSynced(ctx, token.ID, token.LastSyncedBlock, now); err != nil {
			result.Outcome = domain.OutcomeError
			result.Err = err
			return result
		}
		result.Outcome = domain.OutcomeUnchanged
		return result
	}

	now := r.clock.Now()
	update, err := r.store.UpdateTokenOwner(ctx, store.UpdateTokenOwnerInput{
		TokenID:  token.ID,
		NewOwner: chainOwner,
		Inferred: false,
		SyncedAt: now,
	})
	if err != nil {
		result.Outcome = domain.OutcomeError
		result.Err = err
		return result
	}
	result.CancelledBids = update.CancelledBidIDs
	result.Outcome = domain.OutcomeUpdated

	// A transfer needs a known previous owner that differs from the chain
	// owner. First observation, and an inferred owner the ledger confirms,
	// are syncs; the asset never moved.
	eventType := schema.AuditOwnershipSync
	if token.OwnerAddress != nil && *token.OwnerAddress != chainOwner {
		eventType = schema.AuditOwnershipTransfer
	}
	r.audit.Record(ctx, audit.Entry{
		Type:                eventType,
		TokenID:             &token.ID,
		ActorAddress:        update.OldOwner,
		CounterpartyAddress: &chainOwner,
		Details: map[string]interface{}{
			"tokenNumber":   tokenNumber,
			"cancelledBids": update.CancelledBidIDs,
		},
	})

	for _, bidID := range update.CancelledBidIDs {
		id := bidID
		r.audit.Record(ctx, audit.Entry{
			Type:                schema.AuditBidCancelled,
			TokenID:             &token.ID,
			BidID:               &id,
			ActorAddress:        &chainOwner,
			CounterpartyAddress: nil,
			Details:             map[string]interface{}{"reason": "self_bid_after_ownership_change"},
		})
	}

	change := &domain.OwnershipChange{
		TokenNumber: tokenNumber,
		OldOwner:    update.OldOwner,
		NewOwner:    chainOwner,
		ObservedAt:  now,
	}
	if err := r.publisher.PublishOwnershipChange(ctx, change); err != nil {
		logger.ErrorCtx(ctx, err,
			zap.String("message", "failed to publish ownership change"),
			zap.Uint64("tokenNumber", tokenNumber))
	}

	logger.InfoCtx(ctx, "Cached owner corrected",
		zap.Uint64("tokenNumber", tokenNumber),
		zap.Stringp("oldOwner", update.OldOwner),
		zap.String("newOwner", chainOwner),
		zap.Int("cancelledBids", len(update.CancelledBidIDs)))

	return result
}

// ReconcileCollection reconciles every token a collection declares, repairing
// structural problems first: missing token rows, duplicate ACCEPTED bids, and
// standing self-bids. Each token is reconciled independently so one ledger
// failure does not abort the batch.
func (r *Reconciler) ReconcileCollection(ctx context.Context, collectionID int64) (*domain.BatchReconciliationResult, error) {
	collection, err := r.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if collection == nil {
		return nil, domain.ErrCollectionNotFound
	}

	batch := &domain.BatchReconciliationResult{CollectionID: collectionID}

	repaired, err := r.repairMissingTokens(ctx, collection)
	if err != nil {
		return nil, err
	}
	batch.MissingRepaired = repaired

	fixed, err := r.repairDuplicateAccepted(ctx)
	if err != nil {
		return nil, err
	}
	batch.DuplicatesFixed = fixed

	removed, err := r.repairSelfBids(ctx)
	if err != nil {
		return nil, err
	}
	batch.SelfBidsRemoved = removed

	numbers, err := r.store.ListTokenNumbersByCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	pool := pond.NewPool(r.workerPoolSize, pond.WithContext(ctx))
	var mu sync.Mutex
	for _, n := range numbers {
		tokenNumber := n
		pool.Submit(func() {
			res := r.ReconcileToken(ctx, tokenNumber)
			mu.Lock()
			defer mu.Unlock()
			batch.Results = append(batch.Results, res)
			batch.Reconciled++
			switch res.Outcome {
			case domain.OutcomeUpdated:
				batch.Updated++
			case domain.OutcomeCreated:
				batch.Created++
			case domain.OutcomeError:
				batch.Errors++
			}
		})
	}
	pool.StopAndWait()

	logger.InfoCtx(ctx, "Collection reconciliation completed",
		zap.Int64("collectionID", collectionID),
		zap.Int("reconciled", batch.Reconciled),
		zap.Int("updated", batch.Updated),
		zap.Int("created", batch.Created),
		zap.Int("errors", batch.Errors),
		zap.Int("missingRepaired", batch.MissingRepaired),
		zap.Int("duplicatesFixed", batch.DuplicatesFixed),
		zap.Int("selfBidsRemoved", batch.SelfBidsRemoved))

	return batch, nil
}

// repairMissingTokens creates rows for declared token numbers absent from the
// cache. The ledger is consulted first; only when the ledger cannot answer is
// the collection creator written as an inferred owner, flagged unsynced and
// logged as an inconsistency so the attribution is never mistaken for truth.
func (r *Reconciler) repairMissingTokens(ctx context.Context, collection *schema.Collection) (int, error) {
	if collection.DeclaredSize == 0 {
		return 0, nil
	}

	existing, err := r.store.ListTokenNumbersByCollection(ctx, collection.ID)
	if err != nil {
		return 0, err
	}
	present := make(map[uint64]struct{}, len(existing))
	for _, n := range existing {
		present[n] = struct{}{}
	}

	creator := domain.NormalizeAddress(collection.CreatorAddress)
	repaired := 0

	for i := uint64(0); i < collection.DeclaredSize; i++ {
		tokenNumber := collection.StartTokenNumber + i
		if _, ok := present[tokenNumber]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return repaired, err
		}

		now := r.clock.Now()
		token := &schema.Token{
			TokenNumber:  tokenNumber,
			CollectionID: collection.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		chainOwner, oerr := r.oracle.CurrentOwner(ctx, tokenNumber)
		switch {
		case oerr == nil:
			token.OwnerAddress = &chainOwner
			token.Synced = true
			token.LastSyncedAt = &now
		case errors.Is(oerr, domain.ErrTokenNotFound):
			// Not minted yet; record the row without an owner.
			token.Synced = true
			token.LastSyncedAt = &now
		default:
			token.OwnerAddress = &creator
			token.OwnerInferred = true
			token.Synced = false
		}

		if err := r.store.CreateToken(ctx, token); err != nil {
			return repaired, fmt.Errorf("failed to repair missing token %d: %w", tokenNumber, err)
		}
		repaired++

		if token.OwnerInferred {
			r.audit.Record(ctx, audit.Entry{
				Type:                schema.AuditDataInconsistency,
				TokenID:             &token.ID,
				CounterpartyAddress: &creator,
				Details: map[string]interface{}{
					"tokenNumber": tokenNumber,
					"problem":     "missing_token_row",
					"resolution":  "creator_fallback_inferred",
				},
			})
			logger.WarnCtx(ctx, "Missing token repaired with inferred creator attribution",
				zap.Uint64("tokenNumber", tokenNumber),
				zap.String("creator", creator))
		}
	}

	return repaired, nil
}

// repairDuplicateAccepted demotes all but the most recent ACCEPTED bid on
// tokens that carry more than one.
func (r *Reconciler) repairDuplicateAccepted(ctx context.Context) (int, error) {
	tokenIDs, err := r.store.FindDuplicateAcceptedTokenIDs(ctx)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, tokenID := range tokenIDs {
		keptID, demoted, err := r.store.DemoteDuplicateAccepted(ctx, tokenID, r.clock.Now())
		if err != nil {
			return fixed, err
		}
		if len(demoted) == 0 {
			continue
		}
		fixed += len(demoted)

		id := tokenID
		r.audit.Record(ctx, audit.Entry{
			Type:    schema.AuditDataInconsistency,
			TokenID: &id,
			Details: map[string]interface{}{
				"problem":    "duplicate_accepted_bids",
				"keptBidId":  keptID,
				"demotedIds": demoted,
			},
		})
		logger.WarnCtx(ctx, "Demoted duplicate accepted bids",
			zap.Int64("tokenID", tokenID),
			zap.Int64("keptBidID", keptID),
			zap.Int64s("demoted", demoted))
	}

	return fixed, nil
}

// repairSelfBids cancels ACTIVE bids whose bidder is the token's cached owner.
func (r *Reconciler) repairSelfBids(ctx context.Context) (int, error) {
	rows, err := r.store.FindSelfBids(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, row := range rows {
		result, err := r.store.TerminateBid(ctx, row.BidID, schema.BidStatusCancelled, r.clock.Now())
		if err != nil {
			if errors.Is(err, domain.ErrBidNotFound) {
				continue
			}
			return removed, err
		}
		if !result.Changed {
			continue
		}
		removed++

		bidID := row.BidID
		tokenID := row.TokenID
		bidder := row.Bidder
		r.audit.Record(ctx, audit.Entry{
			Type:         schema.AuditBidCancelled,
			TokenID:      &tokenID,
			BidID:        &bidID,
			ActorAddress: &bidder,
			Details: map[string]interface{}{
				"reason":      "self_bid",
				"tokenNumber": row.TokenNumber,
			},
		})
	}

	return removed, nil
}
