package bidding

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/25RMD/platz-bidcore/internal/adapter"
	"github.com/25RMD/platz-bidcore/internal/audit"
	"github.com/25RMD/platz-bidcore/internal/config"
	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/logger"
	"github.com/25RMD/platz-bidcore/internal/messaging"
	"github.com/25RMD/platz-bidcore/internal/oracle"
	"github.com/25RMD/platz-bidcore/internal/store"
	"github.com/25RMD/platz-bidcore/internal/store/schema"
)

// Engine drives the bid lifecycle. All state transitions run through the
// store's transactional operations; the engine layers on ledger lookups,
// auditing, and downstream notifications.
type Engine struct {
	store     store.Store
	oracle    oracle.Oracle
	audit     *audit.Logger
	publisher messaging.Publisher
	policy    config.BiddingConfig
	clock     adapter.Clock
}

// PlaceBidRequest describes an incoming bid.
type PlaceBidRequest struct {
	TokenNumber   uint64
	BidderAddress string
	Amount        decimal.Decimal
	TxHash        string
}

func NewEngine(
	s store.Store,
	o oracle.Oracle,
	a *audit.Logger,
	p messaging.Publisher,
	policy config.BiddingConfig,
	clock adapter.Clock,
) *Engine {
	return &Engine{
		store:     s,
		oracle:    o,
		audit:     a,
		publisher: p,
		policy:    policy,
		clock:     clock,
	}
}

// PlaceBid validates and admits a bid on a token. Validation that depends on
// mutable state is repeated inside the store transaction; the checks here
// only reject what no concurrent writer could make valid.
func (e *Engine) PlaceBid(ctx context.Context, req PlaceBidRequest) (*schema.Bid, error) {
	bidder := domain.NormalizeAddress(req.BidderAddress)

	if !req.Amount.IsPositive() {
		err := domain.NewValidationError(domain.ReasonNonPositiveAmount,
			"bid amount must be positive", e.policy.FloorPrice, nil)
		e.auditValidationFailure(ctx, nil, nil, bidder, err)
		return nil, err
	}

	token, err := e.store.GetTokenByNumber(ctx, req.TokenNumber)
	if err != nil {
		return nil, err
	}
	if token == nil {
		err := domain.NewValidationError(domain.ReasonTokenNotFound,
			fmt.Sprintf("token %d does not exist", req.TokenNumber),
			e.policy.FloorPrice, nil)
		e.auditValidationFailure(ctx, nil, nil, bidder, err)
		return nil, err
	}
	if !token.IsListed {
		err := domain.NewValidationError(domain.ReasonTokenNotListed,
			fmt.Sprintf("token %d is not listed for bidding", req.TokenNumber),
			e.policy.FloorPrice, nil)
		e.auditValidationFailure(ctx, &token.ID, nil, bidder, err)
		return nil, err
	}

	// A stale cached owner would let the real owner bid on their own token.
	// Refresh from the ledger before admitting, but only when stale: a fresh
	// cache is authoritative and not worth an RPC round trip per bid.
	if e.isStale(token) {
		if err := e.refreshOwner(ctx, token); err != nil {
			logger.WarnCtx(ctx, "Owner refresh before bid failed, using cached owner",
				zap.Uint64("tokenNumber", token.TokenNumber),
				zap.Error(err))
		}
	}

	result, err := e.store.PlaceBid(ctx, store.PlaceBidInput{
		TokenID:       token.ID,
		BidderAddress: bidder,
		Amount:        req.Amount,
		TxHash:        req.TxHash,
		FloorPrice:    e.policy.FloorPrice,
		IncrementPct:  e.policy.IncrementPercentage,
		Now:           e.clock.Now(),
	})
	if err != nil {
		if domain.IsValidation(err) {
			e.auditValidationFailure(ctx, &token.ID, nil, bidder, err)
		}
		return nil, err
	}

	details := map[string]interface{}{
		"amount":      result.Bid.Amount.String(),
		"tokenNumber": token.TokenNumber,
	}
	if result.PreviousHighest != nil {
		details["previousHighest"] = result.PreviousHighest.String()
	}
	if len(result.OutbidIDs) > 0 {
		details["outbidIds"] = result.OutbidIDs
	}
	e.audit.Record(ctx, audit.Entry{
		Type:         schema.AuditBidPlaced,
		TokenID:      &token.ID,
		BidID:        &result.Bid.ID,
		ActorAddress: &bidder,
		Details:      details,
	})

	logger.InfoCtx(ctx, "Bid placed",
		zap.Uint64("tokenNumber", token.TokenNumber),
		zap.Int64("bidID", result.Bid.ID),
		zap.String("amount", result.Bid.Amount.String()),
		zap.Int("outbid", len(result.OutbidIDs)))

	return result.Bid, nil
}

// AcceptBid lets the token owner accept an ACTIVE bid. Ownership is
// re-validated against the ledger before the transition, and then again
// against the locked cache row inside the store transaction.
func (e *Engine) AcceptBid(ctx context.Context, bidID int64, acceptedBy string) (*schema.Bid, error) {
	acceptor := domain.NormalizeAddress(acceptedBy)

	bid, err := e.store.GetBidByID(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, domain.ErrBidNotFound
	}

	token, err := e.store.GetTokenByID(ctx, bid.TokenID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, domain.ErrTokenNotFound
	}

	chainOwner, err := e.oracle.CurrentOwner(ctx, token.TokenNumber)
	if err != nil {
		// An unreadable ledger blocks acceptance outright. Accepting on a
		// possibly stale cached owner could hand the token's proceeds to the
		// wrong party.
		return nil, fmt.Errorf("failed to verify ownership on chain: %w", err)
	}

	if chainOwner != acceptor {
		confErr := domain.NewConflictError(
			"address %s is not the on-chain owner of token %d", acceptor, token.TokenNumber)
		e.audit.Record(ctx, audit.Entry{
			Type:         schema.AuditValidationFailure,
			TokenID:      &token.ID,
			BidID:        &bid.ID,
			ActorAddress: &acceptor,
			Details: map[string]interface{}{
				"reason":     "owner_mismatch",
				"chainOwner": chainOwner,
			},
		})
		// The cache disagrees with the ledger; make the next reconciliation
		// pass pick this token up.
		if uerr := e.store.MarkTokenUnsynced(ctx, token.ID); uerr != nil {
			logger.ErrorCtx(ctx, uerr,
				zap.String("message", "failed to flag token for reconciliation"),
				zap.Uint64("tokenNumber", token.TokenNumber))
		}
		return nil, confErr
	}

	// The ledger confirmed the acceptor. Align the cache before the
	// transactional accept so the in-transaction owner check passes even if
	// the cache lagged.
	if token.OwnerAddress == nil || *token.OwnerAddress != chainOwner {
		if err := e.syncOwner(ctx, token, chainOwner); err != nil {
			return nil, err
		}
	}

	result, err := e.store.AcceptBid(ctx, store.AcceptBidInput{
		BidID:      bidID,
		AcceptedBy: acceptor,
		Now:        e.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	e.audit.Record(ctx, audit.Entry{
		Type:                schema.AuditBidAccepted,
		TokenID:             &result.Token.ID,
		BidID:               &result.Bid.ID,
		ActorAddress:        &acceptor,
		CounterpartyAddress: &result.Bid.BidderAddress,
		Details: map[string]interface{}{
			"amount":      result.Bid.Amount.String(),
			"tokenNumber": result.Token.TokenNumber,
			"outbidIds":   result.OutbidIDs,
		},
	})

	accepted := &domain.BidAccepted{
		TokenNumber: result.Token.TokenNumber,
		BidID:       result.Bid.ID,
		Bidder:      result.Bid.BidderAddress,
		Seller:      acceptor,
		Amount:      result.Bid.Amount,
		AcceptedAt:  result.Bid.UpdatedAt,
	}
	if err := e.publisher.PublishBidAccepted(ctx, accepted); err != nil {
		logger.ErrorCtx(ctx, err,
			zap.String("message", "failed to publish bid accepted notification"),
			zap.Int64("bidID", result.Bid.ID))
	}

	logger.InfoCtx(ctx, "Bid accepted",
		zap.Uint64("tokenNumber", result.Token.TokenNumber),
		zap.Int64("bidID", result.Bid.ID),
		zap.String("amount", result.Bid.Amount.String()))

	return result.Bid, nil
}

// WithdrawBid retracts the bidder's own bid. Withdrawing an already-terminal
// bid is a no-op, not an error.
func (e *Engine) WithdrawBid(ctx context.Context, bidID int64, bidderAddress string) (*schema.Bid, error) {
	bidder := domain.NormalizeAddress(bidderAddress)

	bid, err := e.store.GetBidByID(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, domain.ErrBidNotFound
	}
	if bid.BidderAddress != bidder {
		return nil, domain.NewConflictError("bid %d does not belong to %s", bidID, bidder)
	}

	return e.terminate(ctx, bidID, schema.BidStatusWithdrawn, schema.AuditBidWithdrawn, bidder)
}

// RejectBid lets the token owner decline a bid without accepting another.
// The cached owner suffices here; rejection does not move the asset.
func (e *Engine) RejectBid(ctx context.Context, bidID int64, ownerAddress string) (*schema.Bid, error) {
	owner := domain.NormalizeAddress(ownerAddress)

	bid, err := e.store.GetBidByID(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, domain.ErrBidNotFound
	}
	token, err := e.store.GetTokenByID(ctx, bid.TokenID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, domain.ErrTokenNotFound
	}
	if token.OwnerAddress == nil || *token.OwnerAddress != owner {
		return nil, domain.NewConflictError("%s does not own token %d", owner, token.TokenNumber)
	}

	return e.terminate(ctx, bidID, schema.BidStatusRejected, schema.AuditBidRejected, owner)
}

// CancelBid cancels a bid on the system's behalf, for example when an
// ownership change turned it into a self-bid.
func (e *Engine) CancelBid(ctx context.Context, bidID int64, reason string) (*schema.Bid, error) {
	bid, err := e.store.GetBidByID(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, domain.ErrBidNotFound
	}

	result, err := e.store.TerminateBid(ctx, bidID, schema.BidStatusCancelled, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if result.Changed {
		e.audit.Record(ctx, audit.Entry{
			Type:         schema.AuditBidCancelled,
			TokenID:      &result.Bid.TokenID,
			BidID:        &result.Bid.ID,
			ActorAddress: &result.Bid.BidderAddress,
			Details:      map[string]interface{}{"reason": reason},
		})
	}
	return result.Bid, nil
}

// GetBidInfo summarizes the bid state of one token for display: the current
// highest bid, the minimum admissible next bid, and a staleness flag.
func (e *Engine) GetBidInfo(ctx context.Context, tokenNumber uint64) (*domain.BidInfo, error) {
	token, err := e.store.GetTokenByNumber(ctx, tokenNumber)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, domain.ErrTokenNotFound
	}

	highest, err := e.store.GetHighestActiveBid(ctx, token.ID)
	if err != nil {
		return nil, err
	}

	info := &domain.BidInfo{
		TokenNumber: tokenNumber,
		Synced:      !e.isStale(token),
	}
	if highest != nil {
		amt := highest.Amount
		info.CurrentBid = &amt
		info.HasActiveBid = true
		info.MinimumBid = domain.MinimumNextBid(&amt, e.policy.FloorPrice, e.policy.IncrementPercentage)
	} else {
		info.MinimumBid = domain.MinimumNextBid(nil, e.policy.FloorPrice, e.policy.IncrementPercentage)
	}

	return info, nil
}

func (e *Engine) terminate(ctx context.Context, bidID int64, status schema.BidStatus, auditType schema.AuditEventType, actor string) (*schema.Bid, error) {
	result, err := e.store.TerminateBid(ctx, bidID, status, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if result.Changed {
		e.audit.Record(ctx, audit.Entry{
			Type:         auditType,
			TokenID:      &result.Bid.TokenID,
			BidID:        &result.Bid.ID,
			ActorAddress: &actor,
		})
	}
	return result.Bid, nil
}

func (e *Engine) isStale(token *schema.Token) bool {
	if !token.Synced {
		return true
	}
	if token.LastSyncedAt == nil {
		return true
	}
	return e.clock.Since(*token.LastSyncedAt) > e.policy.StalenessWindow
}

// refreshOwner pulls the current owner from the ledger and writes it through
// if it differs from the cache. A not-found token on chain is left alone; the
// reconciler owns that repair path.
func (e *Engine) refreshOwner(ctx context.Context, token *schema.Token) error {
	chainOwner, err := e.oracle.CurrentOwner(ctx, token.TokenNumber)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return nil
		}
		return err
	}
	if token.OwnerAddress != nil && *token.OwnerAddress == chainOwner {
		now := e.clock.Now()
		if err := e.store.MarkTokenSynced(ctx, token.ID, token.LastSyncedBlock, now); err != nil {
			return err
		}
		token.Synced = true
		token.LastSyncedAt = &now
		return nil
	}
	return e.syncOwner(ctx, token, chainOwner)
}

func (e *Engine) syncOwner(ctx context.Context, token *schema.Token, chainOwner string) error {
	now := e.clock.Now()
	result, err := e.store.UpdateTokenOwner(ctx, store.UpdateTokenOwnerInput{
		TokenID:  token.ID,
		NewOwner: chainOwner,
		Inferred: false,
		SyncedAt: now,
	})
	if err != nil {
		return err
	}

	// Only a known previous owner moving to a different address is a
	// transfer; a first observation is a sync.
	eventType := schema.AuditOwnershipSync
	if result.OldOwner != nil && *result.OldOwner != chainOwner {
		eventType = schema.AuditOwnershipTransfer
	}
	e.audit.Record(ctx, audit.Entry{
		Type:                eventType,
		TokenID:             &token.ID,
		ActorAddress:        result.OldOwner,
		CounterpartyAddress: &chainOwner,
		Details: map[string]interface{}{
			"tokenNumber":   token.TokenNumber,
			"cancelledBids": result.CancelledBidIDs,
		},
	})

	token.OwnerAddress = &chainOwner
	token.Synced = true
	token.LastSyncedAt = &now
	return nil
}

func (e *Engine) auditValidationFailure(ctx context.Context, tokenID, bidID *int64, actor string, err error) {
	var ve *domain.ValidationError
	details := map[string]interface{}{}
	if errors.As(err, &ve) {
		details["reason"] = string(ve.Reason)
		details["minimumBid"] = ve.MinimumBid.String()
		if ve.CurrentHighest != nil {
			details["currentHighest"] = ve.CurrentHighest.String()
		}
	} else {
		details["reason"] = err.Error()
	}

	e.audit.Record(ctx, audit.Entry{
		Type:         schema.AuditValidationFailure,
		TokenID:      tokenID,
		BidID:        bidID,
		ActorAddress: &actor,
		Details:      details,
	})
}
