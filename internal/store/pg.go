package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&schema.Collection{},
		&schema.Token{},
		&schema.Bid{},
		&schema.AuditEvent{},
		&schema.KeyValueStore{},
	)
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. Zero values fall back to reasonable defaults.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// CreateCollection creates a collection record
func (s *pgStore) CreateCollection(ctx context.Context, collection *schema.Collection) error {
	if err := s.db.WithContext(ctx).Create(collection).Error; err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// GetCollection retrieves a collection by ID
func (s *pgStore) GetCollection(ctx context.Context, id int64) (*schema.Collection, error) {
	var collection schema.Collection
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&collection).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return &collection, nil
}

// ListCollections returns all collections
func (s *pgStore) ListCollections(ctx context.Context) ([]*schema.Collection, error) {
	var collections []*schema.Collection
	err := s.db.WithContext(ctx).Order("id").Find(&collections).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return collections, nil
}

// CreateToken creates a token record
func (s *pgStore) CreateToken(ctx context.Context, token *schema.Token) error {
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetTokenByNumber retrieves a token by its ledger-assigned number
func (s *pgStore) GetTokenByNumber(ctx context.Context, tokenNumber uint64) (*schema.Token, error) {
	var token schema.Token
	err := s.db.WithContext(ctx).Where("token_number = ?", tokenNumber).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &token, nil
}

// GetTokenByID retrieves a token by its internal ID
func (s *pgStore) GetTokenByID(ctx context.Context, tokenID int64) (*schema.Token, error) {
	var token schema.Token
	err := s.db.WithContext(ctx).Where("id = ?", tokenID).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &token, nil
}

// ListTokensByCollection returns all tokens in a collection
func (s *pgStore) ListTokensByCollection(ctx context.Context, collectionID int64) ([]*schema.Token, error) {
	var tokens []*schema.Token
	err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("token_number").
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

// ListTokenNumbersByCollection returns the ledger numbers present in the cache
func (s *pgStore) ListTokenNumbersByCollection(ctx context.Context, collectionID int64) ([]uint64, error) {
	var numbers []uint64
	err := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("collection_id = ?", collectionID).
		Order("token_number").
		Pluck("token_number", &numbers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list token numbers: %w", err)
	}
	return numbers, nil
}

// MarkTokenSynced records a successful reconciliation with no owner change
func (s *pgStore) MarkTokenSynced(ctx context.Context, tokenID int64, blockNumber uint64, syncedAt time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("id = ?", tokenID).
		Updates(map[string]interface{}{
			"synced":            true,
			"last_synced_block": blockNumber,
			"last_synced_at":    syncedAt,
			"updated_at":        syncedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark token synced: %w", err)
	}
	return nil
}

// MarkTokenUnsynced flags a token whose last reconciliation failed
func (s *pgStore) MarkTokenUnsynced(ctx context.Context, tokenID int64) error {
	err := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("id = ?", tokenID).
		Update("synced", false).Error
	if err != nil {
		return fmt.Errorf("failed to mark token unsynced: %w", err)
	}
	return nil
}

// UpdateTokenOwner corrects the cached owner and cancels any ACTIVE bid that
// became a self-bid under the new owner, in one transaction. The token row is
// locked first so concurrent bid placement and acceptance on the same token
// serialize against the correction.
func (s *pgStore) UpdateTokenOwner(ctx context.Context, input UpdateTokenOwnerInput) (*UpdateTokenOwnerResult, error) {
	newOwner := domain.NormalizeAddress(input.NewOwner)
	result := &UpdateTokenOwnerResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var token schema.Token
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", input.TokenID).
			First(&token).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrTokenNotFound
			}
			return fmt.Errorf("failed to lock token: %w", err)
		}
		result.OldOwner = token.OwnerAddress

		updates := map[string]interface{}{
			"owner_address":  newOwner,
			"owner_inferred": input.Inferred,
			"synced":         !input.Inferred,
			"last_synced_at": input.SyncedAt,
			"updated_at":     input.SyncedAt,
		}
		// Callers reconciling from ownerOf have no block number; keep the
		// cursor from the last event-based sync in that case.
		if input.BlockNumber > 0 {
			updates["last_synced_block"] = input.BlockNumber
		}
		err = tx.Model(&schema.Token{}).
			Where("id = ?", token.ID).
			Updates(updates).Error
		if err != nil {
			return fmt.Errorf("failed to update owner: %w", err)
		}

		// Ownership changes can turn standing bids into self-bids
		var selfBids []schema.Bid
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ? AND status = ? AND bidder_address = ?",
				token.ID, schema.BidStatusActive, newOwner).
			Find(&selfBids).Error
		if err != nil {
			return fmt.Errorf("failed to find self-bids: %w", err)
		}

		for _, b := range selfBids {
			result.CancelledBidIDs = append(result.CancelledBidIDs, b.ID)
		}
		if len(result.CancelledBidIDs) > 0 {
			err = tx.Model(&schema.Bid{}).
				Where("id IN ?", result.CancelledBidIDs).
				Updates(map[string]interface{}{
					"status":     schema.BidStatusCancelled,
					"updated_at": input.SyncedAt,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to cancel self-bids: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// PlaceBid admits or updates a bid inside one transaction. The token row is
// locked first, then the ACTIVE bids, and the admission rules are re-checked
// against that locked state: a pre-check outside the transaction is only an
// optimization and is never trusted here.
func (s *pgStore) PlaceBid(ctx context.Context, input PlaceBidInput) (*PlaceBidResult, error) {
	bidder := domain.NormalizeAddress(input.BidderAddress)
	result := &PlaceBidResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var token schema.Token
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", input.TokenID).
			First(&token).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrTokenNotFound
			}
			return fmt.Errorf("failed to lock token: %w", err)
		}

		if token.OwnerAddress != nil && *token.OwnerAddress == bidder {
			return domain.NewValidationError(domain.ReasonSelfBid,
				"bidder is the current owner of the token", input.FloorPrice, nil)
		}

		var activeBids []schema.Bid
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ? AND status = ?", token.ID, schema.BidStatusActive).
			Order("amount DESC").
			Find(&activeBids).Error
		if err != nil {
			return fmt.Errorf("failed to lock active bids: %w", err)
		}

		var highest *schema.Bid
		for i := range activeBids {
			if activeBids[i].BidderAddress == bidder {
				continue // own bid does not set the bar for its replacement
			}
			highest = &activeBids[i]
			break
		}

		minimum := input.FloorPrice
		if highest != nil {
			amt := highest.Amount
			result.PreviousHighest = &amt
			minimum = domain.MinimumNextBid(&amt, input.FloorPrice, input.IncrementPct)
		}

		if input.Amount.LessThan(minimum) {
			return domain.NewValidationError(domain.ReasonInsufficientIncrement,
				fmt.Sprintf("bid %s is below the minimum %s", input.Amount, minimum),
				minimum, result.PreviousHighest)
		}

		// Update in place when the bidder already has an ACTIVE bid; the
		// (token, bidder, ACTIVE) pair stays unique.
		var bid *schema.Bid
		for i := range activeBids {
			if activeBids[i].BidderAddress == bidder {
				bid = &activeBids[i]
				break
			}
		}

		if bid != nil {
			err = tx.Model(&schema.Bid{}).
				Where("id = ?", bid.ID).
				Updates(map[string]interface{}{
					"amount":     input.Amount,
					"tx_hash":    input.TxHash,
					"updated_at": input.Now,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to update bid: %w", err)
			}
			bid.Amount = input.Amount
			bid.TxHash = input.TxHash
			bid.UpdatedAt = input.Now
		} else {
			bid = &schema.Bid{
				TokenID:       token.ID,
				BidderAddress: bidder,
				Amount:        input.Amount,
				Status:        schema.BidStatusActive,
				TxHash:        input.TxHash,
				CreatedAt:     input.Now,
				UpdatedAt:     input.Now,
			}
			if err := tx.Create(bid).Error; err != nil {
				return fmt.Errorf("failed to create bid: %w", err)
			}
		}
		result.Bid = bid

		// Demote every other ACTIVE bid with a strictly lower amount
		for _, other := range activeBids {
			if other.ID == bid.ID || !other.Amount.LessThan(input.Amount) {
				continue
			}
			result.OutbidIDs = append(result.OutbidIDs, other.ID)
		}
		if len(result.OutbidIDs) > 0 {
			err = tx.Model(&schema.Bid{}).
				Where("id IN ?", result.OutbidIDs).
				Updates(map[string]interface{}{
					"status":     schema.BidStatusOutbid,
					"updated_at": input.Now,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to cascade outbid: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// AcceptBid transitions a bid to ACCEPTED and every other ACTIVE bid on the
// token to OUTBID, atomically. The accepting address is re-checked against
// the locked token row; a mismatch is a conflict, not a validation error,
// because it means ownership moved underneath the caller.
func (s *pgStore) AcceptBid(ctx context.Context, input AcceptBidInput) (*AcceptBidResult, error) {
	acceptedBy := domain.NormalizeAddress(input.AcceptedBy)
	result := &AcceptBidResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bid schema.Bid
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", input.BidID).
			First(&bid).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrBidNotFound
			}
			return fmt.Errorf("failed to lock bid: %w", err)
		}

		if bid.Status != schema.BidStatusActive {
			return domain.NewConflictError("bid %d is %s, not ACTIVE", bid.ID, bid.Status)
		}

		var token schema.Token
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", bid.TokenID).
			First(&token).Error
		if err != nil {
			return fmt.Errorf("failed to lock token: %w", err)
		}

		if token.OwnerAddress == nil || *token.OwnerAddress != acceptedBy {
			return domain.NewConflictError("address %s is not the current owner of token %d", acceptedBy, token.TokenNumber)
		}

		err = tx.Model(&schema.Bid{}).
			Where("id = ?", bid.ID).
			Updates(map[string]interface{}{
				"status":     schema.BidStatusAccepted,
				"updated_at": input.Now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to accept bid: %w", err)
		}
		bid.Status = schema.BidStatusAccepted
		bid.UpdatedAt = input.Now

		var otherActive []schema.Bid
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ? AND status = ? AND id <> ?", token.ID, schema.BidStatusActive, bid.ID).
			Find(&otherActive).Error
		if err != nil {
			return fmt.Errorf("failed to find competing bids: %w", err)
		}

		for _, other := range otherActive {
			result.OutbidIDs = append(result.OutbidIDs, other.ID)
		}
		if len(result.OutbidIDs) > 0 {
			err = tx.Model(&schema.Bid{}).
				Where("id IN ?", result.OutbidIDs).
				Updates(map[string]interface{}{
					"status":     schema.BidStatusOutbid,
					"updated_at": input.Now,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to demote competing bids: %w", err)
			}
		}

		result.Bid = &bid
		result.Token = &token
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// TerminateBid applies an idempotent terminal transition. Re-invoking on an
// already-terminal bid reports Changed=false instead of failing.
func (s *pgStore) TerminateBid(ctx context.Context, bidID int64, status schema.BidStatus, now time.Time) (*TerminateBidResult, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("status %s is not terminal", status)
	}

	result := &TerminateBidResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bid schema.Bid
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", bidID).
			First(&bid).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrBidNotFound
			}
			return fmt.Errorf("failed to lock bid: %w", err)
		}

		if bid.Status != schema.BidStatusActive {
			result.Bid = &bid
			result.Changed = false
			return nil
		}

		err = tx.Model(&schema.Bid{}).
			Where("id = ?", bid.ID).
			Updates(map[string]interface{}{
				"status":     status,
				"updated_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to terminate bid: %w", err)
		}

		bid.Status = status
		bid.UpdatedAt = now
		result.Bid = &bid
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetBidByID retrieves a bid by ID
func (s *pgStore) GetBidByID(ctx context.Context, bidID int64) (*schema.Bid, error) {
	var bid schema.Bid
	err := s.db.WithContext(ctx).Where("id = ?", bidID).First(&bid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return &bid, nil
}

// GetHighestActiveBid returns the highest ACTIVE bid on a token, nil if none
func (s *pgStore) GetHighestActiveBid(ctx context.Context, tokenID int64) (*schema.Bid, error) {
	var bid schema.Bid
	err := s.db.WithContext(ctx).
		Where("token_id = ? AND status = ?", tokenID, schema.BidStatusActive).
		Order("amount DESC").
		First(&bid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get highest active bid: %w", err)
	}
	return &bid, nil
}

// ListActiveBids returns all ACTIVE bids on a token
func (s *pgStore) ListActiveBids(ctx context.Context, tokenID int64) ([]*schema.Bid, error) {
	var bids []*schema.Bid
	err := s.db.WithContext(ctx).
		Where("token_id = ? AND status = ?", tokenID, schema.BidStatusActive).
		Order("amount DESC").
		Find(&bids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active bids: %w", err)
	}
	return bids, nil
}

// FindSelfBids returns ACTIVE bids whose bidder equals the token's cached owner
func (s *pgStore) FindSelfBids(ctx context.Context) ([]SelfBidRow, error) {
	var rows []SelfBidRow
	err := s.db.WithContext(ctx).
		Table("bids").
		Select("bids.id AS bid_id, tokens.id AS token_id, tokens.token_number AS token_number, bids.bidder_address AS bidder").
		Joins("JOIN tokens ON tokens.id = bids.token_id").
		Where("bids.status = ? AND tokens.owner_address IS NOT NULL AND bids.bidder_address = tokens.owner_address", schema.BidStatusActive).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find self-bids: %w", err)
	}
	return rows, nil
}

// FindDuplicateAcceptedTokenIDs returns tokens carrying more than one ACCEPTED bid
func (s *pgStore) FindDuplicateAcceptedTokenIDs(ctx context.Context) ([]int64, error) {
	var tokenIDs []int64
	err := s.db.WithContext(ctx).
		Model(&schema.Bid{}).
		Select("token_id").
		Where("status = ?", schema.BidStatusAccepted).
		Group("token_id").
		Having("COUNT(*) > 1").
		Pluck("token_id", &tokenIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate accepted bids: %w", err)
	}
	return tokenIDs, nil
}

// DemoteDuplicateAccepted keeps the most recently updated ACCEPTED bid on a
// token and demotes the rest to OUTBID in one transaction
func (s *pgStore) DemoteDuplicateAccepted(ctx context.Context, tokenID int64, now time.Time) (int64, []int64, error) {
	var keptID int64
	var demoted []int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var accepted []schema.Bid
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ? AND status = ?", tokenID, schema.BidStatusAccepted).
			Order("updated_at DESC, id DESC").
			Find(&accepted).Error
		if err != nil {
			return fmt.Errorf("failed to lock accepted bids: %w", err)
		}
		if len(accepted) < 2 {
			if len(accepted) == 1 {
				keptID = accepted[0].ID
			}
			return nil
		}

		keptID = accepted[0].ID
		for _, b := range accepted[1:] {
			demoted = append(demoted, b.ID)
		}

		err = tx.Model(&schema.Bid{}).
			Where("id IN ?", demoted).
			Updates(map[string]interface{}{
				"status":     schema.BidStatusOutbid,
				"updated_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to demote duplicate accepted bids: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	return keptID, demoted, nil
}

// CreateAuditEvent appends an audit event
func (s *pgStore) CreateAuditEvent(ctx context.Context, event *schema.AuditEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to create audit event: %w", err)
	}
	return nil
}

// ListAuditEventsByToken returns audit events for a token, newest first
func (s *pgStore) ListAuditEventsByToken(ctx context.Context, tokenID int64, limit, offset int) ([]*schema.AuditEvent, error) {
	var events []*schema.AuditEvent
	err := s.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// ListAuditEventsByAddress returns audit events involving an address, newest first
func (s *pgStore) ListAuditEventsByAddress(ctx context.Context, address string, limit, offset int) ([]*schema.AuditEvent, error) {
	normalized := domain.NormalizeAddress(address)

	var events []*schema.AuditEvent
	err := s.db.WithContext(ctx).
		Where("actor_address = ? OR counterparty_address = ?", normalized, normalized).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// GetBlockCursor retrieves the last processed block number for a named scan
func (s *pgStore) GetBlockCursor(ctx context.Context, name string) (uint64, error) {
	key := fmt.Sprintf("block_cursor:%s", name)

	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&kv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get block cursor: %w", err)
	}

	blockNumber, err := strconv.ParseUint(kv.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block cursor: %w", err)
	}

	return blockNumber, nil
}

// SetBlockCursor stores the last processed block number for a named scan
func (s *pgStore) SetBlockCursor(ctx context.Context, name string, blockNumber uint64) error {
	key := fmt.Sprintf("block_cursor:%s", name)

	kv := schema.KeyValueStore{
		Key:       key,
		Value:     strconv.FormatUint(blockNumber, 10),
		UpdatedAt: time.Now(),
	}

	if err := s.db.WithContext(ctx).Save(&kv).Error; err != nil {
		return fmt.Errorf("failed to set block cursor: %w", err)
	}

	return nil
}
