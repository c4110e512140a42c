package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/25RMD/platz-bidcore/internal/store/schema"
)

// UpdateTokenOwnerInput carries a reconciliation-driven ownership correction.
type UpdateTokenOwnerInput struct {
	TokenID     int64
	NewOwner    string
	Inferred    bool
	BlockNumber uint64
	SyncedAt    time.Time
}

// UpdateTokenOwnerResult reports the applied correction. CancelledBidIDs are
// ACTIVE bids that became self-bids under the new owner and were cancelled in
// the same transaction.
type UpdateTokenOwnerResult struct {
	OldOwner        *string
	CancelledBidIDs []int64
}

// PlaceBidInput carries a bid placement together with the admission policy it
// must be re-validated against inside the transaction.
type PlaceBidInput struct {
	TokenID       int64
	BidderAddress string
	Amount        decimal.Decimal
	TxHash        string
	FloorPrice    decimal.Decimal
	IncrementPct  decimal.Decimal
	Now           time.Time
}

// PlaceBidResult reports the committed bid and the cascade it triggered.
type PlaceBidResult struct {
	Bid             *schema.Bid
	OutbidIDs       []int64
	PreviousHighest *decimal.Decimal
}

// AcceptBidInput carries a bid acceptance by the token's owner.
type AcceptBidInput struct {
	BidID      int64
	AcceptedBy string
	Now        time.Time
}

// AcceptBidResult reports the accepted bid and the demoted competitors.
type AcceptBidResult struct {
	Bid       *schema.Bid
	Token     *schema.Token
	OutbidIDs []int64
}

// TerminateBidResult reports a terminal transition. Changed is false when the
// bid was already terminal, which is a no-op, not an error.
type TerminateBidResult struct {
	Bid     *schema.Bid
	Changed bool
}

// SelfBidRow is an ACTIVE bid whose bidder is the token's cached owner.
type SelfBidRow struct {
	BidID       int64
	TokenID     int64
	TokenNumber uint64
	Bidder      string
}

// Store defines the interface for database operations
//
//go:generate mockgen -source=store.go -destination=../mocks/store.go -package=mocks -mock_names=Store=MockStore
type Store interface {
	// CreateCollection creates a collection record
	CreateCollection(ctx context.Context, collection *schema.Collection) error
	// GetCollection retrieves a collection by ID
	GetCollection(ctx context.Context, id int64) (*schema.Collection, error)
	// ListCollections returns all collections
	ListCollections(ctx context.Context) ([]*schema.Collection, error)

	// CreateToken creates a token record
	CreateToken(ctx context.Context, token *schema.Token) error
	// GetTokenByNumber retrieves a token by its ledger-assigned number
	GetTokenByNumber(ctx context.Context, tokenNumber uint64) (*schema.Token, error)
	// GetTokenByID retrieves a token by its internal ID
	GetTokenByID(ctx context.Context, tokenID int64) (*schema.Token, error)
	// ListTokensByCollection returns all tokens in a collection
	ListTokensByCollection(ctx context.Context, collectionID int64) ([]*schema.Token, error)
	// ListTokenNumbersByCollection returns the ledger numbers present in the cache
	ListTokenNumbersByCollection(ctx context.Context, collectionID int64) ([]uint64, error)
	// MarkTokenSynced records a successful reconciliation with no owner change
	MarkTokenSynced(ctx context.Context, tokenID int64, blockNumber uint64, syncedAt time.Time) error
	// MarkTokenUnsynced flags a token whose last reconciliation failed
	MarkTokenUnsynced(ctx context.Context, tokenID int64) error
	// UpdateTokenOwner corrects the cached owner and cancels resulting
	// self-bids in one transaction
	UpdateTokenOwner(ctx context.Context, input UpdateTokenOwnerInput) (*UpdateTokenOwnerResult, error)

	// PlaceBid admits or updates a bid, re-validating the admission rules and
	// cascading OUTBID inside one transaction
	PlaceBid(ctx context.Context, input PlaceBidInput) (*PlaceBidResult, error)
	// AcceptBid transitions a bid to ACCEPTED and demotes every other ACTIVE
	// bid on the token in one transaction
	AcceptBid(ctx context.Context, input AcceptBidInput) (*AcceptBidResult, error)
	// TerminateBid applies an idempotent terminal transition
	TerminateBid(ctx context.Context, bidID int64, status schema.BidStatus, now time.Time) (*TerminateBidResult, error)
	// GetBidByID retrieves a bid by ID
	GetBidByID(ctx context.Context, bidID int64) (*schema.Bid, error)
	// GetHighestActiveBid returns the highest ACTIVE bid on a token, nil if none
	GetHighestActiveBid(ctx context.Context, tokenID int64) (*schema.Bid, error)
	// ListActiveBids returns all ACTIVE bids on a token
	ListActiveBids(ctx context.Context, tokenID int64) ([]*schema.Bid, error)

	// FindSelfBids returns ACTIVE bids whose bidder equals the token's cached owner
	FindSelfBids(ctx context.Context) ([]SelfBidRow, error)
	// FindDuplicateAcceptedTokenIDs returns tokens carrying more than one ACCEPTED bid
	FindDuplicateAcceptedTokenIDs(ctx context.Context) ([]int64, error)
	// DemoteDuplicateAccepted keeps the most recently updated ACCEPTED bid on
	// a token and demotes the rest to OUTBID in one transaction
	DemoteDuplicateAccepted(ctx context.Context, tokenID int64, now time.Time) (keptBidID int64, demotedIDs []int64, err error)

	// CreateAuditEvent appends an audit event; rows are never updated or deleted
	CreateAuditEvent(ctx context.Context, event *schema.AuditEvent) error
	// ListAuditEventsByToken returns audit events for a token, newest first
	ListAuditEventsByToken(ctx context.Context, tokenID int64, limit, offset int) ([]*schema.AuditEvent, error)
	// ListAuditEventsByAddress returns audit events involving an address, newest first
	ListAuditEventsByAddress(ctx context.Context, address string, limit, offset int) ([]*schema.AuditEvent, error)

	// GetBlockCursor retrieves the last processed block number for a named scan
	GetBlockCursor(ctx context.Context, name string) (uint64, error)
	// SetBlockCursor stores the last processed block number for a named scan
	SetBlockCursor(ctx context.Context, name string, blockNumber uint64) error
}
