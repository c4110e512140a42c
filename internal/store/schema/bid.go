package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidStatus represents the lifecycle state of a bid
type BidStatus string

const (
	// BidStatusActive is the only non-terminal state
	BidStatusActive BidStatus = "ACTIVE"
	// BidStatusOutbid means a higher bid superseded this one
	BidStatusOutbid BidStatus = "OUTBID"
	// BidStatusAccepted means the token owner accepted this bid
	BidStatusAccepted BidStatus = "ACCEPTED"
	// BidStatusRejected means the token owner rejected this bid
	BidStatusRejected BidStatus = "REJECTED"
	// BidStatusWithdrawn means the bidder withdrew this bid
	BidStatusWithdrawn BidStatus = "WITHDRAWN"
	// BidStatusCancelled means the system cancelled this bid (e.g. self-bid repair)
	BidStatusCancelled BidStatus = "CANCELLED"
)

// IsTerminal reports whether the status permits no further transitions.
func (s BidStatus) IsTerminal() bool {
	return s != BidStatusActive
}

// Bid represents the bids table - a standing offer on one token.
// Bids are never physically deleted; a status transition is the only mutation.
// At most one ACTIVE bid may exist per (token, bidder), enforced at the
// application layer inside the placement transaction.
type Bid struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// TokenID references the token this bid targets
	TokenID int64 `gorm:"column:token_id;not null;index:idx_bids_token_status,priority:1"`
	// BidderAddress is the bidder's address, lower-cased hex
	BidderAddress string `gorm:"column:bidder_address;not null;type:text;index"`
	// Amount is the offer in the ledger's native unit
	Amount decimal.Decimal `gorm:"column:amount;not null;type:numeric(38,18)"`
	// Status is the lifecycle state
	Status BidStatus `gorm:"column:status;not null;type:text;index:idx_bids_token_status,priority:2"`
	// TxHash is the transaction hash backing the bid escrow
	TxHash string `gorm:"column:tx_hash;not null;type:text"`
	// CreatedAt is the timestamp when the bid was placed
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()"`
	// UpdatedAt is the timestamp of the last state transition or amount update
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()"`

	// Associations
	Token Token `gorm:"foreignKey:TokenID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the Bid model
func (Bid) TableName() string {
	return "bids"
}
