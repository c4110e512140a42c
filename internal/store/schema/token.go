package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token represents the tokens table - the cached view of one on-chain land token.
// OwnerAddress mirrors the ledger's current owner; divergence is a transient,
// repairable condition detected by reconciliation, never silently trusted.
type Token struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// TokenNumber is the ledger-assigned token ID
	TokenNumber uint64 `gorm:"column:token_number;not null;uniqueIndex"`
	// CollectionID references the collection this token belongs to
	CollectionID int64 `gorm:"column:collection_id;not null;index"`
	// OwnerAddress is the cached current owner, lower-cased hex; nil until first sync
	OwnerAddress *string `gorm:"column:owner_address;type:text;index"`
	// OwnerInferred marks owners attributed by heuristic (collection creator
	// fallback) rather than observed on chain
	OwnerInferred bool `gorm:"column:owner_inferred;not null;default:false"`
	// IsListed indicates whether the token is listed for sale
	IsListed bool `gorm:"column:is_listed;not null;default:false"`
	// ListingPrice is the asking price in the ledger's native unit
	ListingPrice *decimal.Decimal `gorm:"column:listing_price;type:numeric(38,18)"`
	// Synced is true when the last reconciliation against the ledger succeeded
	Synced bool `gorm:"column:synced;not null;default:false"`
	// LastSyncedBlock is the chain head observed at the last successful sync
	LastSyncedBlock uint64 `gorm:"column:last_synced_block;not null;default:0"`
	// LastSyncedAt is the wall-clock time of the last successful sync
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	// CreatedAt is the timestamp when this record was first observed
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()"`
	// UpdatedAt is the timestamp when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()"`

	// Associations
	Collection Collection `gorm:"foreignKey:CollectionID"`
	Bids       []Bid      `gorm:"foreignKey:TokenID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the Token model
func (Token) TableName() string {
	return "tokens"
}
