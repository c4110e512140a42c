package schema

import "time"

// Collection represents the collections table - one deployed land parcel series
type Collection struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Name is the display name of the collection
	Name string `gorm:"column:name;not null;type:text"`
	// CreatorAddress is the address that deployed/minted the collection,
	// used as the ownership fallback for newly discovered tokens
	CreatorAddress string `gorm:"column:creator_address;not null;type:text"`
	// StartTokenNumber is the first ledger token number in this collection
	StartTokenNumber uint64 `gorm:"column:start_token_number;not null;default:1"`
	// DeclaredSize is the number of tokens the collection claims to contain
	DeclaredSize uint64 `gorm:"column:declared_size;not null;default:0"`
	// CreatedAt is the timestamp when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()"`
}

// TableName specifies the table name for the Collection model
func (Collection) TableName() string {
	return "collections"
}
