package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ZeroAddress is the Ethereum zero address, used as the mint/burn sentinel.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NativeDecimals is the precision of the ledger's native unit.
const NativeDecimals = 18

// NormalizeAddress lower-cases a hex address so that cached and on-chain
// addresses compare equal regardless of checksum casing.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// TransferEvent is a single ERC-721 Transfer observed on chain.
type TransferEvent struct {
	TokenNumber uint64
	From        string
	To          string
	BlockNumber uint64
	TxHash      string
	Timestamp   time.Time
}

// IsMint reports whether the transfer originates from the zero address.
func (e TransferEvent) IsMint() bool {
	return NormalizeAddress(e.From) == ZeroAddress
}

// BlockRange is an inclusive span of block numbers.
type BlockRange struct {
	From uint64
	To   uint64
}

func (r BlockRange) String() string {
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// ReconciliationOutcome describes the result of reconciling one token
// against the ledger.
type ReconciliationOutcome string

const (
	// OutcomeUnchanged means cache and ledger already agreed.
	OutcomeUnchanged ReconciliationOutcome = "unchanged"
	// OutcomeUpdated means the cached owner was corrected.
	OutcomeUpdated ReconciliationOutcome = "updated"
	// OutcomeCreated means the token row did not exist and was created.
	OutcomeCreated ReconciliationOutcome = "created"
	// OutcomeError means the ledger read failed and the cache was left untouched.
	OutcomeError ReconciliationOutcome = "error"
)

// ReconciliationResult is the per-token result of an ownership reconciliation.
type ReconciliationResult struct {
	TokenNumber uint64
	Outcome     ReconciliationOutcome
	OldOwner    *string
	NewOwner    *string
	// CancelledBids holds IDs of ACTIVE bids cancelled because the ownership
	// change turned them into self-bids.
	CancelledBids []int64
	Err           error
}

// BatchReconciliationResult aggregates a collection-wide reconciliation pass.
type BatchReconciliationResult struct {
	CollectionID    int64
	Reconciled      int
	Updated         int
	Created         int
	Errors          int
	MissingRepaired int
	DuplicatesFixed int
	SelfBidsRemoved int
	Results         []ReconciliationResult
}

// BidInfo is the caller-facing bid summary for one token.
type BidInfo struct {
	TokenNumber  uint64
	CurrentBid   *decimal.Decimal
	MinimumBid   decimal.Decimal
	HasActiveBid bool
	// Synced is false when the last ownership reconciliation for this token
	// failed or is older than the configured staleness window; callers should
	// present the data as possibly stale.
	Synced bool
}

// OwnershipChange is published to downstream consumers when the cached owner
// of a token changes.
type OwnershipChange struct {
	TokenNumber uint64    `json:"token_number"`
	OldOwner    *string   `json:"old_owner,omitempty"`
	NewOwner    string    `json:"new_owner"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// BidAccepted is published to downstream consumers when a bid is accepted.
type BidAccepted struct {
	TokenNumber uint64          `json:"token_number"`
	BidID       int64           `json:"bid_id"`
	Bidder      string          `json:"bidder"`
	Seller      string          `json:"seller"`
	Amount      decimal.Decimal `json:"amount"`
	AcceptedAt  time.Time       `json:"accepted_at"`
}
