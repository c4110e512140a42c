// Package storetest provides an in-memory Store for exercising business
// logic without a database. It mirrors the transactional semantics of the
// Postgres store: per-call atomicity under one mutex, the same admission
// re-validation, and the same cascade rules.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/store"
	"github.com/25RMD/platz-bidcore/internal/store/schema"
)

// FakeStore is an in-memory implementation of store.Store.
type FakeStore struct {
	mu sync.Mutex

	collections map[int64]*schema.Collection
	tokens      map[int64]*schema.Token
	bids        map[int64]*schema.Bid
	audits      []*schema.AuditEvent
	cursors     map[string]uint64

	nextCollectionID int64
	nextTokenID      int64
	nextBidID        int64
	nextAuditID      uint64

	// FailAuditWrites makes CreateAuditEvent fail, for exercising the
	// fire-and-forget audit path.
	FailAuditWrites bool
}

func New() *FakeStore {
	return &FakeStore{
		collections: make(map[int64]*schema.Collection),
		tokens:      make(map[int64]*schema.Token),
		bids:        make(map[int64]*schema.Bid),
		cursors:     make(map[string]uint64),
	}
}

var _ store.Store = (*FakeStore)(nil)

func (f *FakeStore) CreateCollection(ctx context.Context, collection *schema.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCollectionID++
	collection.ID = f.nextCollectionID
	c := *collection
	f.collections[c.ID] = &c
	return nil
}

func (f *FakeStore) GetCollection(ctx context.Context, id int64) (*schema.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *FakeStore) ListCollections(ctx context.Context) ([]*schema.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*schema.Collection, 0, len(f.collections))
	for _, c := range f.collections {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeStore) CreateToken(ctx context.Context, token *schema.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.TokenNumber == token.TokenNumber {
			return fmt.Errorf("duplicate token number %d", token.TokenNumber)
		}
	}
	f.nextTokenID++
	token.ID = f.nextTokenID
	t := *token
	f.tokens[t.ID] = &t
	return nil
}

func (f *FakeStore) GetTokenByNumber(ctx context.Context, tokenNumber uint64) (*schema.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.TokenNumber == tokenNumber {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) GetTokenByID(ctx context.Context, tokenID int64) (*schema.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *FakeStore) ListTokensByCollection(ctx context.Context, collectionID int64) ([]*schema.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.Token
	for _, t := range f.tokens {
		if t.CollectionID == collectionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenNumber < out[j].TokenNumber })
	return out, nil
}

func (f *FakeStore) ListTokenNumbersByCollection(ctx context.Context, collectionID int64) ([]uint64, error) {
	tokens, _ := f.ListTokensByCollection(ctx, collectionID)
	out := make([]uint64, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.TokenNumber)
	}
	return out, nil
}

func (f *FakeStore) MarkTokenSynced(ctx context.Context, tokenID int64, blockNumber uint64, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenID]
	if !ok {
		return domain.ErrTokenNotFound
	}
	t.Synced = true
	t.LastSyncedBlock = blockNumber
	at := syncedAt
	t.LastSyncedAt = &at
	t.UpdatedAt = syncedAt
	return nil
}

func (f *FakeStore) MarkTokenUnsynced(ctx context.Context, tokenID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenID]
	if !ok {
		return domain.ErrTokenNotFound
	}
	t.Synced = false
	return nil
}

func (f *FakeStore) UpdateTokenOwner(ctx context.Context, input store.UpdateTokenOwnerInput) (*store.UpdateTokenOwnerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tokens[input.TokenID]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}

	result := &store.UpdateTokenOwnerResult{}
	if t.OwnerAddress != nil {
		old := *t.OwnerAddress
		result.OldOwner = &old
	}

	newOwner := domain.NormalizeAddress(input.NewOwner)
	t.OwnerAddress = &newOwner
	t.OwnerInferred = input.Inferred
	t.Synced = !input.Inferred
	if input.BlockNumber > 0 {
		t.LastSyncedBlock = input.BlockNumber
	}
	at := input.SyncedAt
	t.LastSyncedAt = &at
	t.UpdatedAt = input.SyncedAt

	for _, b := range f.bids {
		if b.TokenID == t.ID && b.Status == schema.BidStatusActive && b.BidderAddress == newOwner {
			b.Status = schema.BidStatusCancelled
			b.UpdatedAt = input.SyncedAt
			result.CancelledBidIDs = append(result.CancelledBidIDs, b.ID)
		}
	}
	sort.Slice(result.CancelledBidIDs, func(i, j int) bool {
		return result.CancelledBidIDs[i] < result.CancelledBidIDs[j]
	})

	return result, nil
}

func (f *FakeStore) PlaceBid(ctx context.Context, input store.PlaceBidInput) (*store.PlaceBidResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tokens[input.TokenID]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}

	bidder := domain.NormalizeAddress(input.BidderAddress)
	if t.OwnerAddress != nil && *t.OwnerAddress == bidder {
		return nil, domain.NewValidationError(domain.ReasonSelfBid,
			"bidder is the current owner of the token", input.FloorPrice, nil)
	}

	var active []*schema.Bid
	for _, b := range f.bids {
		if b.TokenID == t.ID && b.Status == schema.BidStatusActive {
			active = append(active, b)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Amount.GreaterThan(active[j].Amount) })

	result := &store.PlaceBidResult{}
	minimum := input.FloorPrice
	for _, b := range active {
		if b.BidderAddress == bidder {
			continue
		}
		amt := b.Amount
		result.PreviousHighest = &amt
		minimum = domain.MinimumNextBid(&amt, input.FloorPrice, input.IncrementPct)
		break
	}

	if input.Amount.LessThan(minimum) {
		return nil, domain.NewValidationError(domain.ReasonInsufficientIncrement,
			fmt.Sprintf("bid %s is below the minimum %s", input.Amount, minimum),
			minimum, result.PreviousHighest)
	}

	var bid *schema.Bid
	for _, b := range active {
		if b.BidderAddress == bidder {
			bid = b
			break
		}
	}
	if bid != nil {
		bid.Amount = input.Amount
		bid.TxHash = input.TxHash
		bid.UpdatedAt = input.Now
	} else {
		f.nextBidID++
		bid = &schema.Bid{
			ID:            f.nextBidID,
			TokenID:       t.ID,
			BidderAddress: bidder,
			Amount:        input.Amount,
			Status:        schema.BidStatusActive,
			TxHash:        input.TxHash,
			CreatedAt:     input.Now,
			UpdatedAt:     input.Now,
		}
		f.bids[bid.ID] = bid
	}

	for _, b := range active {
		if b.ID == bid.ID || !b.Amount.LessThan(input.Amount) {
			continue
		}
		b.Status = schema.BidStatusOutbid
		b.UpdatedAt = input.Now
		result.OutbidIDs = append(result.OutbidIDs, b.ID)
	}
	sort.Slice(result.OutbidIDs, func(i, j int) bool { return result.OutbidIDs[i] < result.OutbidIDs[j] })

	cp := *bid
	result.Bid = &cp
	return result, nil
}

func (f *FakeStore) AcceptBid(ctx context.Context, input store.AcceptBidInput) (*store.AcceptBidResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bid, ok := f.bids[input.BidID]
	if !ok {
		return nil, domain.ErrBidNotFound
	}
	if bid.Status != schema.BidStatusActive {
		return nil, domain.NewConflictError("bid %d is %s, not ACTIVE", bid.ID, bid.Status)
	}

	t, ok := f.tokens[bid.TokenID]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}

	acceptor := domain.NormalizeAddress(input.AcceptedBy)
	if t.OwnerAddress == nil || *t.OwnerAddress != acceptor {
		return nil, domain.NewConflictError("address %s is not the current owner of token %d", acceptor, t.TokenNumber)
	}

	bid.Status = schema.BidStatusAccepted
	bid.UpdatedAt = input.Now

	result := &store.AcceptBidResult{}
	for _, b := range f.bids {
		if b.TokenID == t.ID && b.Status == schema.BidStatusActive && b.ID != bid.ID {
			b.Status = schema.BidStatusOutbid
			b.UpdatedAt = input.Now
			result.OutbidIDs = append(result.OutbidIDs, b.ID)
		}
	}
	sort.Slice(result.OutbidIDs, func(i, j int) bool { return result.OutbidIDs[i] < result.OutbidIDs[j] })

	bc := *bid
	tc := *t
	result.Bid = &bc
	result.Token = &tc
	return result, nil
}

func (f *FakeStore) TerminateBid(ctx context.Context, bidID int64, status schema.BidStatus, now time.Time) (*store.TerminateBidResult, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("status %s is not terminal", status)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	bid, ok := f.bids[bidID]
	if !ok {
		return nil, domain.ErrBidNotFound
	}

	result := &store.TerminateBidResult{}
	if bid.Status != schema.BidStatusActive {
		cp := *bid
		result.Bid = &cp
		return result, nil
	}

	bid.Status = status
	bid.UpdatedAt = now
	cp := *bid
	result.Bid = &cp
	result.Changed = true
	return result, nil
}

func (f *FakeStore) GetBidByID(ctx context.Context, bidID int64) (*schema.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bids[bidID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (f *FakeStore) GetHighestActiveBid(ctx context.Context, tokenID int64) (*schema.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var highest *schema.Bid
	for _, b := range f.bids {
		if b.TokenID != tokenID || b.Status != schema.BidStatusActive {
			continue
		}
		if highest == nil || b.Amount.GreaterThan(highest.Amount) {
			highest = b
		}
	}
	if highest == nil {
		return nil, nil
	}
	cp := *highest
	return &cp, nil
}

func (f *FakeStore) ListActiveBids(ctx context.Context, tokenID int64) ([]*schema.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.Bid
	for _, b := range f.bids {
		if b.TokenID == tokenID && b.Status == schema.BidStatusActive {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount.GreaterThan(out[j].Amount) })
	return out, nil
}

func (f *FakeStore) FindSelfBids(ctx context.Context) ([]store.SelfBidRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []store.SelfBidRow
	for _, b := range f.bids {
		if b.Status != schema.BidStatusActive {
			continue
		}
		t, ok := f.tokens[b.TokenID]
		if !ok || t.OwnerAddress == nil || *t.OwnerAddress != b.BidderAddress {
			continue
		}
		rows = append(rows, store.SelfBidRow{
			BidID:       b.ID,
			TokenID:     t.ID,
			TokenNumber: t.TokenNumber,
			Bidder:      b.BidderAddress,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].BidID < rows[j].BidID })
	return rows, nil
}

func (f *FakeStore) FindDuplicateAcceptedTokenIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[int64]int)
	for _, b := range f.bids {
		if b.Status == schema.BidStatusAccepted {
			counts[b.TokenID]++
		}
	}
	var out []int64
	for tokenID, n := range counts {
		if n > 1 {
			out = append(out, tokenID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *FakeStore) DemoteDuplicateAccepted(ctx context.Context, tokenID int64, now time.Time) (int64, []int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var accepted []*schema.Bid
	for _, b := range f.bids {
		if b.TokenID == tokenID && b.Status == schema.BidStatusAccepted {
			accepted = append(accepted, b)
		}
	}
	sort.Slice(accepted, func(i, j int) bool {
		if !accepted[i].UpdatedAt.Equal(accepted[j].UpdatedAt) {
			return accepted[i].UpdatedAt.After(accepted[j].UpdatedAt)
		}
		return accepted[i].ID > accepted[j].ID
	})

	if len(accepted) == 0 {
		return 0, nil, nil
	}
	if len(accepted) == 1 {
		return accepted[0].ID, nil, nil
	}

	var demoted []int64
	for _, b := range accepted[1:] {
		b.Status = schema.BidStatusOutbid
		b.UpdatedAt = now
		demoted = append(demoted, b.ID)
	}
	return accepted[0].ID, demoted, nil
}

func (f *FakeStore) CreateAuditEvent(ctx context.Context, event *schema.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAuditWrites {
		return fmt.Errorf("audit store unavailable")
	}
	f.nextAuditID++
	event.ID = f.nextAuditID
	e := *event
	f.audits = append(f.audits, &e)
	return nil
}

func (f *FakeStore) ListAuditEventsByToken(ctx context.Context, tokenID int64, limit, offset int) ([]*schema.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*schema.AuditEvent
	for _, e := range f.audits {
		if e.TokenID != nil && *e.TokenID == tokenID {
			matched = append(matched, e)
		}
	}
	return pageNewestFirst(matched, limit, offset), nil
}

func (f *FakeStore) ListAuditEventsByAddress(ctx context.Context, address string, limit, offset int) ([]*schema.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	normalized := domain.NormalizeAddress(address)
	var matched []*schema.AuditEvent
	for _, e := range f.audits {
		if (e.ActorAddress != nil && *e.ActorAddress == normalized) ||
			(e.CounterpartyAddress != nil && *e.CounterpartyAddress == normalized) {
			matched = append(matched, e)
		}
	}
	return pageNewestFirst(matched, limit, offset), nil
}

func (f *FakeStore) GetBlockCursor(ctx context.Context, name string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[name], nil
}

func (f *FakeStore) SetBlockCursor(ctx context.Context, name string, blockNumber uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[name] = blockNumber
	return nil
}

// AuditEvents returns a snapshot of every recorded audit event, oldest first.
func (f *FakeStore) AuditEvents() []*schema.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*schema.AuditEvent, 0, len(f.audits))
	for _, e := range f.audits {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// AuditEventsOfType filters recorded audit events by type.
func (f *FakeStore) AuditEventsOfType(t schema.AuditEventType) []*schema.AuditEvent {
	var out []*schema.AuditEvent
	for _, e := range f.AuditEvents() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// BidStatus returns the current status of a bid, for assertions.
func (f *FakeStore) BidStatus(bidID int64) schema.BidStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bids[bidID]
	if !ok {
		return ""
	}
	return b.Status
}

// SeedToken inserts a token with the given owner and returns it.
func (f *FakeStore) SeedToken(tokenNumber uint64, collectionID int64, owner string, listed bool) *schema.Token {
	now := time.Now()
	normalized := domain.NormalizeAddress(owner)
	token := &schema.Token{
		TokenNumber:  tokenNumber,
		CollectionID: collectionID,
		IsListed:     listed,
		Synced:       true,
		LastSyncedAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if owner != "" {
		token.OwnerAddress = &normalized
	}
	if err := f.CreateToken(context.Background(), token); err != nil {
		panic(err)
	}
	return token
}

// SeedBid inserts a bid directly, bypassing admission checks.
func (f *FakeStore) SeedBid(tokenID int64, bidder string, amount decimal.Decimal, status schema.BidStatus, updatedAt time.Time) *schema.Bid {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBidID++
	bid := &schema.Bid{
		ID:            f.nextBidID,
		TokenID:       tokenID,
		BidderAddress: domain.NormalizeAddress(bidder),
		Amount:        amount,
		Status:        status,
		CreatedAt:     updatedAt,
		UpdatedAt:     updatedAt,
	}
	f.bids[bid.ID] = bid
	cp := *bid
	return &cp
}

func pageNewestFirst(events []*schema.AuditEvent, limit, offset int) []*schema.AuditEvent {
	sorted := make([]*schema.AuditEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	if offset >= len(sorted) {
		return nil
	}
	sorted = sorted[offset:]
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}

	out := make([]*schema.AuditEvent, 0, len(sorted))
	for _, e := range sorted {
		cp := *e
		out = append(out, &cp)
	}
	return out
}
