package bidding_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/25RMD/platz-bidcore/internal/audit"
	"github.com/25RMD/platz-bidcore/internal/bidding"
	"github.com/25RMD/platz-bidcore/internal/config"
	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/logger"
	"github.com/25RMD/platz-bidcore/internal/messaging"
	"github.com/25RMD/platz-bidcore/internal/mocks"
	"github.com/25RMD/platz-bidcore/internal/store/schema"
	"github.com/25RMD/platz-bidcore/internal/store/storetest"
)

const (
	ownerAddr    = "0x00000000000000000000000000000000000000aa"
	aliceAddr    = "0x00000000000000000000000000000000000000a1"
	bobAddr      = "0x00000000000000000000000000000000000000b2"
	strangerAddr = "0x00000000000000000000000000000000000000cc"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

// fakeOracle answers CurrentOwner from a fixed map and fails for unknown tokens.
type fakeOracle struct {
	owners map[uint64]string
	err    error
	calls  int
}

func (f *fakeOracle) CurrentOwner(ctx context.Context, tokenNumber uint64) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	owner, ok := f.owners[tokenNumber]
	if !ok {
		return "", domain.ErrTokenNotFound
	}
	return domain.NormalizeAddress(owner), nil
}

func (f *fakeOracle) ScanTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]domain.TransferEvent, []domain.BlockRange, error) {
	return nil, nil, nil
}

func (f *fakeOracle) LatestBlock(ctx context.Context) (uint64, error) {
	return 0, nil
}

type engineFixture struct {
	store  *storetest.FakeStore
	oracle *fakeOracle
	engine *bidding.Engine
	now    time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	ctrl := gomock.NewController(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := mocks.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(now).AnyTimes()
	clock.EXPECT().Since(gomock.Any()).DoAndReturn(func(t time.Time) time.Duration {
		return now.Sub(t)
	}).AnyTimes()

	fs := storetest.New()
	fo := &fakeOracle{owners: map[uint64]string{}}

	policy := config.BiddingConfig{
		FloorPrice:          decimal.RequireFromString("0.001"),
		IncrementPercentage: decimal.RequireFromString("0.05"),
		StalenessWindow:     10 * time.Minute,
	}

	engine := bidding.NewEngine(fs, fo, audit.New(fs), messaging.NoopPublisher{}, policy, clock)

	return &engineFixture{store: fs, oracle: fo, engine: engine, now: now}
}

func (fx *engineFixture) seedListedToken(tokenNumber uint64, owner string) *schema.Token {
	token := fx.store.SeedToken(tokenNumber, 1, owner, true)
	// Keep the cache fresh so PlaceBid skips the lazy ledger refresh.
	_ = fx.store.MarkTokenSynced(context.Background(), token.ID, 100, fx.now)
	fx.oracle.owners[tokenNumber] = domain.NormalizeAddress(owner)
	return token
}

func TestPlaceBid_FirstBidAtFloor(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusActive, bid.Status)
	assert.Equal(t, aliceAddr, bid.BidderAddress)

	placed := fx.store.AuditEventsOfType(schema.AuditBidPlaced)
	require.Len(t, placed, 1)
}

func TestPlaceBid_HigherBidOutbidsPrevious(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	first, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	// 0.004 * 1.05 = 0.0042: exactly the minimum is admissible.
	second, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.0042"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusActive, second.Status)
	assert.Equal(t, schema.BidStatusOutbid, fx.store.BidStatus(first.ID))
}

func TestPlaceBid_BelowIncrementRejectedWithGuidance(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	_, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	_, err = fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.0041"),
	})
	require.Error(t, err)

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonInsufficientIncrement, ve.Reason)
	assert.True(t, ve.MinimumBid.Equal(decimal.RequireFromString("0.0042")))
	require.NotNil(t, ve.CurrentHighest)
	assert.True(t, ve.CurrentHighest.Equal(decimal.RequireFromString("0.004")))

	failures := fx.store.AuditEventsOfType(schema.AuditValidationFailure)
	require.Len(t, failures, 1)
}

func TestPlaceBid_OwnerCannotBidOnOwnToken(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	_, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: ownerAddr,
		Amount:        decimal.RequireFromString("0.005"),
	})
	require.Error(t, err)

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonSelfBid, ve.Reason)
}

func TestPlaceBid_NonPositiveAmount(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	for _, amount := range []string{"0", "-1"} {
		_, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
			TokenNumber:   104,
			BidderAddress: aliceAddr,
			Amount:        decimal.RequireFromString(amount),
		})
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, domain.ReasonNonPositiveAmount, ve.Reason)
	}
}

func TestPlaceBid_UnknownToken(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   999,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonTokenNotFound, ve.Reason)
}

func TestPlaceBid_SameBidderUpdatesInPlace(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	first, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	raised, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.006"),
	})
	require.NoError(t, err)

	// Same row, raised amount: no second ACTIVE bid for the same bidder.
	assert.Equal(t, first.ID, raised.ID)
	active, err := fx.store.ListActiveBids(context.Background(), first.TokenID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPlaceBid_StaleCacheRefreshesOwnerAndRejectsNewOwnerSelfBid(t *testing.T) {
	fx := newEngineFixture(t)
	token := fx.seedListedToken(104, ownerAddr)

	// The token moved to alice on chain but the cache still names the old
	// owner and is stale.
	fx.oracle.owners[104] = aliceAddr
	require.NoError(t, fx.store.MarkTokenUnsynced(context.Background(), token.ID))

	_, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.Error(t, err)

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonSelfBid, ve.Reason)
	assert.Equal(t, 1, fx.oracle.calls)

	// A known owner moving to a different address is a transfer.
	assert.Len(t, fx.store.AuditEventsOfType(schema.AuditOwnershipTransfer), 1)
	assert.Empty(t, fx.store.AuditEventsOfType(schema.AuditOwnershipSync))
}

func TestPlaceBid_StaleCacheFirstObservationRecordsSync(t *testing.T) {
	fx := newEngineFixture(t)

	// The cache knows the token but never learned its owner.
	token := fx.store.SeedToken(104, 1, "", true)
	require.NoError(t, fx.store.MarkTokenUnsynced(context.Background(), token.ID))
	fx.oracle.owners[104] = ownerAddr

	_, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	assert.Len(t, fx.store.AuditEventsOfType(schema.AuditOwnershipSync), 1)
	assert.Empty(t, fx.store.AuditEventsOfType(schema.AuditOwnershipTransfer))
}

func TestAcceptBid_HappyPath(t *testing.T) {
	fx := newEngineFixture(t)
	token := fx.seedListedToken(104, ownerAddr)

	winning, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.0042"),
	})
	require.NoError(t, err)
	losing := fx.store.SeedBid(token.ID, aliceAddr, decimal.RequireFromString("0.004"), schema.BidStatusActive, fx.now)

	accepted, err := fx.engine.AcceptBid(context.Background(), winning.ID, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusAccepted, accepted.Status)
	assert.Equal(t, schema.BidStatusOutbid, fx.store.BidStatus(losing.ID))

	events := fx.store.AuditEventsOfType(schema.AuditBidAccepted)
	require.Len(t, events, 1)
}

func TestAcceptBid_NonOwnerConflicts(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	_, err = fx.engine.AcceptBid(context.Background(), bid.ID, strangerAddr)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	// The bid must survive untouched and no acceptance may be recorded.
	assert.Equal(t, schema.BidStatusActive, fx.store.BidStatus(bid.ID))
	assert.Empty(t, fx.store.AuditEventsOfType(schema.AuditBidAccepted))
	assert.NotEmpty(t, fx.store.AuditEventsOfType(schema.AuditValidationFailure))
}

func TestAcceptBid_OwnershipMovedSinceCaching(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	// Token moved on chain; the previous owner's acceptance must fail even
	// though the cache still lists them.
	fx.oracle.owners[104] = aliceAddr

	_, err = fx.engine.AcceptBid(context.Background(), bid.ID, ownerAddr)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
	assert.Equal(t, schema.BidStatusActive, fx.store.BidStatus(bid.ID))
}

func TestAcceptBid_LedgerUnreachableBlocksAcceptance(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	fx.oracle.err = &domain.RPCError{Op: "ownerOf", Provider: "primary", Err: errors.New("connection refused")}

	_, err = fx.engine.AcceptBid(context.Background(), bid.ID, ownerAddr)
	require.Error(t, err)
	assert.True(t, domain.IsRPC(err))
	assert.Equal(t, schema.BidStatusActive, fx.store.BidStatus(bid.ID))
}

func TestAcceptBid_AlreadyTerminalConflicts(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	_, err = fx.engine.AcceptBid(context.Background(), bid.ID, ownerAddr)
	require.NoError(t, err)

	_, err = fx.engine.AcceptBid(context.Background(), bid.ID, ownerAddr)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestWithdrawBid_IdempotentForBidder(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	withdrawn, err := fx.engine.WithdrawBid(context.Background(), bid.ID, bobAddr)
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusWithdrawn, withdrawn.Status)

	// A repeated withdrawal reports the terminal state without error and
	// without a second audit event.
	again, err := fx.engine.WithdrawBid(context.Background(), bid.ID, bobAddr)
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusWithdrawn, again.Status)
	assert.Len(t, fx.store.AuditEventsOfType(schema.AuditBidWithdrawn), 1)
}

func TestWithdrawBid_OnlyOwnBid(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	_, err = fx.engine.WithdrawBid(context.Background(), bid.ID, aliceAddr)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestRejectBid_OnlyCurrentOwner(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	_, err = fx.engine.RejectBid(context.Background(), bid.ID, strangerAddr)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
	assert.Equal(t, schema.BidStatusActive, fx.store.BidStatus(bid.ID))

	rejected, err := fx.engine.RejectBid(context.Background(), bid.ID, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusRejected, rejected.Status)
	assert.Len(t, fx.store.AuditEventsOfType(schema.AuditBidRejected), 1)
}

func TestCancelBid_Idempotent(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: bobAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	cancelled, err := fx.engine.CancelBid(context.Background(), bid.ID, "ownership change")
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusCancelled, cancelled.Status)

	again, err := fx.engine.CancelBid(context.Background(), bid.ID, "ownership change")
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusCancelled, again.Status)
	assert.Len(t, fx.store.AuditEventsOfType(schema.AuditBidCancelled), 1)
}

func TestGetBidInfo_NoBids(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	info, err := fx.engine.GetBidInfo(context.Background(), 104)
	require.NoError(t, err)
	assert.False(t, info.HasActiveBid)
	assert.Nil(t, info.CurrentBid)
	assert.True(t, info.MinimumBid.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, info.Synced)
}

func TestGetBidInfo_WithHighestBid(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)

	_, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)

	info, err := fx.engine.GetBidInfo(context.Background(), 104)
	require.NoError(t, err)
	assert.True(t, info.HasActiveBid)
	require.NotNil(t, info.CurrentBid)
	assert.True(t, info.CurrentBid.Equal(decimal.RequireFromString("0.004")))
	assert.True(t, info.MinimumBid.Equal(decimal.RequireFromString("0.0042")))
}

func TestGetBidInfo_FlagsStaleToken(t *testing.T) {
	fx := newEngineFixture(t)
	token := fx.seedListedToken(104, ownerAddr)
	require.NoError(t, fx.store.MarkTokenUnsynced(context.Background(), token.ID))

	info, err := fx.engine.GetBidInfo(context.Background(), 104)
	require.NoError(t, err)
	assert.False(t, info.Synced)
}

func TestPlaceBid_AuditFailureDoesNotFailOperation(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedListedToken(104, ownerAddr)
	fx.store.FailAuditWrites = true

	bid, err := fx.engine.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		TokenNumber:   104,
		BidderAddress: aliceAddr,
		Amount:        decimal.RequireFromString("0.004"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusActive, bid.Status)
}
