package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/store/schema"
)

var (
	testDB      *gorm.DB
	pgContainer *postgres.PostgresContainer
)

// TestMain sets up the test database before running tests
func TestMain(m *testing.M) {
	ctx := context.Background()

	// Check if we should use an external database (for CI or local development)
	dbHost := os.Getenv("TEST_DB_HOST")

	var dsn string
	var err error

	if dbHost != "" {
		dbPort := os.Getenv("TEST_DB_PORT")
		dbUser := os.Getenv("TEST_DB_USER")
		dbPassword := os.Getenv("TEST_DB_PASSWORD")
		dbName := os.Getenv("TEST_DB_NAME")
		if dbPort == "" {
			dbPort = "5432"
		}
		if dbUser == "" {
			dbUser = "postgres"
		}
		if dbPassword == "" {
			dbPassword = "postgres"
		}
		if dbName == "" {
			dbName = "test_db"
		}

		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			dbHost, dbPort, dbUser, dbPassword, dbName)
	} else {
		// Start a PostgreSQL container for testing
		pgContainer, err = postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("test_db"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			fmt.Printf("Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			terminateContainer(ctx)
			os.Exit(1)
		}
	}

	testDB, err = gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		terminateContainer(ctx)
		os.Exit(1)
	}

	if err := Migrate(testDB); err != nil {
		fmt.Printf("Failed to migrate database: %v\n", err)
		terminateContainer(ctx)
		os.Exit(1)
	}

	code := m.Run()

	terminateContainer(ctx)
	os.Exit(code)
}

func terminateContainer(ctx context.Context) {
	if pgContainer != nil {
		if err := pgContainer.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	}
}

// initPGTestDB returns a store isolated in a transaction that is rolled back
// when the test finishes.
func initPGTestDB(t *testing.T) Store {
	tx := testDB.Begin()
	require.NotNil(t, tx)
	require.NoError(t, tx.Error)

	t.Cleanup(func() {
		tx.Rollback()
	})

	return NewPGStore(tx)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var tokenSeq uint64 = 1000

func nextTokenNumber() uint64 {
	tokenSeq++
	return tokenSeq
}

func seedToken(t *testing.T, s Store, owner string) *schema.Token {
	ctx := context.Background()

	collection := &schema.Collection{
		Name:           "Parcel Series A",
		CreatorAddress: "0x00000000000000000000000000000000000000c0",
		DeclaredSize:   100,
	}
	require.NoError(t, s.CreateCollection(ctx, collection))

	now := time.Now().UTC()
	token := &schema.Token{
		TokenNumber:  nextTokenNumber(),
		CollectionID: collection.ID,
		IsListed:     true,
		Synced:       true,
		LastSyncedAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if owner != "" {
		normalized := domain.NormalizeAddress(owner)
		token.OwnerAddress = &normalized
	}
	require.NoError(t, s.CreateToken(ctx, token))
	return token
}

func placeBid(t *testing.T, s Store, tokenID int64, bidder, amount string) *PlaceBidResult {
	result, err := s.PlaceBid(context.Background(), PlaceBidInput{
		TokenID:       tokenID,
		BidderAddress: bidder,
		Amount:        dec(amount),
		FloorPrice:    dec("0.001"),
		IncrementPct:  dec("0.05"),
		Now:           time.Now().UTC(),
	})
	require.NoError(t, err)
	return result
}

const (
	owner1 = "0x00000000000000000000000000000000000000aa"
	alice  = "0x00000000000000000000000000000000000000a1"
	bob    = "0x00000000000000000000000000000000000000b2"
	carol  = "0x00000000000000000000000000000000000000c3"
)

func TestPlaceBid_FirstBidMeetsFloor(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)

	result := placeBid(t, s, token.ID, alice, "0.001")
	assert.Equal(t, schema.BidStatusActive, result.Bid.Status)
	assert.Nil(t, result.PreviousHighest)
	assert.Empty(t, result.OutbidIDs)
}

func TestPlaceBid_BelowFloorRejected(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)

	_, err := s.PlaceBid(context.Background(), PlaceBidInput{
		TokenID:       token.ID,
		BidderAddress: alice,
		Amount:        dec("0.0009"),
		FloorPrice:    dec("0.001"),
		IncrementPct:  dec("0.05"),
		Now:           time.Now().UTC(),
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonInsufficientIncrement, ve.Reason)
	assert.True(t, ve.MinimumBid.Equal(dec("0.001")))
}

func TestPlaceBid_SelfBidRejectedAgainstCachedOwner(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)

	_, err := s.PlaceBid(context.Background(), PlaceBidInput{
		TokenID:       token.ID,
		BidderAddress: owner1,
		Amount:        dec("0.01"),
		FloorPrice:    dec("0.001"),
		IncrementPct:  dec("0.05"),
		Now:           time.Now().UTC(),
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonSelfBid, ve.Reason)
}

func TestPlaceBid_OutbidCascadeIsAtomic(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)
	ctx := context.Background()

	first := placeBid(t, s, token.ID, alice, "0.004")
	second := placeBid(t, s, token.ID, bob, "0.0042")

	assert.Equal(t, []int64{first.Bid.ID}, second.OutbidIDs)
	require.NotNil(t, second.PreviousHighest)
	assert.True(t, second.PreviousHighest.Equal(dec("0.004")))

	// Exactly one ACTIVE bid remains and it is the new one.
	active, err := s.ListActiveBids(ctx, token.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.Bid.ID, active[0].ID)

	demoted, err := s.GetBidByID(ctx, first.Bid.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusOutbid, demoted.Status)
}

func TestPlaceBid_SameBidderRaisesInPlace(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)

	first := placeBid(t, s, token.ID, alice, "0.004")
	raised := placeBid(t, s, token.ID, alice, "0.006")

	assert.Equal(t, first.Bid.ID, raised.Bid.ID)
	assert.True(t, raised.Bid.Amount.Equal(dec("0.006")))

	active, err := s.ListActiveBids(context.Background(), token.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPlaceBid_OwnBidDoesNotSetOwnMinimum(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)

	placeBid(t, s, token.ID, alice, "0.01")

	// Alice may lower her own bid as long as it clears the floor; her
	// previous amount does not bind her.
	raised := placeBid(t, s, token.ID, alice, "0.002")
	assert.True(t, raised.Bid.Amount.Equal(dec("0.002")))
}

func TestAcceptBid_ExactlyOneAccepted(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)
	ctx := context.Background()

	losing := placeBid(t, s, token.ID, alice, "0.004")
	winning := placeBid(t, s, token.ID, bob, "0.0042")

	result, err := s.AcceptBid(ctx, AcceptBidInput{
		BidID:      winning.Bid.ID,
		AcceptedBy: owner1,
		Now:        time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusAccepted, result.Bid.Status)

	// The losing bid was already OUTBID by the cascade; no ACTIVE bids left.
	active, err := s.ListActiveBids(ctx, token.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	loser, err := s.GetBidByID(ctx, losing.Bid.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusOutbid, loser.Status)
}

func TestAcceptBid_NonOwnerConflicts(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)

	bid := placeBid(t, s, token.ID, alice, "0.004")

	_, err := s.AcceptBid(context.Background(), AcceptBidInput{
		BidID:      bid.Bid.ID,
		AcceptedBy: carol,
		Now:        time.Now().UTC(),
	})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	survivor, gerr := s.GetBidByID(context.Background(), bid.Bid.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schema.BidStatusActive, survivor.Status)
}

func TestAcceptBid_TerminalBidConflicts(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)

	bid := placeBid(t, s, token.ID, alice, "0.004")
	_, err := s.TerminateBid(context.Background(), bid.Bid.ID, schema.BidStatusWithdrawn, time.Now().UTC())
	require.NoError(t, err)

	_, err = s.AcceptBid(context.Background(), AcceptBidInput{
		BidID:      bid.Bid.ID,
		AcceptedBy: owner1,
		Now:        time.Now().UTC(),
	})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestTerminateBid_Idempotent(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)

	bid := placeBid(t, s, token.ID, alice, "0.004")

	first, err := s.TerminateBid(context.Background(), bid.Bid.ID, schema.BidStatusCancelled, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, first.Changed)

	second, err := s.TerminateBid(context.Background(), bid.Bid.ID, schema.BidStatusCancelled, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, schema.BidStatusCancelled, second.Bid.Status)
}

func TestTerminateBid_RejectsNonTerminalStatus(t *testing.T) {
	s := initPGTestDB(t)
	_, err := s.TerminateBid(context.Background(), 1, schema.BidStatusActive, time.Now().UTC())
	assert.Error(t, err)
}

func TestUpdateTokenOwner_CancelsNewSelfBids(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)
	ctx := context.Background()

	bid := placeBid(t, s, token.ID, alice, "0.004")

	result, err := s.UpdateTokenOwner(ctx, UpdateTokenOwnerInput{
		TokenID:     token.ID,
		NewOwner:    alice,
		BlockNumber: 123,
		SyncedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NotNil(t, result.OldOwner)
	assert.Equal(t, owner1, *result.OldOwner)
	assert.Equal(t, []int64{bid.Bid.ID}, result.CancelledBidIDs)

	fresh, err := s.GetTokenByID(ctx, token.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.OwnerAddress)
	assert.Equal(t, alice, *fresh.OwnerAddress)
	assert.Equal(t, uint64(123), fresh.LastSyncedBlock)
	assert.True(t, fresh.Synced)

	cancelled, err := s.GetBidByID(ctx, bid.Bid.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.BidStatusCancelled, cancelled.Status)
}

func TestFindSelfBids(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)
	ctx := context.Background()

	bid := placeBid(t, s, token.ID, alice, "0.004")

	// Flip the owner without the cancellation cascade to simulate drift left
	// behind by an older write path.
	normalized := domain.NormalizeAddress(alice)
	pg := s.(*pgStore)
	require.NoError(t, pg.db.Model(&schema.Token{}).
		Where("id = ?", token.ID).
		Update("owner_address", normalized).Error)

	rows, err := s.FindSelfBids(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, bid.Bid.ID, rows[0].BidID)
	assert.Equal(t, token.ID, rows[0].TokenID)
	assert.Equal(t, normalized, rows[0].Bidder)
}

func TestDuplicateAccepted_DetectionAndDemotion(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)
	ctx := context.Background()
	pg := s.(*pgStore)

	now := time.Now().UTC()
	older := &schema.Bid{TokenID: token.ID, BidderAddress: alice, Amount: dec("0.004"),
		Status: schema.BidStatusAccepted, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Hour)}
	newer := &schema.Bid{TokenID: token.ID, BidderAddress: bob, Amount: dec("0.005"),
		Status: schema.BidStatusAccepted, CreatedAt: now.Add(-time.Hour), UpdatedAt: now}
	require.NoError(t, pg.db.Create(older).Error)
	require.NoError(t, pg.db.Create(newer).Error)

	tokenIDs, err := s.FindDuplicateAcceptedTokenIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{token.ID}, tokenIDs)

	keptID, demoted, err := s.DemoteDuplicateAccepted(ctx, token.ID, now)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, keptID)
	assert.Equal(t, []int64{older.ID}, demoted)

	// A second pass finds nothing left to fix.
	tokenIDs, err = s.FindDuplicateAcceptedTokenIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, tokenIDs)
}

func TestAuditEvents_NewestFirstPagination(t *testing.T) {
	s := initPGTestDB(t)
	token := seedToken(t, s, owner1)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		actor := domain.NormalizeAddress(alice)
		require.NoError(t, s.CreateAuditEvent(ctx, &schema.AuditEvent{
			EventID:      fmt.Sprintf("event-%d", i),
			EventType:    schema.AuditBidPlaced,
			TokenID:      &token.ID,
			ActorAddress: &actor,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, err := s.ListAuditEventsByToken(ctx, token.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "event-4", page1[0].EventID)
	assert.Equal(t, "event-3", page1[1].EventID)

	page2, err := s.ListAuditEventsByToken(ctx, token.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "event-2", page2[0].EventID)

	byAddress, err := s.ListAuditEventsByAddress(ctx, alice, 10, 0)
	require.NoError(t, err)
	assert.Len(t, byAddress, 5)
}

func TestBlockCursor_RoundTrip(t *testing.T) {
	s := initPGTestDB(t)
	ctx := context.Background()

	cursor, err := s.GetBlockCursor(ctx, "transfer_scan")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)

	require.NoError(t, s.SetBlockCursor(ctx, "transfer_scan", 12345))
	require.NoError(t, s.SetBlockCursor(ctx, "transfer_scan", 23456))

	cursor, err = s.GetBlockCursor(ctx, "transfer_scan")
	require.NoError(t, err)
	assert.Equal(t, uint64(23456), cursor)
}

// TestPlaceBid_ConcurrentAdmission runs two competing placeBid calls against
// the shared database (not a per-test transaction) and verifies the row locks
// serialize them: both succeed in some order and the loser ends OUTBID, or
// one is rejected for an insufficient increment. Either way exactly one
// ACTIVE bid survives.
func TestPlaceBid_ConcurrentAdmission(t *testing.T) {
	s := NewPGStore(testDB)
	ctx := context.Background()

	token := seedToken(t, s, owner1)
	t.Cleanup(func() {
		testDB.Where("token_id = ?", token.ID).Delete(&schema.Bid{})
		testDB.Delete(&schema.Token{}, token.ID)
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	bidders := []string{alice, bob}
	amounts := []string{"0.004", "0.0042"}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.PlaceBid(ctx, PlaceBidInput{
				TokenID:       token.ID,
				BidderAddress: bidders[i],
				Amount:        dec(amounts[i]),
				FloorPrice:    dec("0.001"),
				IncrementPct:  dec("0.05"),
				Now:           time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.True(t, domain.IsValidation(err), "unexpected error: %v", err)
		}
	}

	active, err := s.ListActiveBids(ctx, token.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
