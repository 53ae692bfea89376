package service

import (
	"testing"

	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/logger"
	"github.com/moltbank/teller-service/internal/model"
	"github.com/moltbank/teller-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// testConfig mirrors the production defaults with a zero cooldown so worker
// tests run without sleeping. Tiers are listed highest threshold first, the
// order config.Load guarantees.
func testConfig() *config.Config {
	return &config.Config{
		Teller: config.TellerConfig{
			AgentName:           "test-teller",
			PollIntervalSeconds: 15,
			CooldownSeconds:     0,
			LookbackBlocks:      50,
		},
		Chain: config.ChainConfig{
			SafeAddress:  "0x00000000000000000000000000000000000005af",
			USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			USDCDecimals: 6,
		},
		Tiers: []config.TierConfig{
			{Name: "vip", Price: 100, Threshold: 100, Rank: 3, BaseGas: 10, PerChainGas: 5, NFTEntitled: true},
			{Name: "premium", Price: 50, Threshold: 50, Rank: 2, BaseGas: 5, PerChainGas: 2.5, NFTEntitled: true},
			{Name: "regular", Price: 10, Threshold: 10, Rank: 1, BaseGas: 5},
		},
		GasBundle: config.GasBundleConfig{
			Price:    15,
			PerChain: 2.5,
			Chains:   []string{"BTC", "ETH", "XRP", "SOL", "BASE"},
		},
		Referral: config.ReferralConfig{
			Percent: 0.10,
			Cap:     2,
			Points:  map[string]int64{"regular": 100, "premium": 500, "vip": 1000},
		},
	}
}

type testEnv struct {
	db       *gorm.DB
	repo     *repo.Repository
	cfg      *config.Config
	queue    *QueueService
	referral *ReferralService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	// SQLite in-memory DB; a single pooled connection keeps concurrent
	// test goroutines serialized the way a real single-node postgres
	// serializes these short statements.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(
		&model.QueueEntry{}, &model.Account{}, &model.TransactionRecord{},
		&model.ReferralPayout{}, &model.LeaderboardEntry{},
		&model.AgentHealth{}, &model.OutboxEvent{},
	))

	log, err := logger.NewLogger()
	assert.NoError(t, err)

	cfg := testConfig()
	repository := repo.NewRepository(db, nil, &kafka.Writer{}, log)
	return &testEnv{
		db:       db,
		repo:     repository,
		cfg:      cfg,
		queue:    NewQueueService(repository, cfg, log),
		referral: NewReferralService(repository, cfg, log),
	}
}
