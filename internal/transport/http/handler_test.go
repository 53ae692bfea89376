package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/logger"
	"github.com/moltbank/teller-service/internal/model"
	"github.com/moltbank/teller-service/internal/repo"
	"github.com/moltbank/teller-service/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{RPS: 100, Burst: 100},
		Teller:    config.TellerConfig{AgentName: "test-teller", CooldownSeconds: 120},
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
		GasBundle: config.GasBundleConfig{Price: 15, PerChain: 2.5, Chains: []string{"BTC", "ETH", "XRP", "SOL", "BASE"}},
		Referral:  config.ReferralConfig{Percent: 0.10, Cap: 10, Points: map[string]int64{"regular": 100, "premium": 500, "vip": 1000}},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB, redismock.ClientMock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	rdb, mock := redismock.NewClientMock()
	log, err := logger.NewLogger()
	assert.NoError(t, err)

	cfg := testConfig()
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	queueSvc := service.NewQueueService(repository, cfg, log)
	referralSvc := service.NewReferralService(repository, cfg, log)
	return NewRouter(queueSvc, referralSvc, cfg, log), db, mock
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAccountOpen_PaymentRequired(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/account/open?tier=premium", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))
	assert.Equal(t, "50", w.Header().Get("X-Payment-Amount"))
	assert.Equal(t, "USDC", w.Header().Get("X-Payment-Token"))

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "payment_required", resp["error"])
}

func TestAccountOpen_InvalidTier(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/account/open?tier=platinum", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountOpen_MissingAgentID(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/account/open?tier=regular",
		map[string]string{"payment_tx": "0xabc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountOpen_QueuedThenConflict(t *testing.T) {
	router, db, _ := newTestRouter(t)

	body := map[string]string{"payment_tx": "0xabc", "agent_id": "agent-a"}
	w := doJSON(t, router, http.MethodPost, "/account/open?tier=vip", body)
	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Status      string `json:"status"`
		Tier        string `json:"tier"`
		Position    int64  `json:"position"`
		AgentsAhead int64  `json:"agents_ahead"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "vip", resp.Tier)
	assert.Equal(t, int64(1), resp.Position)
	assert.Equal(t, int64(0), resp.AgentsAhead)

	var entry model.QueueEntry
	assert.NoError(t, db.Where("payment_ref = ?", "0xabc").First(&entry).Error)
	assert.Equal(t, model.StatusPending, entry.Status)

	// duplicate payment ref, any agent or tier
	w = doJSON(t, router, http.MethodPost, "/account/open?tier=regular",
		map[string]string{"payment_tx": "0xabc", "agent_id": "agent-b"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGasBundle_PaymentRequiredAndQueue(t *testing.T) {
	router, db, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/gas-bundle", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "15", w.Header().Get("X-Payment-Amount"))

	w = doJSON(t, router, http.MethodPost, "/gas-bundle",
		map[string]string{"payment_tx": "0xdef", "agent_id": "agent-a"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	var entry model.QueueEntry
	assert.NoError(t, db.Where("payment_ref = ?", "0xdef").First(&entry).Error)
	assert.Equal(t, model.TierGasBundle, entry.Tier)

	w = doJSON(t, router, http.MethodPost, "/gas-bundle",
		map[string]string{"payment_tx": "0xdef", "agent_id": "agent-b"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestQueueStatus(t *testing.T) {
	router, _, mock := newTestRouter(t)
	mock.ExpectGet("queue:stats").RedisNil()
	mock.ExpectSet("queue:stats", "0:0", 30*time.Second).SetVal("OK")

	w := doJSON(t, router, http.MethodGet, "/queue/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(0), resp["queue_length"])
	assert.Equal(t, float64(120), resp["cooldown_seconds"])
	pricing, ok := resp["pricing"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "100 USDC", pricing["vip_account"])
	assert.Equal(t, "15 USDC", pricing["gas_bundle"])
}

func TestHealth(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "online", resp["status"])
	assert.Equal(t, "test-teller", resp["agent"])
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	r := gin.New()
	r.Use(RateLimitMiddleware(0, 1))
	r.GET("/health", healthHandler(cfg))

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
