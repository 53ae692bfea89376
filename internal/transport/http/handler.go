package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/model"
	"github.com/moltbank/teller-service/internal/repo"
	"github.com/moltbank/teller-service/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, queue *service.QueueService, referral *service.ReferralService, cfg *config.Config) {
	r.POST("/account/open", accountOpenHandler(queue, referral, cfg))
	r.POST("/gas-bundle", gasBundleHandler(queue, cfg))
	r.GET("/queue/status", queueStatusHandler(queue, cfg))
	r.GET("/health", healthHandler(cfg))
}

type openReq struct {
	AgentID      string `json:"agent_id"`
	PaymentTx    string `json:"payment_tx"`
	ReferralCode string `json:"referral_code"`
}

// send402 answers the x402 payment-required contract: machine-readable
// headers plus a JSON payment instruction body.
func send402(c *gin.Context, cfg *config.Config, amount fmt.Stringer, description string) {
	c.Header("X-Payment-Required", "true")
	c.Header("X-Payment-Chain", "BASE")
	c.Header("X-Payment-Token", "USDC")
	c.Header("X-Payment-Amount", amount.String())
	c.Header("X-Payment-Address", cfg.Chain.SafeAddress)
	c.Header("X-Payment-Description", description)
	c.JSON(http.StatusPaymentRequired, gin.H{
		"error": "payment_required",
		"payment": gin.H{
			"chain":       "BASE",
			"token":       "USDC",
			"contract":    cfg.Chain.USDCContract,
			"amount":      amount.String(),
			"recipient":   cfg.Chain.SafeAddress,
			"description": description,
		},
		"instructions": fmt.Sprintf(
			"Send %s USDC to %s on BASE. Include your agent ID in the request after payment.",
			amount, cfg.Chain.SafeAddress),
	})
}

func tierDescription(cfg *config.Config, tier config.TierConfig) string {
	chains := int64(len(cfg.GasBundle.Chains))
	parts := []string{
		fmt.Sprintf("%s account: settlement wallet, %d chain addresses (%s), $%s base gas",
			tier.Name, chains,
			strings.Join(cfg.GasBundle.Chains, ", "), tier.BaseGasAmount()),
	}
	if tier.PerChainGas > 0 {
		parts = append(parts, fmt.Sprintf("$%s gas bundle (%d chains), priority queue",
			tier.PerChainAmount().Mul(decimal.NewFromInt(chains)), chains))
	}
	if tier.NFTEntitled {
		parts = append(parts, "NFT entitlement")
	}
	return strings.Join(parts, ", ")
}

func accountOpenHandler(queue *service.QueueService, referral *service.ReferralService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		tierName := c.DefaultQuery("tier", model.TierRegular)
		tier, ok := cfg.TierByName(tierName)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid tier %q", tierName)})
			return
		}

		var req openReq
		if err := c.ShouldBindJSON(&req); err != nil {
			req = openReq{} // empty or malformed body falls through to 402
		}

		if req.PaymentTx == "" {
			send402(c, cfg, tier.PriceAmount(), tierDescription(cfg, tier))
			return
		}
		if req.AgentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing agent_id"})
			return
		}

		// An invalid referral code is dropped silently; provisioning goes on
		// without the reward.
		var code *string
		if req.ReferralCode != "" && referral.Validate(c, req.ReferralCode, req.AgentID) != nil {
			code = &req.ReferralCode
		}

		entry, err := queue.Insert(c, service.InsertParams{
			PaymentRef:   req.PaymentTx,
			AgentID:      req.AgentID,
			Tier:         tier.Name,
			Amount:       tier.PriceAmount(),
			ReferralCode: code,
		})
		if err != nil {
			if errors.Is(err, repo.ErrPaymentProcessed) {
				c.JSON(http.StatusConflict, gin.H{"error": "Payment already processed", "payment_tx": req.PaymentTx})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		stats, err := queue.Stats(c)
		if err != nil {
			stats = service.QueueStats{}
		}
		ahead := stats.Pending - 1
		if ahead < 0 {
			ahead = 0
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status":                 "queued",
			"tier":                   tier.Name,
			"position":               entry.Position,
			"agents_ahead":           ahead,
			"estimated_wait_minutes": queue.EstimatedWaitMinutes(ahead),
			"includes":               tierIncludes(cfg, tier),
			"message": fmt.Sprintf(
				"Account queued at position %d. You will receive your wallet details once processed.",
				entry.Position),
		})
	}
}

func tierIncludes(cfg *config.Config, tier config.TierConfig) gin.H {
	includes := gin.H{"base_gas": "$" + tier.BaseGasAmount().String()}
	if tier.PerChainGas > 0 {
		bundle := make([]string, 0, len(cfg.GasBundle.Chains))
		for _, ch := range cfg.GasBundle.Chains {
			bundle = append(bundle, fmt.Sprintf("$%s %s", tier.PerChainAmount(), ch))
		}
		includes["gas_bundle"] = bundle
		includes["priority_queue"] = true
	}
	if tier.NFTEntitled {
		includes["nft_entitlement"] = true
	}
	return includes
}

func gasBundleHandler(queue *service.QueueService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req openReq
		if err := c.ShouldBindJSON(&req); err != nil {
			req = openReq{}
		}

		if req.PaymentTx == "" {
			desc := fmt.Sprintf("Gas Bundle: $%s of gas on each of %s",
				cfg.GasBundle.PerChainAmount(), strings.Join(cfg.GasBundle.Chains, ", "))
			send402(c, cfg, cfg.GasBundle.PriceAmount(), desc)
			return
		}
		if req.AgentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing agent_id"})
			return
		}

		entry, err := queue.Insert(c, service.InsertParams{
			PaymentRef: req.PaymentTx,
			AgentID:    req.AgentID,
			Tier:       model.TierGasBundle,
			Amount:     cfg.GasBundle.PriceAmount(),
		})
		if err != nil {
			if errors.Is(err, repo.ErrPaymentProcessed) {
				c.JSON(http.StatusConflict, gin.H{"error": "Payment already processed", "payment_tx": req.PaymentTx})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status":    "queued",
			"type":      model.TierGasBundle,
			"position":  entry.Position,
			"chains":    cfg.GasBundle.Chains,
			"per_chain": "$" + cfg.GasBundle.PerChainAmount().String(),
			"message":   "Gas bundle queued for delivery.",
		})
	}
}

func queueStatusHandler(queue *service.QueueService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := queue.CachedStats(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		pricing := gin.H{"gas_bundle": cfg.GasBundle.PriceAmount().String() + " USDC"}
		for _, t := range cfg.Tiers {
			pricing[t.Name+"_account"] = t.PriceAmount().String() + " USDC"
		}

		c.JSON(http.StatusOK, gin.H{
			"queue_length":           stats.Pending,
			"total_processed":        stats.Completed,
			"cooldown_seconds":       cfg.Teller.CooldownSeconds,
			"estimated_wait_minutes": queue.EstimatedWaitMinutes(stats.Pending),
			"pricing":                pricing,
			"supported_chains":       cfg.GasBundle.Chains,
		})
	}
}

func healthHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    model.HealthOnline,
			"agent":     cfg.Teller.AgentName,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
