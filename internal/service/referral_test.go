package service

import (
	"context"
	"testing"

	"github.com/moltbank/teller-service/internal/model"
	"github.com/stretchr/testify/assert"
)

func seedAccount(t *testing.T, env *testEnv, agentID, code string, referrals int64) *model.Account {
	t.Helper()
	a := &model.Account{
		AgentID: agentID, Tier: model.TierRegular, Address: "nxt1" + agentID,
		ReferralCode: code, ReferralCount: referrals,
	}
	assert.NoError(t, env.db.Create(a).Error)
	return a
}

func TestReferral_ValidateUnknownCode(t *testing.T) {
	env := newTestEnv(t)
	assert.Nil(t, env.referral.Validate(context.Background(), "MB-NOBODY", "agent-x"))
}

func TestReferral_ValidateSelfReferral(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, "agent-a", "MB-SELF", 0)
	assert.Nil(t, env.referral.Validate(context.Background(), "MB-SELF", "agent-a"))
}

func TestReferral_ValidateCapReached(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, "agent-a", "MB-FULL", env.cfg.Referral.Cap)
	assert.Nil(t, env.referral.Validate(context.Background(), "MB-FULL", "agent-b"))
}

func TestReferral_ValidateOK(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, "agent-a", "MB-OK", env.cfg.Referral.Cap-1)
	got := env.referral.Validate(context.Background(), "MB-OK", "agent-b")
	assert.NotNil(t, got)
	assert.Equal(t, "agent-a", got.AgentID)
}

func TestReferral_RewardAccumulates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	referrer := seedAccount(t, env, "agent-a", "MB-ACC", 0)

	assert.NoError(t, env.referral.Reward(ctx, referrer, "agent-b", model.TierPremium))
	assert.NoError(t, env.referral.Reward(ctx, referrer, "agent-c", model.TierVIP))

	var payouts []model.ReferralPayout
	assert.NoError(t, env.db.Order("id").Find(&payouts).Error)
	assert.Len(t, payouts, 2)
	assert.Equal(t, "5", payouts[0].USDCAmount.String())    // 10% of 50
	assert.Equal(t, "10", payouts[1].USDCAmount.String())   // 10% of 100
	assert.Equal(t, "500", payouts[0].PointsAmount.String())
	assert.Equal(t, "1000", payouts[1].PointsAmount.String())
	for _, p := range payouts {
		assert.True(t, p.PointsPaid)
		assert.False(t, p.USDCPaid)
	}

	// leaderboard upserts are additive
	var lb model.LeaderboardEntry
	assert.NoError(t, env.db.Where("agent_id = ?", "agent-a").First(&lb).Error)
	assert.Equal(t, "1500", lb.TotalPoints.String())

	var updated model.Account
	assert.NoError(t, env.db.First(&updated, referrer.ID).Error)
	assert.Equal(t, int64(2), updated.ReferralCount)
}

func TestReferral_CapStopsFurtherRewards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedAccount(t, env, "agent-a", "MB-CAP", 0)

	// exhaust the cap through the normal flow
	for i := int64(0); i < env.cfg.Referral.Cap; i++ {
		got := env.referral.Validate(ctx, "MB-CAP", "agent-x")
		assert.NotNil(t, got)
		assert.NoError(t, env.referral.Reward(ctx, got, "agent-x", model.TierRegular))
	}

	// further lookups resolve to nothing and no payout is produced
	assert.Nil(t, env.referral.Validate(ctx, "MB-CAP", "agent-y"))
	var n int64
	assert.NoError(t, env.db.Model(&model.ReferralPayout{}).Count(&n).Error)
	assert.Equal(t, env.cfg.Referral.Cap, n)
}
