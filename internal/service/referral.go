package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/model"
	"github.com/moltbank/teller-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReferralService validates referral codes and issues rewards when a referred
// account is provisioned.
type ReferralService struct {
	repo repo.RepositoryInterface
	cfg  *config.Config
	log  *zap.SugaredLogger
}

func NewReferralService(r repo.RepositoryInterface, cfg *config.Config, logger *zap.SugaredLogger) *ReferralService {
	return &ReferralService{repo: r, cfg: cfg, log: logger}
}

// NewCode generates a referral code for a freshly provisioned account.
func (s *ReferralService) NewCode() string {
	return "MB-" + strings.ToUpper(uuid.NewString()[:8])
}

// Validate resolves a referral code to its owning account. Returns nil (no
// error surfaced) when the code does not resolve, refers the agent to itself,
// or the referrer has exhausted its cap. Storage errors are logged and also
// yield nil: a broken referral never blocks provisioning.
func (s *ReferralService) Validate(ctx context.Context, code, agentID string) *model.Account {
	referrer, err := s.repo.AccountByReferralCode(ctx, code)
	if err != nil {
		s.log.Warnf("referral: lookup %q: %v", code, err)
		return nil
	}
	if referrer == nil {
		s.log.Infof("referral: unknown code %q from %s", code, agentID)
		return nil
	}
	if referrer.AgentID == agentID {
		s.log.Infof("referral: self-referral rejected for %s", agentID)
		return nil
	}
	if referrer.ReferralCount >= s.cfg.Referral.Cap {
		s.log.Infof("referral: cap reached for %s (%d)", referrer.AgentID, referrer.ReferralCount)
		return nil
	}
	return referrer
}

// Reward issues the referral payout for a referred account that has just been
// durably created. Points settle immediately; the USDC share stays pending
// for the disbursement process. A payout persistence failure aborts the
// reward; a leaderboard failure does not.
func (s *ReferralService) Reward(ctx context.Context, referrer *model.Account, referredID, referredTier string) error {
	tier, ok := s.cfg.TierByName(referredTier)
	if !ok {
		s.log.Warnf("referral: unknown tier %q for %s", referredTier, referredID)
		return nil
	}
	usdcAmount := tier.PriceAmount().Mul(decimal.NewFromFloat(s.cfg.Referral.Percent))
	pointsAmount := decimal.NewFromInt(s.cfg.Referral.Points[referredTier])

	payout := &model.ReferralPayout{
		ReferrerID:   referrer.AgentID,
		ReferredID:   referredID,
		ReferredTier: referredTier,
		USDCAmount:   usdcAmount,
		PointsAmount: pointsAmount,
		PointsPaid:   true,
		USDCPaid:     false,
	}
	if err := s.repo.CreateReferralPayout(ctx, payout); err != nil {
		s.log.Errorf("referral: payout persist for %s: %v", referrer.AgentID, err)
		return err
	}

	if err := s.repo.AddLeaderboardPoints(ctx, referrer.AgentID, pointsAmount); err != nil {
		s.log.Errorf("referral: leaderboard upsert for %s: %v", referrer.AgentID, err)
	}
	if err := s.repo.IncrementReferralCount(ctx, referrer.ID); err != nil {
		s.log.Errorf("referral: count increment for %s: %v", referrer.AgentID, err)
	}

	s.log.Infof("referral: %s rewarded %s USDC pending + %s points for referring %s (%s)",
		referrer.AgentID, usdcAmount, pointsAmount, referredID, referredTier)
	return nil
}
