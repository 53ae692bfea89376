package service

import (
	"context"
	"fmt"
	"time"

	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/model"
	"github.com/moltbank/teller-service/internal/provision"
	"github.com/moltbank/teller-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// settlementChain is the chain the base gas allotment is delivered on.
const settlementChain = "NXT"

// Worker is the single consumer of the queue. The one-slot token makes
// overlapping ticks a no-op, so at most one entry is in flight system-wide,
// and the cooldown after each entry throttles the provisioning backend.
//
// A process killed mid-entry leaves that entry processing; there is no lease
// or timeout, reconciliation is an operator action.
type Worker struct {
	queue    *QueueService
	repo     repo.RepositoryInterface
	backend  provision.Backend
	referral *ReferralService
	cfg      *config.Config
	log      *zap.SugaredLogger
	slot     chan struct{}
	cooldown time.Duration
}

func NewWorker(queue *QueueService, r repo.RepositoryInterface, backend provision.Backend,
	referral *ReferralService, cfg *config.Config, logger *zap.SugaredLogger) *Worker {
	w := &Worker{
		queue:    queue,
		repo:     r,
		backend:  backend,
		referral: referral,
		cfg:      cfg,
		log:      logger,
		slot:     make(chan struct{}, 1),
		cooldown: time.Duration(cfg.Teller.CooldownSeconds) * time.Second,
	}
	w.slot <- struct{}{}
	return w
}

// Tick drains at most one entry. Returns immediately when another tick holds
// the slot or the queue is empty (no cooldown in either case). A per-entry
// provisioning failure marks the entry failed and is returned so the caller
// can flag health; it never blocks subsequent entries.
func (w *Worker) Tick(ctx context.Context) error {
	select {
	case <-w.slot:
	default:
		return nil
	}
	defer func() { w.slot <- struct{}{} }()

	entry, err := w.queue.DequeueNext(ctx)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if entry == nil {
		return nil
	}

	w.log.Infof("worker: processing %s (%s) - position %d", entry.AgentID, entry.Tier, entry.Position)

	// The step sequence runs on a background context: shutdown lets the
	// in-flight entry finish and only cuts the cooldown short. No mid-step
	// cancellation is supported.
	procCtx := context.Background()
	procErr := w.process(procCtx, entry)
	if procErr != nil {
		if err := w.queue.MarkFailed(procCtx, entry, procErr); err != nil {
			w.log.Errorf("worker: mark failed %d: %v", entry.ID, err)
		}
	} else {
		if err := w.queue.MarkCompleted(procCtx, entry); err != nil {
			w.log.Errorf("worker: mark completed %d: %v", entry.ID, err)
		}
		w.log.Infof("worker: completed %s (%s)", entry.AgentID, entry.Tier)
	}

	w.wait(ctx)
	return procErr
}

// wait sleeps the configured cooldown, cut short by shutdown.
func (w *Worker) wait(ctx context.Context) {
	if w.cooldown <= 0 {
		return
	}
	timer := time.NewTimer(w.cooldown)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (w *Worker) process(ctx context.Context, entry *model.QueueEntry) error {
	if entry.Tier == model.TierGasBundle {
		return w.deliverStandaloneBundle(ctx, entry)
	}
	return w.provisionAccount(ctx, entry)
}

// deliverStandaloneBundle tops up an existing account with the multi-chain
// gas bundle.
func (w *Worker) deliverStandaloneBundle(ctx context.Context, entry *model.QueueEntry) error {
	account, err := w.repo.AccountByAgent(ctx, entry.AgentID)
	if err != nil {
		return fmt.Errorf("account lookup: %w", err)
	}
	if account == nil {
		return fmt.Errorf("no account for agent %s", entry.AgentID)
	}

	perChain := w.cfg.GasBundle.PerChainAmount()
	if err := w.sendGasBundle(ctx, account.Address, perChain); err != nil {
		return err
	}

	total := perChain.Mul(decimal.NewFromInt(int64(len(w.cfg.GasBundle.Chains))))
	w.logTransaction(ctx, account.ID, &entry.PaymentRef, model.TxTypeGasBundle, total, account.Address)
	return nil
}

// provisionAccount runs the new-account step sequence. Any step failure
// aborts the remaining steps; the account row is only ever created after
// address creation succeeded, and no gas moves before the account row exists.
func (w *Worker) provisionAccount(ctx context.Context, entry *model.QueueEntry) error {
	tier, ok := w.cfg.TierByName(entry.Tier)
	if !ok {
		return fmt.Errorf("unknown tier %q", entry.Tier)
	}

	// Referral validation happens before account creation; an invalid code
	// is dropped silently.
	var referrer *model.Account
	if entry.ReferralCode != nil && *entry.ReferralCode != "" {
		referrer = w.referral.Validate(ctx, *entry.ReferralCode, entry.AgentID)
	}

	address, err := w.backend.CreateAddress(ctx, entry.AgentID)
	if err != nil {
		return fmt.Errorf("create address: %w", err)
	}

	account := &model.Account{
		AgentID:       entry.AgentID,
		Tier:          entry.Tier,
		Address:       address,
		NFTEntitled:   tier.NFTEntitled,
		GasBundleSent: tier.PerChainGas > 0,
		ReferralCode:  w.referral.NewCode(),
		LastActive:    time.Now(),
	}
	if referrer != nil {
		account.ReferredBy = &referrer.AgentID
	}
	if err := w.repo.CreateAccount(ctx, w.repo.DB(ctx), account); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	w.log.Infof("worker: created %s account for %s -> %s", entry.Tier, entry.AgentID, address)

	w.logTransaction(ctx, account.ID, &entry.PaymentRef, model.TxTypePayment, entry.Amount, w.cfg.Chain.SafeAddress)

	baseGas := tier.BaseGasAmount()
	if err := w.backend.SendValue(ctx, address, settlementChain, baseGas); err != nil {
		return fmt.Errorf("base gas: %w", err)
	}
	w.logTransaction(ctx, account.ID, nil, model.TxTypeGasBundle, baseGas, address)

	perChain := tier.PerChainAmount()
	if perChain.IsPositive() {
		if err := w.sendGasBundle(ctx, address, perChain); err != nil {
			return err
		}
		total := perChain.Mul(decimal.NewFromInt(int64(len(w.cfg.GasBundle.Chains))))
		w.logTransaction(ctx, account.ID, nil, model.TxTypeGasBundle, total, address)
		w.log.Infof("worker: %s perks delivered for %s", entry.Tier, entry.AgentID)
	}

	if referrer != nil {
		if err := w.referral.Reward(ctx, referrer, entry.AgentID, entry.Tier); err != nil {
			w.log.Errorf("worker: referral reward for %s: %v", entry.AgentID, err)
		}
	}
	return nil
}

// sendGasBundle delivers perChain gas on every supported chain.
func (w *Worker) sendGasBundle(ctx context.Context, address string, perChain decimal.Decimal) error {
	for _, chainName := range w.cfg.GasBundle.Chains {
		if err := w.backend.SendValue(ctx, address, chainName, perChain); err != nil {
			return fmt.Errorf("gas bundle %s: %w", chainName, err)
		}
	}
	return nil
}

// logTransaction appends to the audit log. Log failures are logged and
// swallowed: the audit record is best-effort, never a reason to fail an
// entry that already moved value.
func (w *Worker) logTransaction(ctx context.Context, accountID uint64, paymentRef *string, txType string, amount decimal.Decimal, destination string) {
	rec := &model.TransactionRecord{
		AccountID:   accountID,
		PaymentRef:  paymentRef,
		Type:        txType,
		Amount:      amount,
		Destination: destination,
		Status:      model.StatusCompleted,
	}
	if err := w.repo.CreateTransactionRecord(ctx, rec); err != nil {
		w.log.Errorf("worker: transaction log: %v", err)
	}
}
