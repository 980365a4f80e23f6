// Package reward pays out attestation, referral and voucher bonuses from
// the distribution fund. Every payout is at-most-once: the row is the record
// of intent, the payout unit is written back under a per-row lock, and a row
// already carrying a paid timestamp is never sent again.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"attestor/internal/alert"
	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/metrics"
	dErrors "attestor/pkg/domain-errors"
)

// Store is the payout bookkeeping.
type Store interface {
	RewardRow(ctx context.Context, kind models.RewardKind, txID int64) (models.RewardRow, error)
	MarkRewardPaid(ctx context.Context, kind models.RewardKind, txID int64, unit models.UnitID, at time.Time) error
	UnpaidRewards(ctx context.Context, kind models.RewardKind, limit int) ([]int64, error)
	DonatedUnpaidRewards(ctx context.Context) ([]models.RewardUnit, error)
	MarkRewardsPaidBatch(ctx context.Context, txIDs []int64, unit models.UnitID, at time.Time) error
}

// Service disburses rewards.
type Service struct {
	store   Store
	signer  ledger.Signer
	chain   ledger.ChainQuery
	locks   *keylock.Map
	notify  notify.Notifier
	alerts  alert.Alerter
	metrics *metrics.Metrics
	log     *slog.Logger

	distribution models.Address
	donationFund models.Address
}

func NewService(store Store, signer ledger.Signer, chain ledger.ChainQuery, locks *keylock.Map, n notify.Notifier, a alert.Alerter, m *metrics.Metrics, log *slog.Logger, distribution, donationFund models.Address) *Service {
	return &Service{
		store: store, signer: signer, chain: chain, locks: locks,
		notify: n, alerts: a, metrics: m, log: log,
		distribution: distribution, donationFund: donationFund,
	}
}

// SendAndWrite pays one reward row: the direct amount to the user's address
// and the contract amount to their vesting contract. Returns nil when the
// row is already paid. A retryable error (empty distribution fund) leaves
// the row for the sweep; a fatal one means the row itself is broken and is
// alerted instead of retried.
//
// The lock is keyed by transaction, not by kind: voucher and referral
// payouts read the same row, so a kind-keyed lock would let the settlement
// path and the retry sweep race each other into a double send.
func (s *Service) SendAndWrite(ctx context.Context, kind models.RewardKind, txID int64) error {
	return s.locks.Do(fmt.Sprintf("tx-%d", txID), func() error {
		rr, err := s.store.RewardRow(ctx, kind, txID)
		if err != nil {
			return err
		}
		if rr.PaidAt != nil {
			return nil
		}

		var outputs []ledger.Output
		if rr.Reward > 0 {
			outputs = append(outputs, ledger.Output{Address: rr.PayeeAddress, Amount: rr.Reward})
		}
		if rr.ContractReward > 0 {
			if rr.ContractAddress == "" {
				return s.fatal(ctx, kind, txID, "reward row has a contract amount but no vesting contract")
			}
			outputs = append(outputs, ledger.Output{Address: rr.ContractAddress, Amount: rr.ContractReward})
		}
		if len(outputs) == 0 {
			return s.fatal(ctx, kind, txID, "reward row has no payable amounts")
		}

		unit, err := s.signer.SendPayment(ctx, s.distribution, outputs)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				s.alertEmptyFund(ctx, kind, txID)
				return dErrors.Wrap(err, dErrors.CodeUnavailable, "distribution fund cannot cover reward")
			}
			return fmt.Errorf("send %s reward: %w", kind, err)
		}
		if err := s.store.MarkRewardPaid(ctx, kind, txID, unit, time.Now()); err != nil {
			return err
		}
		s.metrics.RewardsPaid.WithLabelValues(string(kind)).Inc()
		s.log.Info("reward paid", "kind", kind, "transaction_id", txID, "unit", unit,
			"reward", rr.Reward, "contract_reward", rr.ContractReward)

		if err := s.notify.Send(ctx, rr.PayeeDevice, payoutText(kind, rr)); err != nil {
			s.log.Warn("reward notification failed", "device", rr.PayeeDevice, "error", err)
		}
		return nil
	})
}

func (s *Service) fatal(ctx context.Context, kind models.RewardKind, txID int64, msg string) error {
	err := dErrors.New(dErrors.CodeFatal, msg)
	_ = s.alerts.Alert(ctx, alert.Event{
		Kind:    "reward_invariant_violation",
		Subject: msg,
		Details: map[string]string{"kind": string(kind), "transaction_id": strconv.FormatInt(txID, 10)},
	})
	return err
}

func (s *Service) alertEmptyFund(ctx context.Context, kind models.RewardKind, txID int64) {
	balance, err := s.chain.Balance(ctx, s.distribution)
	if err != nil {
		s.log.Warn("distribution balance lookup failed", "error", err)
	}
	_ = s.alerts.Alert(ctx, alert.Event{
		Kind:    "distribution_fund_empty",
		Subject: "distribution fund cannot cover a reward payout",
		Details: map[string]string{
			"kind":           string(kind),
			"transaction_id": strconv.FormatInt(txID, 10),
			"balance":        strconv.FormatInt(balance, 10),
			"address":        string(s.distribution),
		},
	})
}

// payoutText picks the message by the row's own provenance. The retry sweep
// re-drives voucher rows under the referral kind, so the caller's kind only
// distinguishes the attestation table.
func payoutText(kind models.RewardKind, rr models.RewardRow) string {
	if kind == models.RewardAttestation {
		return fmt.Sprintf("Your attestation reward was sent: %d bytes now, %d bytes vesting in your contract.", rr.Reward, rr.ContractReward)
	}
	if rr.ViaVoucher {
		return fmt.Sprintf("A user you sponsored was attested. Your reward of %d bytes was sent.", rr.Reward+rr.ContractReward)
	}
	return fmt.Sprintf("A user you referred was attested. Your referral reward was sent: %d bytes now, %d bytes vesting in your contract.", rr.Reward, rr.ContractReward)
}

// RetryUnpaid re-drives unsent payouts of one kind, oldest first. Individual
// failures are logged and skipped so one broken row cannot starve the rest.
func (s *Service) RetryUnpaid(ctx context.Context, kind models.RewardKind, limit int) error {
	ids, err := s.store.UnpaidRewards(ctx, kind, limit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.SendAndWrite(ctx, kind, id); err != nil {
			s.log.Warn("reward retry failed", "kind", kind, "transaction_id", id, "error", err)
		}
	}
	return nil
}

// DistributeDonations consolidates every donated, unpaid reward into one
// payment to the community fund and marks the rows in a single write.
func (s *Service) DistributeDonations(ctx context.Context) error {
	return s.locks.Do("donations", func() error {
		rows, err := s.store.DonatedUnpaidRewards(ctx)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		var total int64
		ids := make([]int64, 0, len(rows))
		for _, ru := range rows {
			total += ru.Reward + ru.ContractReward
			ids = append(ids, ru.TransactionID)
		}
		unit, err := s.signer.SendPayment(ctx, s.distribution,
			[]ledger.Output{{Address: s.donationFund, Amount: total}})
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				s.alertEmptyFund(ctx, models.RewardAttestation, 0)
			}
			return fmt.Errorf("send donation batch: %w", err)
		}
		if err := s.store.MarkRewardsPaidBatch(ctx, ids, unit, time.Now()); err != nil {
			return err
		}
		s.metrics.RewardsPaid.WithLabelValues("donation").Add(float64(len(rows)))
		s.log.Info("donations distributed", "rewards", len(rows), "total", total, "unit", unit)

		for _, ru := range rows {
			if err := s.notify.Send(ctx, ru.Device, "Your donated reward was forwarded to the community fund. Thank you!"); err != nil {
				s.log.Warn("donation notification failed", "device", ru.Device, "error", err)
			}
		}
		return nil
	})
}
