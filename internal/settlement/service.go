// Package settlement drives an approved verification to its terminal state:
// claim published, first-time bonus paid, referrer or voucher owner
// rewarded. Every step is individually idempotent, so the whole sequence can
// be re-run by sweeps after any partial failure.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"attestor/internal/attestation"
	"attestor/internal/models"
	"attestor/internal/rates"
	"attestor/internal/referral"
	"attestor/internal/reward"
	"attestor/internal/vesting"
	"attestor/pkg/platform/sentinel"
)

// Store is the settlement bookkeeping.
type Store interface {
	TransactionContext(ctx context.Context, id int64) (models.TxContext, error)
	InsertRewardUnit(ctx context.Context, ru models.RewardUnit) (bool, error)
	InsertReferralRewardUnit(ctx context.Context, ru models.ReferralRewardUnit) (bool, error)
	AttestedUserID(ctx context.Context, user models.Address) (string, error)
	VoucherByCode(ctx context.Context, code string) (models.Voucher, error)
	UnpublishedAttestations(ctx context.Context) ([]models.AttestationUnit, error)
}

// Amounts are the configured reward sizes in USD. Conversion to bytes
// happens once, at approval, and the byte amounts are frozen in the rows.
type Amounts struct {
	Reward                 decimal.Decimal
	ContractReward         decimal.Decimal
	ReferralReward         decimal.Decimal
	ContractReferralReward decimal.Decimal
}

// Service orchestrates settlement.
type Service struct {
	store     Store
	attest    *attestation.Service
	rewards   *reward.Service
	referrals *referral.Service
	vesting   *vesting.Service
	rates     *rates.Converter
	log       *slog.Logger
	amounts   Amounts
}

func NewService(store Store, attest *attestation.Service, rewards *reward.Service, referrals *referral.Service, vest *vesting.Service, conv *rates.Converter, log *slog.Logger, amounts Amounts) *Service {
	return &Service{
		store: store, attest: attest, rewards: rewards, referrals: referrals,
		vesting: vest, rates: conv, log: log, amounts: amounts,
	}
}

// OnApproved settles an approved transaction. nonUS marks holders eligible
// for the additional non-US claim. Reward payout failures are logged and
// left to the retry sweep; only failures before the rows exist propagate.
func (s *Service) OnApproved(ctx context.Context, tc models.TxContext, p models.Profile, nonUS bool) error {
	if _, err := s.attest.PublishRealName(ctx, tc, p); err != nil {
		return err
	}
	if nonUS {
		if _, err := s.attest.PublishNonUS(ctx, tc); err != nil {
			s.log.Warn("nonus attestation failed, sweep will retry",
				"transaction_id", tc.Tx.ID, "error", err)
		}
	}

	userID := s.attest.UserID(p)
	if err := s.settleAttestationReward(ctx, tc, userID); err != nil {
		return err
	}
	return s.settleReferralReward(ctx, tc, userID)
}

// settleAttestationReward inserts and pays the first-time bonus. A voucher-
// funded user paid nothing, so their direct reward is zeroed and only the
// vesting portion remains.
func (s *Service) settleAttestationReward(ctx context.Context, tc models.TxContext, userID string) error {
	rewardBytes, err := s.rates.BytesForUSD(ctx, s.amounts.Reward)
	if err != nil {
		return err
	}
	contractBytes, err := s.rates.BytesForUSD(ctx, s.amounts.ContractReward)
	if err != nil {
		return err
	}
	if tc.Tx.VoucherCode != "" {
		rewardBytes = 0
	}
	if rewardBytes == 0 && contractBytes == 0 {
		return nil
	}

	inserted, err := s.store.InsertRewardUnit(ctx, models.RewardUnit{
		TransactionID: tc.Tx.ID,
		Device:        tc.Device,
		UserAddress:   tc.UserAddress,
		UserID:        userID,
		Reward:        rewardBytes, ContractReward: contractBytes,
	})
	if err != nil {
		return err
	}
	if !inserted {
		// Address, fingerprint or device was rewarded before. Attested again,
		// but first-time bonuses are one per person.
		s.log.Info("reward skipped, payee already rewarded", "transaction_id", tc.Tx.ID)
		return nil
	}
	if contractBytes > 0 {
		if _, err := s.vesting.ContractFor(ctx, tc.UserAddress, tc.Device); err != nil {
			s.log.Warn("vesting contract creation failed, sweep will retry",
				"transaction_id", tc.Tx.ID, "error", err)
			return nil
		}
	}
	if err := s.rewards.SendAndWrite(ctx, models.RewardAttestation, tc.Tx.ID); err != nil {
		s.log.Warn("attestation reward payout failed, sweep will retry",
			"transaction_id", tc.Tx.ID, "error", err)
	}
	return nil
}

// settleReferralReward finds who sent the user here and rewards them. For a
// voucher-funded transaction that is the voucher owner (combined amount, no
// contract split); otherwise the payment ancestry is walked for an attested
// referrer.
func (s *Service) settleReferralReward(ctx context.Context, tc models.TxContext, userID string) error {
	if tc.Tx.VoucherCode != "" {
		return s.settleVoucherReferral(ctx, tc, userID)
	}
	if tc.Tx.PaymentUnit == "" {
		return nil
	}
	referrer, err := s.referrals.Resolve(ctx, tc.Tx.PaymentUnit, tc.UserAddress)
	if err != nil {
		return err
	}
	if referrer == nil {
		return nil
	}
	rewardBytes, err := s.rates.BytesForUSD(ctx, s.amounts.ReferralReward)
	if err != nil {
		return err
	}
	contractBytes, err := s.rates.BytesForUSD(ctx, s.amounts.ContractReferralReward)
	if err != nil {
		return err
	}
	if rewardBytes == 0 && contractBytes == 0 {
		return nil
	}

	inserted, err := s.store.InsertReferralRewardUnit(ctx, models.ReferralRewardUnit{
		TransactionID:  tc.Tx.ID,
		UserAddress:    referrer.UserAddress,
		UserID:         referrer.UserID,
		Device:         referrer.Device,
		NewUserAddress: tc.UserAddress,
		NewUserID:      userID,
		Reward:         rewardBytes, ContractReward: contractBytes,
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Info("referral reward skipped, pair already rewarded",
			"transaction_id", tc.Tx.ID, "referrer", referrer.UserAddress)
		return nil
	}
	if contractBytes > 0 {
		if _, err := s.vesting.ContractFor(ctx, referrer.UserAddress, referrer.Device); err != nil {
			s.log.Warn("referrer contract creation failed, sweep will retry",
				"transaction_id", tc.Tx.ID, "error", err)
			return nil
		}
	}
	if err := s.rewards.SendAndWrite(ctx, models.RewardReferral, tc.Tx.ID); err != nil {
		s.log.Warn("referral reward payout failed, sweep will retry",
			"transaction_id", tc.Tx.ID, "error", err)
	}
	return nil
}

// settleVoucherReferral accrues the referral reward to the voucher owner,
// who must hold a prior real-name attestation. Direct and contract amounts
// are combined into one immediate payout.
func (s *Service) settleVoucherReferral(ctx context.Context, tc models.TxContext, userID string) error {
	v, err := s.store.VoucherByCode(ctx, tc.Tx.VoucherCode)
	if err != nil {
		return err
	}
	ownerID, err := s.store.AttestedUserID(ctx, v.OwnerAddress)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.log.Info("voucher referral skipped, owner not attested",
				"transaction_id", tc.Tx.ID, "owner", v.OwnerAddress)
			return nil
		}
		return err
	}
	referralBytes, err := s.rates.BytesForUSD(ctx, s.amounts.ReferralReward)
	if err != nil {
		return err
	}
	contractBytes, err := s.rates.BytesForUSD(ctx, s.amounts.ContractReferralReward)
	if err != nil {
		return err
	}
	combined := referralBytes + contractBytes
	if combined == 0 {
		return nil
	}

	inserted, err := s.store.InsertReferralRewardUnit(ctx, models.ReferralRewardUnit{
		TransactionID:  tc.Tx.ID,
		UserAddress:    v.OwnerAddress,
		UserID:         ownerID,
		Device:         v.OwnerDevice,
		NewUserAddress: tc.UserAddress,
		NewUserID:      userID,
		Reward:         combined,
		ViaVoucher:     true,
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Info("voucher referral skipped, pair already rewarded",
			"transaction_id", tc.Tx.ID, "owner", v.OwnerAddress)
		return nil
	}
	if err := s.rewards.SendAndWrite(ctx, models.RewardVoucher, tc.Tx.ID); err != nil {
		s.log.Warn("voucher reward payout failed, sweep will retry",
			"transaction_id", tc.Tx.ID, "error", err)
	}
	return nil
}

// AttestNonUS publishes the non-US claim for an approved transaction.
func (s *Service) AttestNonUS(ctx context.Context, txID int64) error {
	tc, err := s.store.TransactionContext(ctx, txID)
	if err != nil {
		return err
	}
	if tc.Tx.Outcome != models.OutcomeApproved {
		return fmt.Errorf("transaction %d is not approved", txID)
	}
	_, err = s.attest.PublishNonUS(ctx, tc)
	return err
}

// RetryUnpublished re-drives attestation rows that never got a broadcast,
// then re-runs the settlement sequence so downstream rewards follow.
func (s *Service) RetryUnpublished(ctx context.Context) error {
	aus, err := s.store.UnpublishedAttestations(ctx)
	if err != nil {
		return err
	}
	for _, au := range aus {
		if err := s.retryOne(ctx, au); err != nil {
			s.log.Warn("attestation retry failed",
				"transaction_id", au.TransactionID, "type", au.Type, "error", err)
		}
	}
	return nil
}

func (s *Service) retryOne(ctx context.Context, au models.AttestationUnit) error {
	tc, err := s.store.TransactionContext(ctx, au.TransactionID)
	if err != nil {
		return err
	}
	if tc.Tx.Outcome != models.OutcomeApproved {
		return nil
	}
	if au.Type == models.AttestationNonUS {
		_, err := s.attest.PublishNonUS(ctx, tc)
		return err
	}
	if len(tc.Tx.Profile) == 0 {
		return errors.New("extracted profile no longer available")
	}
	var p models.Profile
	if err := json.Unmarshal(tc.Tx.Profile, &p); err != nil {
		return fmt.Errorf("decode stored profile: %w", err)
	}
	return s.OnApproved(ctx, tc, p, false)
}
