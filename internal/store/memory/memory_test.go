package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestor/internal/models"
	"attestor/pkg/platform/sentinel"
)

func seedAddress(t *testing.T, s *Store, device models.DeviceID, user, payment models.Address) {
	t.Helper()
	ctx := context.Background()
	_, err := s.GetOrCreateUser(ctx, device)
	require.NoError(t, err)
	require.NoError(t, s.BindUserAddress(ctx, device, user))
	require.NoError(t, s.CreateReceivingAddress(ctx, models.ReceivingAddress{
		PaymentAddress: payment, Device: device, UserAddress: user,
	}))
}

func TestGetOrCreateUserIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.GetOrCreateUser(ctx, "DEVICE1")
	require.NoError(t, err)
	again, err := s.GetOrCreateUser(ctx, "DEVICE1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
}

func TestCreateTransactionRejectsReplayedUnit(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedAddress(t, s, "DEVICE1", "USER1", "PAY1")

	tx := models.Transaction{PaymentAddress: "PAY1", PaymentUnit: "unit-1"}
	require.NoError(t, s.CreateTransaction(ctx, &tx))
	assert.NotZero(t, tx.ID)

	replay := models.Transaction{PaymentAddress: "PAY1", PaymentUnit: "unit-1"}
	assert.ErrorIs(t, s.CreateTransaction(ctx, &replay), sentinel.ErrConflict)
}

func TestDecideOutcomeOnlyOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedAddress(t, s, "DEVICE1", "USER1", "PAY1")
	tx := models.Transaction{PaymentAddress: "PAY1", PaymentUnit: "unit-1"}
	require.NoError(t, s.CreateTransaction(ctx, &tx))

	decided, err := s.DecideOutcome(ctx, tx.ID, models.OutcomeApproved, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, decided)

	decided, err = s.DecideOutcome(ctx, tx.ID, models.OutcomeRejected, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, decided)

	tc, err := s.TransactionContext(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApproved, tc.Tx.Outcome)
}

func TestInsertRewardUnitDeduplicatesEveryDimension(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedAddress(t, s, "DEVICE1", "USER1", "PAY1")

	base := models.RewardUnit{TransactionID: 1, Device: "DEVICE1", UserAddress: "USER1", UserID: "uid-1", Reward: 100}
	inserted, err := s.InsertRewardUnit(ctx, base)
	require.NoError(t, err)
	require.True(t, inserted)

	cases := map[string]models.RewardUnit{
		"same transaction": {TransactionID: 1, Device: "D2", UserAddress: "U2", UserID: "uid-2"},
		"same device":      {TransactionID: 2, Device: "DEVICE1", UserAddress: "U2", UserID: "uid-2"},
		"same address":     {TransactionID: 3, Device: "D2", UserAddress: "USER1", UserID: "uid-2"},
		"same person":      {TransactionID: 4, Device: "D2", UserAddress: "U2", UserID: "uid-1"},
	}
	for name, ru := range cases {
		inserted, err := s.InsertRewardUnit(ctx, ru)
		require.NoError(t, err, name)
		assert.False(t, inserted, name)
	}
}

func TestInsertReferralRewardUnitDeduplicatesPair(t *testing.T) {
	s := New()
	ctx := context.Background()

	ru := models.ReferralRewardUnit{TransactionID: 1, UserAddress: "REF", NewUserAddress: "NEW", Reward: 100}
	inserted, err := s.InsertReferralRewardUnit(ctx, ru)
	require.NoError(t, err)
	require.True(t, inserted)

	ru.TransactionID = 2
	inserted, err = s.InsertReferralRewardUnit(ctx, ru)
	require.NoError(t, err)
	assert.False(t, inserted, "a referrer earns once per referred user")
}

func TestConsumeVoucherClampsDeposited(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateVoucher(ctx, models.Voucher{
		Code: "CODE12345678", OwnerAddress: "OWNER1", OwnerDevice: "OWNERDEV",
		FundingAddress: "FUND1", UsageLimit: 3,
	}))
	require.NoError(t, s.RecordVoucherDeposit(ctx, "FUND1", 150, "dep-1", false))
	_, err := s.ApplyVoucherDeposits(ctx, []models.UnitID{"dep-1"})
	require.NoError(t, err)

	_, err = s.ConsumeVoucher(ctx, "CODE12345678", "PAY1", 100)
	require.NoError(t, err)

	v, err := s.VoucherByCode(ctx, "CODE12345678")
	require.NoError(t, err)
	assert.EqualValues(t, 50, v.Balance)
	assert.EqualValues(t, 50, v.DepositedBalance)

	_, err = s.ConsumeVoucher(ctx, "CODE12345678", "PAY1", 100)
	assert.ErrorIs(t, err, sentinel.ErrInsufficientFunds)
}
