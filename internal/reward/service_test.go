package reward

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"attestor/internal/alert"
	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/metrics"
	"attestor/internal/store/memory"
	dErrors "attestor/pkg/domain-errors"
)

var testMetrics = metrics.New()

type sentPayment struct {
	from    models.Address
	outputs []ledger.Output
}

type fakeSigner struct {
	mu       sync.Mutex
	payments []sentPayment
	failWith error
}

func (f *fakeSigner) IssueReceivingAddress(context.Context) (models.Address, error) {
	return "ISSUED", nil
}

func (f *fakeSigner) SendPayment(_ context.Context, from models.Address, outputs []ledger.Output) (models.UnitID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	f.payments = append(f.payments, sentPayment{from: from, outputs: outputs})
	return "payout-unit", nil
}

func (f *fakeSigner) PostAttestation(context.Context, models.Address, []byte) (models.UnitID, error) {
	return "claim-unit", nil
}

func (f *fakeSigner) CreateVestingContract(context.Context, models.Address, models.DeviceID, int64, int64) (models.Address, error) {
	return "CONTRACT", nil
}

func (f *fakeSigner) sent() []sentPayment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPayment(nil), f.payments...)
}

type fakeChain struct{ balance int64 }

func (f *fakeChain) UnitAuthors(context.Context, models.UnitID) ([]models.Address, error) {
	return nil, nil
}

func (f *fakeChain) TransferInputs(context.Context, []models.UnitID) ([]ledger.AncestorInput, error) {
	return nil, nil
}

func (f *fakeChain) Balance(context.Context, models.Address) (int64, error) {
	return f.balance, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []alert.Event
}

func (f *fakeAlerter) Alert(_ context.Context, ev alert.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAlerter) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

type RewardSuite struct {
	suite.Suite
	store   *memory.Store
	signer  *fakeSigner
	chain   *fakeChain
	alerts  *fakeAlerter
	service *Service
	sent    []string
	mu      sync.Mutex
}

func TestRewardSuite(t *testing.T) {
	suite.Run(t, new(RewardSuite))
}

func (s *RewardSuite) SetupTest() {
	s.store = memory.New()
	s.signer = &fakeSigner{}
	s.chain = &fakeChain{balance: 1_000_000_000}
	s.alerts = &fakeAlerter{}
	s.sent = nil
	notifier := notify.Func(func(_ context.Context, _ models.DeviceID, text string) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sent = append(s.sent, text)
		return nil
	})
	s.service = NewService(s.store, s.signer, s.chain, keylock.New(), notifier,
		s.alerts, testMetrics, slog.Default(), "DISTRIBUTION", "DONATIONFUND")
}

// seedReward records an unpaid attestation reward and returns its
// transaction id.
func (s *RewardSuite) seedReward(reward, contractReward int64, withContract bool) int64 {
	ctx := context.Background()
	tx := models.Transaction{PaymentAddress: "PAY1", PaymentUnit: models.UnitID(time.Now().String())}
	s.Require().NoError(s.store.CreateTransaction(ctx, &tx))
	inserted, err := s.store.InsertRewardUnit(ctx, models.RewardUnit{
		TransactionID: tx.ID, Device: "DEVICE1", UserAddress: "USER1",
		UserID: "uid-1", Reward: reward, ContractReward: contractReward,
	})
	s.Require().NoError(err)
	s.Require().True(inserted)
	if withContract {
		s.Require().NoError(s.store.SaveContract(ctx, models.Contract{
			UserAddress: "USER1", ContractAddress: "CONTRACT1",
			VestingDate: time.Now().AddDate(1, 0, 0),
		}))
	}
	return tx.ID
}

// seedVoucherReferral records an unpaid voucher-owner reward and returns its
// transaction id. Voucher rows live in the referral table with the combined
// amount and no contract split.
func (s *RewardSuite) seedVoucherReferral(reward int64) int64 {
	ctx := context.Background()
	tx := models.Transaction{PaymentAddress: "PAY1", PaymentUnit: models.UnitID(time.Now().String())}
	s.Require().NoError(s.store.CreateTransaction(ctx, &tx))
	inserted, err := s.store.InsertReferralRewardUnit(ctx, models.ReferralRewardUnit{
		TransactionID: tx.ID, UserAddress: "OWNER1", UserID: "uid-owner",
		Device: "OWNERDEV", NewUserAddress: "NEWUSER", NewUserID: "uid-new",
		Reward: reward, ViaVoucher: true,
	})
	s.Require().NoError(err)
	s.Require().True(inserted)
	return tx.ID
}

func (s *RewardSuite) TestSendAndWriteSplitsOutputs() {
	txID := s.seedReward(400, 600, true)

	s.Require().NoError(s.service.SendAndWrite(context.Background(), models.RewardAttestation, txID))

	sent := s.signer.sent()
	s.Require().Len(sent, 1)
	s.EqualValues("DISTRIBUTION", sent[0].from)
	s.Equal([]ledger.Output{
		{Address: "USER1", Amount: 400},
		{Address: "CONTRACT1", Amount: 600},
	}, sent[0].outputs)

	rr, err := s.store.RewardRow(context.Background(), models.RewardAttestation, txID)
	s.Require().NoError(err)
	s.Require().NotNil(rr.PaidAt)
	s.EqualValues("payout-unit", rr.PayoutUnit)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().Len(s.sent, 1)
	s.Contains(s.sent[0], "reward was sent")
}

func (s *RewardSuite) TestSendAndWriteConcurrentPaysOnce() {
	txID := s.seedReward(400, 0, false)

	const n = 8
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(s.service.SendAndWrite(context.Background(), models.RewardAttestation, txID))
		}()
	}
	wg.Wait()

	s.Len(s.signer.sent(), 1, "one payout per row")
}

func (s *RewardSuite) TestVoucherAndReferralKindsShareOneRow() {
	// The settlement path pays voucher rows under the voucher kind while the
	// retry sweep re-drives the same table under the referral kind. Both
	// must serialize on the row's transaction and pay at most once.
	txID := s.seedVoucherReferral(1000)

	var wg sync.WaitGroup
	for _, kind := range []models.RewardKind{
		models.RewardVoucher, models.RewardReferral,
		models.RewardVoucher, models.RewardReferral,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(s.service.SendAndWrite(context.Background(), kind, txID))
		}()
	}
	wg.Wait()

	s.Len(s.signer.sent(), 1, "one payout per row across kinds")
}

func (s *RewardSuite) TestVoucherRowKeepsSponsorMessageOnRetry() {
	_ = s.seedVoucherReferral(1000)

	s.Require().NoError(s.service.RetryUnpaid(context.Background(), models.RewardReferral, 10))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().Len(s.sent, 1)
	s.Contains(s.sent[0], "sponsored")
	s.NotContains(s.sent[0], "referral reward")
}

func (s *RewardSuite) TestAlreadyPaidIsNoop() {
	txID := s.seedReward(400, 0, false)
	s.Require().NoError(s.service.SendAndWrite(context.Background(), models.RewardAttestation, txID))

	s.Require().NoError(s.service.SendAndWrite(context.Background(), models.RewardAttestation, txID))
	s.Len(s.signer.sent(), 1)
}

func (s *RewardSuite) TestMissingContractIsFatal() {
	txID := s.seedReward(400, 600, false)

	err := s.service.SendAndWrite(context.Background(), models.RewardAttestation, txID)
	s.True(dErrors.Is(err, dErrors.CodeFatal))
	s.Empty(s.signer.sent())
	s.Equal([]string{"reward_invariant_violation"}, s.alerts.kinds())
}

func (s *RewardSuite) TestEmptyRowIsFatal() {
	txID := s.seedReward(0, 0, false)

	err := s.service.SendAndWrite(context.Background(), models.RewardAttestation, txID)
	s.True(dErrors.Is(err, dErrors.CodeFatal))
}

func (s *RewardSuite) TestEmptyFundLeavesRowRetryable() {
	txID := s.seedReward(400, 0, false)
	s.signer.failWith = ledger.ErrInsufficientFunds
	s.chain.balance = 17

	err := s.service.SendAndWrite(context.Background(), models.RewardAttestation, txID)
	s.True(dErrors.Is(err, dErrors.CodeUnavailable))
	s.Equal([]string{"distribution_fund_empty"}, s.alerts.kinds())
	s.Equal("17", s.alerts.events[0].Details["balance"])

	rr, err := s.store.RewardRow(context.Background(), models.RewardAttestation, txID)
	s.Require().NoError(err)
	s.Nil(rr.PaidAt, "the row stays unpaid for the sweep")

	// Fund refilled: the retry drains it.
	s.signer.failWith = nil
	s.Require().NoError(s.service.RetryUnpaid(context.Background(), models.RewardAttestation, 10))
	rr, err = s.store.RewardRow(context.Background(), models.RewardAttestation, txID)
	s.Require().NoError(err)
	s.NotNil(rr.PaidAt)
}

func (s *RewardSuite) TestRetryUnpaidSkipsBrokenRows() {
	broken := s.seedReward(0, 600, false) // contract amount, no contract
	good := s.seedReward(400, 0, false)

	s.Require().NoError(s.service.RetryUnpaid(context.Background(), models.RewardAttestation, 10))

	rr, err := s.store.RewardRow(context.Background(), models.RewardAttestation, good)
	s.Require().NoError(err)
	s.NotNil(rr.PaidAt)
	rr, err = s.store.RewardRow(context.Background(), models.RewardAttestation, broken)
	s.Require().NoError(err)
	s.Nil(rr.PaidAt)
}

func (s *RewardSuite) TestDistributeDonations() {
	ctx := context.Background()
	a := s.seedReward(400, 600, true)
	b := s.seedReward(300, 0, false)
	kept := s.seedReward(500, 0, false)
	s.Require().NoError(s.store.SetDonated(ctx, a, true, false))
	s.Require().NoError(s.store.SetDonated(ctx, b, true, false))

	s.Require().NoError(s.service.DistributeDonations(ctx))

	sent := s.signer.sent()
	s.Require().Len(sent, 1, "all donated rewards batch into one payment")
	s.Equal([]ledger.Output{{Address: "DONATIONFUND", Amount: 1300}}, sent[0].outputs)

	for _, txID := range []int64{a, b} {
		rr, err := s.store.RewardRow(ctx, models.RewardAttestation, txID)
		s.Require().NoError(err)
		s.NotNil(rr.PaidAt)
	}
	rr, err := s.store.RewardRow(ctx, models.RewardAttestation, kept)
	s.Require().NoError(err)
	s.Nil(rr.PaidAt, "non-donated rewards are untouched")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Len(s.sent, 2)
	s.Contains(s.sent[0], "Thank you")
}

func (s *RewardSuite) TestDistributeDonationsEmptyIsNoop() {
	s.Require().NoError(s.service.DistributeDonations(context.Background()))
	s.Empty(s.signer.sent())
}
