package voucher

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/metrics"
	"attestor/internal/rates"
	"attestor/internal/store/memory"
	"attestor/internal/vesting"
	dErrors "attestor/pkg/domain-errors"
)

var testMetrics = metrics.New()

type fakeRate struct{ rate decimal.Decimal }

func (f fakeRate) GBYTEUSD(context.Context) (decimal.Decimal, error) { return f.rate, nil }

type sentPayment struct {
	from    models.Address
	outputs []ledger.Output
}

type fakeSigner struct {
	mu       sync.Mutex
	payments []sentPayment
}

func (f *fakeSigner) IssueReceivingAddress(context.Context) (models.Address, error) {
	return "FUNDING1", nil
}

func (f *fakeSigner) SendPayment(_ context.Context, from models.Address, outputs []ledger.Output) (models.UnitID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, sentPayment{from: from, outputs: outputs})
	return "withdrawal-unit", nil
}

func (f *fakeSigner) PostAttestation(context.Context, models.Address, []byte) (models.UnitID, error) {
	return "claim-unit", nil
}

func (f *fakeSigner) CreateVestingContract(context.Context, models.Address, models.DeviceID, int64, int64) (models.Address, error) {
	return "CONTRACT1", nil
}

type VoucherSuite struct {
	suite.Suite
	store   *memory.Store
	signer  *fakeSigner
	service *Service
}

func TestVoucherSuite(t *testing.T) {
	suite.Run(t, new(VoucherSuite))
}

func (s *VoucherSuite) SetupTest() {
	s.store = memory.New()
	s.signer = &fakeSigner{}
	locks := keylock.New()
	log := slog.Default()
	vest := vesting.NewService(s.store, s.signer, locks, log, 1, 2)
	// 20 USD/GB against an 8 USD price quotes 400,000,000 bytes.
	conv := rates.NewConverter(fakeRate{rate: decimal.NewFromInt(20)})
	s.service = NewService(s.store, s.signer, conv, vest, locks,
		notify.Func(func(context.Context, models.DeviceID, string) error { return nil }),
		testMetrics, log, decimal.NewFromInt(8), 3)
}

const attestationPrice = 400_000_000

// issueFunded creates a voucher and credits its funding address.
func (s *VoucherSuite) issueFunded(deposited, earned int64) models.Voucher {
	ctx := context.Background()
	v, err := s.service.Issue(ctx, "OWNER1", "OWNERDEV")
	s.Require().NoError(err)
	if deposited > 0 {
		s.Require().NoError(s.store.RecordVoucherDeposit(ctx, v.FundingAddress, deposited, "deposit-unit", false))
	}
	if earned > 0 {
		s.Require().NoError(s.store.RecordVoucherDeposit(ctx, v.FundingAddress, earned, "earning-unit", true))
	}
	_, err = s.store.ApplyVoucherDeposits(ctx, []models.UnitID{"deposit-unit", "earning-unit"})
	s.Require().NoError(err)
	v, err = s.store.VoucherByCode(ctx, v.Code)
	s.Require().NoError(err)
	return v
}

// bindDevice gives a device a receiving address so voucher usage can be
// attributed to it.
func (s *VoucherSuite) bindDevice(device models.DeviceID, payment models.Address) {
	ctx := context.Background()
	_, err := s.store.GetOrCreateUser(ctx, device)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreateReceivingAddress(ctx, models.ReceivingAddress{
		PaymentAddress: payment, Device: device, UserAddress: models.Address("USER-" + device),
	}))
}

func (s *VoucherSuite) TestIssue() {
	v, err := s.service.Issue(context.Background(), "OWNER1", "OWNERDEV")
	s.Require().NoError(err)

	s.Len(v.Code, 12)
	for _, r := range v.Code {
		s.True(strings.ContainsRune(codeAlphabet, r), "code %q uses the unambiguous alphabet", v.Code)
	}
	s.EqualValues("FUNDING1", v.FundingAddress)
	s.Equal(3, v.UsageLimit)
	s.Zero(v.Balance)
}

func (s *VoucherSuite) TestApplyDebitsBalance() {
	v := s.issueFunded(1_000_000_000, 0)
	s.bindDevice("DEV1", "PAY1")

	txID, err := s.service.Apply(context.Background(), v.Code, "DEV1", "PAY1")
	s.Require().NoError(err)

	tc, err := s.store.TransactionContext(context.Background(), txID)
	s.Require().NoError(err)
	s.True(tc.Tx.Confirmed, "voucher-funded transactions need no ledger payment")
	s.Equal(v.Code, tc.Tx.VoucherCode)

	after, err := s.store.VoucherByCode(context.Background(), v.Code)
	s.Require().NoError(err)
	s.EqualValues(600_000_000, after.Balance)
	s.EqualValues(600_000_000, after.DepositedBalance, "deposited never exceeds the balance")
}

func (s *VoucherSuite) TestApplyStopsAtEmptyBalance() {
	v := s.issueFunded(attestationPrice*2+1, 0)
	s.bindDevice("DEV1", "PAY1")
	s.bindDevice("DEV2", "PAY2")
	ctx := context.Background()

	_, err := s.service.Apply(ctx, v.Code, "DEV1", "PAY1")
	s.Require().NoError(err)
	_, err = s.service.Apply(ctx, v.Code, "DEV2", "PAY2")
	s.Require().NoError(err)

	_, err = s.service.Apply(ctx, v.Code, "DEV1", "PAY1")
	s.True(dErrors.Is(err, dErrors.CodeConflict))

	after, err := s.store.VoucherByCode(ctx, v.Code)
	s.Require().NoError(err)
	s.EqualValues(1, after.Balance, "a failed application never debits")
}

func (s *VoucherSuite) TestApplyEnforcesPerDeviceLimit() {
	v := s.issueFunded(attestationPrice*10, 0)
	s.bindDevice("DEV1", "PAY1")
	s.bindDevice("DEV2", "PAY2")
	ctx := context.Background()
	s.Require().NoError(s.service.SetLimit(ctx, v.Code, "OWNER1", 1))

	_, err := s.service.Apply(ctx, v.Code, "DEV1", "PAY1")
	s.Require().NoError(err)
	_, err = s.service.Apply(ctx, v.Code, "DEV1", "PAY1")
	s.True(dErrors.Is(err, dErrors.CodeConflict), "the limit binds per device")

	_, err = s.service.Apply(ctx, v.Code, "DEV2", "PAY2")
	s.NoError(err, "other devices are unaffected")
}

func (s *VoucherSuite) TestApplyUnknownCode() {
	_, err := s.service.Apply(context.Background(), "NOSUCHCODE12", "DEV1", "PAY1")
	s.True(dErrors.Is(err, dErrors.CodeNotFound))
}

func (s *VoucherSuite) TestWithdrawSplitsDepositAndEarnings() {
	v := s.issueFunded(500_000_000, 500_000_000)

	unit, err := s.service.Withdraw(context.Background(), v.Code, "OWNER1", "OWNERDEV", 800_000_000)
	s.Require().NoError(err)
	s.EqualValues("withdrawal-unit", unit)

	s.Require().Len(s.signer.payments, 1)
	s.EqualValues(v.FundingAddress, s.signer.payments[0].from)
	s.Equal([]ledger.Output{
		{Address: "OWNER1", Amount: 500_000_000},
		{Address: "CONTRACT1", Amount: 300_000_000},
	}, s.signer.payments[0].outputs, "earnings leave only through the vesting contract")

	after, err := s.store.VoucherByCode(context.Background(), v.Code)
	s.Require().NoError(err)
	s.EqualValues(200_000_000, after.Balance)
	s.Zero(after.DepositedBalance)
}

func (s *VoucherSuite) TestWithdrawDepositOnlyGoesDirect() {
	v := s.issueFunded(500_000_000, 0)

	_, err := s.service.Withdraw(context.Background(), v.Code, "OWNER1", "OWNERDEV", 200_000_000)
	s.Require().NoError(err)

	s.Require().Len(s.signer.payments, 1)
	s.Equal([]ledger.Output{{Address: "OWNER1", Amount: 200_000_000}}, s.signer.payments[0].outputs)
}

func (s *VoucherSuite) TestWithdrawGuards() {
	v := s.issueFunded(500_000_000, 0)
	ctx := context.Background()

	_, err := s.service.Withdraw(ctx, v.Code, "MALLORY", "MALLORYDEV", 100)
	s.True(dErrors.Is(err, dErrors.CodeUnauthorized))

	_, err = s.service.Withdraw(ctx, v.Code, "OWNER1", "OWNERDEV", 0)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))

	_, err = s.service.Withdraw(ctx, v.Code, "OWNER1", "OWNERDEV", 500_000_001)
	s.True(dErrors.Is(err, dErrors.CodeConflict))

	s.Empty(s.signer.payments)
}

func (s *VoucherSuite) TestSetLimitOwnerOnly() {
	v := s.issueFunded(0, 0)
	ctx := context.Background()

	err := s.service.SetLimit(ctx, v.Code, "MALLORY", 10)
	s.True(dErrors.Is(err, dErrors.CodeUnauthorized))

	s.Require().NoError(s.service.SetLimit(ctx, v.Code, "OWNER1", 10))
	after, err := s.store.VoucherByCode(ctx, v.Code)
	s.Require().NoError(err)
	s.Equal(10, after.UsageLimit)

	err = s.service.SetLimit(ctx, v.Code, "OWNER1", -1)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *VoucherSuite) TestList() {
	a := s.issueFunded(0, 0)
	vouchers, err := s.service.List(context.Background(), "OWNER1")
	s.Require().NoError(err)
	s.Require().Len(vouchers, 1)
	s.Equal(a.Code, vouchers[0].Code)

	vouchers, err = s.service.List(context.Background(), "NOBODY")
	s.Require().NoError(err)
	s.Empty(vouchers)
}
