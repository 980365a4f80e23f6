package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"attestor/internal/alert"
	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/payment"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/logger"
	"attestor/internal/platform/metrics"
	"attestor/internal/rates"
	"attestor/internal/store/memory"
	"attestor/internal/verification"
	"attestor/internal/vesting"
	"attestor/internal/voucher"
)

var testMetrics = metrics.New()

type fakeRate struct{}

func (fakeRate) GBYTEUSD(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(20), nil
}

type fakeSigner struct{ issued int }

func (f *fakeSigner) IssueReceivingAddress(context.Context) (models.Address, error) {
	f.issued++
	return models.Address(fmt.Sprintf("RECV%d", f.issued)), nil
}

func (f *fakeSigner) SendPayment(context.Context, models.Address, []ledger.Output) (models.UnitID, error) {
	return "sent-unit", nil
}

func (f *fakeSigner) PostAttestation(context.Context, models.Address, []byte) (models.UnitID, error) {
	return "claim-unit", nil
}

func (f *fakeSigner) CreateVestingContract(context.Context, models.Address, models.DeviceID, int64, int64) (models.Address, error) {
	return "CONTRACT", nil
}

type fakeChain struct{}

func (fakeChain) UnitAuthors(context.Context, models.UnitID) ([]models.Address, error) {
	return nil, nil
}

func (fakeChain) TransferInputs(context.Context, []models.UnitID) ([]ledger.AncestorInput, error) {
	return nil, nil
}

func (fakeChain) Balance(context.Context, models.Address) (int64, error) { return 0, nil }

type fakeProvider struct{}

func (fakeProvider) Name() string { return "jumio" }

func (fakeProvider) InitScan(context.Context, string, string) (verification.Scan, error) {
	return verification.Scan{Reference: "scan-1", URL: "https://verify.example.org/scan-1"}, nil
}

func (fakeProvider) Poll(context.Context, string) (*verification.Result, error) {
	return nil, nil
}

type fakeSettler struct{ approved int }

func (f *fakeSettler) OnApproved(context.Context, models.TxContext, models.Profile, bool) error {
	f.approved++
	return nil
}

type nullAlerter struct{}

func (nullAlerter) Alert(context.Context, alert.Event) error { return nil }

type fakeGeo struct{}

func (fakeGeo) CountryOf(context.Context, string) (string, error) { return "DE", nil }

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

type HandlerSuite struct {
	suite.Suite
	store   *memory.Store
	tokens  *verification.CallbackTokens
	settler *fakeSettler
	healthy bool
	server  *httptest.Server
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.store = memory.New()
	s.settler = &fakeSettler{}
	s.healthy = true
	s.tokens = verification.NewCallbackTokens("test-signing-key", time.Hour)
	log := logger.New()
	locks := keylock.New()
	notifier := notify.Func(func(context.Context, models.DeviceID, string) error { return nil })
	conv := rates.NewConverter(fakeRate{})
	signer := &fakeSigner{}

	verif := verification.NewService(s.store, verification.NewRegistry("jumio", fakeProvider{}),
		s.tokens, fakeGeo{}, locks, notifier, nullAlerter{}, testMetrics, log, s.settler, "test-salt")
	payments := payment.NewService(s.store, fakeChain{}, signer, conv, verif, locks,
		notifier, testMetrics, log, decimal.NewFromInt(8), 72*time.Hour, "DISTRIBUTION")
	vest := vesting.NewService(s.store, signer, locks, log, 1, 2)
	vouchers := voucher.NewService(s.store, signer, conv, vest, locks, notifier,
		testMetrics, log, decimal.NewFromInt(8), 3)

	h := NewHandler(verif, payments, vouchers, s.store, log, healthFunc(func(context.Context) error {
		if !s.healthy {
			return errors.New("connection refused")
		}
		return nil
	}))
	s.server = httptest.NewServer(h.Router())
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
}

func (s *HandlerSuite) post(path, body string) (*http.Response, map[string]any) {
	resp, err := http.Post(s.server.URL+path, "application/json", strings.NewReader(body))
	s.Require().NoError(err)
	defer resp.Body.Close()
	var decoded map[string]any
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (s *HandlerSuite) get(path string) *http.Response {
	resp, err := http.Get(s.server.URL + path)
	s.Require().NoError(err)
	return resp
}

// seedScannedTx stores a confirmed transaction mid-verification and returns
// a valid state token for its callback.
func (s *HandlerSuite) seedScannedTx() string {
	ctx := context.Background()
	_, err := s.store.GetOrCreateUser(ctx, "DEVICE1")
	s.Require().NoError(err)
	s.Require().NoError(s.store.BindUserAddress(ctx, "DEVICE1", "USER1"))
	s.Require().NoError(s.store.CreateReceivingAddress(ctx, models.ReceivingAddress{
		PaymentAddress: "PAY1", Device: "DEVICE1", UserAddress: "USER1",
		Visibility: models.VisibilityPrivate,
	}))
	now := time.Now()
	tx := models.Transaction{PaymentAddress: "PAY1", Price: 100, ReceivedAmount: 100,
		PaymentUnit: "unit-1", Confirmed: true, ConfirmedAt: &now}
	s.Require().NoError(s.store.CreateTransaction(ctx, &tx))
	s.Require().NoError(s.store.SetScanReference(ctx, tx.ID, "scan-1"))
	token, err := s.tokens.Mint(tx.ID)
	s.Require().NoError(err)
	return token
}

const approvedCallback = `{
	"scan_reference": "scan-1",
	"verified": true,
	"liveness_passed": true,
	"first_name": "Ada",
	"last_name": "Lovelace",
	"dob": "1815-12-10",
	"country": "GBR"
}`

func (s *HandlerSuite) TestCallbackOK() {
	token := s.seedScannedTx()

	resp, body := s.post("/cb?state="+token, approvedCallback)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["result"])
	s.Equal(1, s.settler.approved)
}

func (s *HandlerSuite) TestCallbackMissingState() {
	resp, body := s.post("/cb", approvedCallback)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Equal("error", body["result"])
}

func (s *HandlerSuite) TestCallbackForgedToken() {
	s.seedScannedTx()
	resp, body := s.post("/cb?state=forged", approvedCallback)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Equal("error", body["result"])
	s.Zero(s.settler.approved)
}

func (s *HandlerSuite) TestCallbackMalformedBody() {
	token := s.seedScannedTx()
	resp, _ := s.post("/cb?state="+token, "{not json")
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlerSuite) TestHealth() {
	resp := s.get("/healthz")
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	s.healthy = false
	resp = s.get("/healthz")
	resp.Body.Close()
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *HandlerSuite) TestMetricsExposed() {
	resp := s.get("/metrics")
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerSuite) TestReceivingAddress() {
	resp, body := s.post("/addresses", `{"device":"DEVICE1","user_address":"USER1"}`)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("RECV1", body["payment_address"])
	s.EqualValues(400_000_000, body["price"])

	resp, _ = s.post("/addresses", `{"device":"DEVICE1"}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlerSuite) TestVisibilityChoice() {
	ctx := context.Background()
	_, body := s.post("/addresses", `{"device":"DEVICE1","user_address":"USER1"}`)
	s.Equal("RECV1", body["payment_address"])

	resp, _ := s.post("/addresses/visibility", `{"device":"DEVICE1","user_address":"USER1","public":true}`)
	s.Equal(http.StatusOK, resp.StatusCode)

	ra, err := s.store.ReceivingAddress(ctx, "DEVICE1", "USER1")
	s.Require().NoError(err)
	s.Equal(models.VisibilityPublic, ra.Visibility)

	resp, _ = s.post("/addresses/visibility", `{"device":"DEVICE1"}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlerSuite) TestVoucherLifecycle() {
	resp, body := s.post("/vouchers", `{"owner_address":"OWNER1","device":"OWNERDEV"}`)
	s.Equal(http.StatusCreated, resp.StatusCode)
	code, _ := body["code"].(string)
	s.Len(code, 12)
	funding, _ := body["funding_address"].(string)
	s.NotEmpty(funding)

	// Fund it and let the deposit settle.
	ctx := context.Background()
	s.Require().NoError(s.store.RecordVoucherDeposit(ctx, models.Address(funding), 1_000_000_000, "dep-1", false))
	_, err := s.store.ApplyVoucherDeposits(ctx, []models.UnitID{"dep-1"})
	s.Require().NoError(err)

	resp, body = s.post("/vouchers/"+code+"/apply", `{"device":"DEVICE2","user_address":"USER2"}`)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.NotZero(body["transaction_id"])

	resp = s.get("/vouchers?owner=OWNER1")
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
	var list []map[string]any
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&list))
	s.Require().Len(list, 1)
	s.EqualValues(600_000_000, list[0]["balance"])
}

func (s *HandlerSuite) TestVoucherLimitOwnerOnly() {
	_, body := s.post("/vouchers", `{"owner_address":"OWNER1","device":"OWNERDEV"}`)
	code, _ := body["code"].(string)

	resp, _ := s.post("/vouchers/"+code+"/limit", `{"owner_address":"MALLORY","limit":5}`)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.post("/vouchers/"+code+"/limit", `{"owner_address":"OWNER1","limit":5}`)
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerSuite) TestDonation() {
	ctx := context.Background()
	s.Require().NoError(s.store.CreateReceivingAddress(ctx, models.ReceivingAddress{
		PaymentAddress: "PAY1", Device: "DEVICE1", UserAddress: "USER1",
	}))
	tx := models.Transaction{PaymentAddress: "PAY1", PaymentUnit: "unit-1"}
	s.Require().NoError(s.store.CreateTransaction(ctx, &tx))
	_, err := s.store.InsertRewardUnit(ctx, models.RewardUnit{
		TransactionID: tx.ID, Device: "DEVICE1", UserAddress: "USER1", UserID: "uid-1", Reward: 100,
	})
	s.Require().NoError(err)

	resp, body := s.post(fmt.Sprintf("/rewards/%d/donation", tx.ID), `{"donated":true}`)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["result"])

	donated, err := s.store.DonatedUnpaidRewards(ctx)
	s.Require().NoError(err)
	s.Len(donated, 1)

	resp, _ = s.post("/rewards/notanumber/donation", `{"donated":true}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}
