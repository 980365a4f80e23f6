package referral

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/store/memory"
)

type fakeChain struct {
	inputs map[models.UnitID][]ledger.AncestorInput
}

func (f *fakeChain) UnitAuthors(context.Context, models.UnitID) ([]models.Address, error) {
	return nil, nil
}

func (f *fakeChain) TransferInputs(_ context.Context, units []models.UnitID) ([]ledger.AncestorInput, error) {
	var out []ledger.AncestorInput
	for _, u := range units {
		out = append(out, f.inputs[u]...)
	}
	return out, nil
}

func (f *fakeChain) Balance(context.Context, models.Address) (int64, error) {
	return 0, nil
}

type ReferralSuite struct {
	suite.Suite
	store   *memory.Store
	chain   *fakeChain
	service *Service
}

func TestReferralSuite(t *testing.T) {
	suite.Run(t, new(ReferralSuite))
}

func (s *ReferralSuite) SetupTest() {
	s.store = memory.New()
	s.chain = &fakeChain{inputs: make(map[models.UnitID][]ledger.AncestorInput)}
	s.service = NewService(s.store, s.chain, 5, slog.Default())
}

// seedAttested records a published real-name attestation for addr, funded by
// paymentUnit, so addr qualifies as a referrer.
func (s *ReferralSuite) seedAttested(addr models.Address, paymentUnit models.UnitID) {
	ctx := context.Background()
	device := models.DeviceID("DEV-" + addr)
	_, err := s.store.GetOrCreateUser(ctx, device)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreateReceivingAddress(ctx, models.ReceivingAddress{
		PaymentAddress: models.Address("PAY-" + addr), Device: device, UserAddress: addr,
	}))
	tx := models.Transaction{PaymentAddress: models.Address("PAY-" + addr), PaymentUnit: paymentUnit}
	s.Require().NoError(s.store.CreateTransaction(ctx, &tx))
	created, err := s.store.EnsureAttestationUnit(ctx, tx.ID, models.AttestationRealName)
	s.Require().NoError(err)
	s.Require().True(created)
	s.Require().NoError(s.store.MarkAttestationPublished(ctx, tx.ID, models.AttestationRealName,
		models.UnitID("claim-"+paymentUnit), time.Now()))
	inserted, err := s.store.InsertRewardUnit(ctx, models.RewardUnit{
		TransactionID: tx.ID, Device: device, UserAddress: addr,
		UserID: "uid-" + string(addr), Reward: 1,
	})
	s.Require().NoError(err)
	s.Require().True(inserted)
}

func (s *ReferralSuite) link(unit models.UnitID, inputs ...ledger.AncestorInput) {
	s.chain.inputs[unit] = inputs
}

func (s *ReferralSuite) TestDirectReferrer() {
	s.seedAttested("ALICE", "alice-payment")
	s.link("new-payment", ledger.AncestorInput{Address: "ALICE", SrcUnit: "u1", MainChainIndex: 10})

	ref, err := s.service.Resolve(context.Background(), "new-payment", "NEWUSER")
	s.Require().NoError(err)
	s.Require().NotNil(ref)
	s.EqualValues("ALICE", ref.UserAddress)
	s.Equal("uid-ALICE", ref.UserID)
}

func (s *ReferralSuite) TestSelfFundingNeverRefers() {
	s.seedAttested("NEWUSER", "prior-payment")
	s.link("new-payment", ledger.AncestorInput{Address: "NEWUSER", SrcUnit: "u1", MainChainIndex: 10})

	ref, err := s.service.Resolve(context.Background(), "new-payment", "NEWUSER")
	s.Require().NoError(err)
	s.Nil(ref)
}

func (s *ReferralSuite) TestOwnPaymentUnitExcluded() {
	// ALICE's attestation was funded by the very unit being walked, so she
	// cannot count as a referrer of it.
	s.seedAttested("ALICE", "new-payment")
	s.link("new-payment", ledger.AncestorInput{Address: "ALICE", SrcUnit: "u1", MainChainIndex: 10})

	ref, err := s.service.Resolve(context.Background(), "new-payment", "NEWUSER")
	s.Require().NoError(err)
	s.Nil(ref)
}

func (s *ReferralSuite) TestHighestMCIWinsWithinLevel() {
	s.seedAttested("ALICE", "alice-payment")
	s.seedAttested("BOB", "bob-payment")
	s.link("new-payment",
		ledger.AncestorInput{Address: "ALICE", SrcUnit: "u1", MainChainIndex: 10},
		ledger.AncestorInput{Address: "BOB", SrcUnit: "u2", MainChainIndex: 20},
	)

	ref, err := s.service.Resolve(context.Background(), "new-payment", "NEWUSER")
	s.Require().NoError(err)
	s.Require().NotNil(ref)
	s.EqualValues("BOB", ref.UserAddress, "the most recent funder takes the reward")
}

func (s *ReferralSuite) TestHighestMCIWinsAcrossDepths() {
	// A deeper ancestor with a more recent input beats a direct funder with
	// an older one; recency decides, not hop count.
	s.seedAttested("NEAR", "near-payment")
	s.seedAttested("FAR", "far-payment")
	s.link("new-payment", ledger.AncestorInput{Address: "NEAR", SrcUnit: "u1", MainChainIndex: 5})
	s.link("u1", ledger.AncestorInput{Address: "FAR", SrcUnit: "u2", MainChainIndex: 50})

	ref, err := s.service.Resolve(context.Background(), "new-payment", "NEWUSER")
	s.Require().NoError(err)
	s.Require().NotNil(ref)
	s.EqualValues("FAR", ref.UserAddress)
}

func (s *ReferralSuite) TestDeepUnattestedDoesNotShadowDirect() {
	s.seedAttested("NEAR", "near-payment")
	s.link("new-payment", ledger.AncestorInput{Address: "NEAR", SrcUnit: "u1", MainChainIndex: 5})
	s.link("u1", ledger.AncestorInput{Address: "STRANGER", SrcUnit: "u2", MainChainIndex: 50})

	ref, err := s.service.Resolve(context.Background(), "new-payment", "NEWUSER")
	s.Require().NoError(err)
	s.Require().NotNil(ref)
	s.EqualValues("NEAR", ref.UserAddress, "unattested ancestors never win, whatever their index")
}

func (s *ReferralSuite) TestDepthBound() {
	s.seedAttested("DEEP", "deep-payment")
	// Chain of unattested hops: the attested ancestor sits 6 levels up,
	// one past the bound.
	prev := models.UnitID("new-payment")
	for i := 0; i < 5; i++ {
		next := models.UnitID(fmt.Sprintf("hop-%d", i))
		s.link(prev, ledger.AncestorInput{Address: models.Address(fmt.Sprintf("NOBODY-%d", i)), SrcUnit: next, MainChainIndex: int64(i)})
		prev = next
	}
	s.link(prev, ledger.AncestorInput{Address: "DEEP", SrcUnit: "u-deep", MainChainIndex: 99})

	ref, err := s.service.Resolve(context.Background(), "new-payment", "NEWUSER")
	s.Require().NoError(err)
	s.Nil(ref, "ancestors past the depth bound never qualify")
}

func (s *ReferralSuite) TestWithinDepthBound() {
	s.seedAttested("DEEP", "deep-payment")
	prev := models.UnitID("new-payment")
	for i := 0; i < 4; i++ {
		next := models.UnitID(fmt.Sprintf("hop-%d", i))
		s.link(prev, ledger.AncestorInput{Address: models.Address(fmt.Sprintf("NOBODY-%d", i)), SrcUnit: next, MainChainIndex: int64(i)})
		prev = next
	}
	s.link(prev, ledger.AncestorInput{Address: "DEEP", SrcUnit: "u-deep", MainChainIndex: 99})

	ref, err := s.service.Resolve(context.Background(), "new-payment", "NEWUSER")
	s.Require().NoError(err)
	s.Require().NotNil(ref)
	s.EqualValues("DEEP", ref.UserAddress)
}
