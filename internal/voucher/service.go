// Package voucher manages prepaid attestation balances. A voucher is a
// short shareable code backed by a funding address; anyone holding the code
// can fund their verification from its balance, bounded by a per-device
// usage limit. The owner can reclaim deposited funds; referral earnings
// accrued into the voucher leave only through the vesting contract.
package voucher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/metrics"
	"attestor/internal/rates"
	"attestor/internal/vesting"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/platform/sentinel"
)

// Store is the voucher bookkeeping.
type Store interface {
	CreateVoucher(ctx context.Context, v models.Voucher) error
	VoucherByCode(ctx context.Context, code string) (models.Voucher, error)
	VouchersByOwner(ctx context.Context, owner models.Address) ([]models.Voucher, error)
	SetVoucherLimit(ctx context.Context, code string, limit int) error
	VoucherUsageCount(ctx context.Context, code string, device models.DeviceID) (int, error)
	ConsumeVoucher(ctx context.Context, code string, payment models.Address, price int64) (int64, error)
	ApplyVoucherWithdrawal(ctx context.Context, code string, direct, contractAmount int64, unit models.UnitID) error
}

// Service implements the voucher operations.
type Service struct {
	store   Store
	signer  ledger.Signer
	rates   *rates.Converter
	vesting *vesting.Service
	locks   *keylock.Map
	notify  notify.Notifier
	metrics *metrics.Metrics
	log     *slog.Logger

	priceUSD     decimal.Decimal
	defaultLimit int
}

func NewService(store Store, signer ledger.Signer, conv *rates.Converter, vest *vesting.Service, locks *keylock.Map, n notify.Notifier, m *metrics.Metrics, log *slog.Logger, priceUSD decimal.Decimal, defaultLimit int) *Service {
	return &Service{
		store: store, signer: signer, rates: conv, vesting: vest,
		locks: locks, notify: n, metrics: m, log: log,
		priceUSD: priceUSD, defaultLimit: defaultLimit,
	}
}

// Issue creates a voucher for a sponsor: a fresh funding address from the
// wallet pool and a generated code. The code alphabet avoids ambiguous
// characters since codes are relayed through chat.
func (s *Service) Issue(ctx context.Context, owner models.Address, device models.DeviceID) (models.Voucher, error) {
	funding, err := s.signer.IssueReceivingAddress(ctx)
	if err != nil {
		return models.Voucher{}, fmt.Errorf("issue funding address: %w", err)
	}
	for range 3 {
		code, err := newCode()
		if err != nil {
			return models.Voucher{}, err
		}
		v := models.Voucher{
			Code: code, OwnerAddress: owner, OwnerDevice: device,
			FundingAddress: funding, UsageLimit: s.defaultLimit,
		}
		err = s.store.CreateVoucher(ctx, v)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return models.Voucher{}, err
		}
		s.log.Info("voucher issued", "code", code, "owner", owner, "funding_address", funding)
		return v, nil
	}
	return models.Voucher{}, dErrors.New(dErrors.CodeInternal, "could not generate a unique voucher code")
}

// Apply funds a verification from a voucher. The created transaction is
// confirmed immediately (no ledger payment backs it) and is returned for
// scan initiation. Balance and usage checks run under the voucher lock.
func (s *Service) Apply(ctx context.Context, code string, device models.DeviceID, payment models.Address) (int64, error) {
	var txID int64
	err := s.locks.Do("voucher-"+code, func() error {
		v, err := s.store.VoucherByCode(ctx, code)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "unknown voucher code")
			}
			return err
		}
		used, err := s.store.VoucherUsageCount(ctx, code, device)
		if err != nil {
			return err
		}
		if used >= v.UsageLimit {
			return dErrors.New(dErrors.CodeConflict,
				fmt.Sprintf("this voucher allows %d attestations per device", v.UsageLimit))
		}
		price, err := s.rates.BytesForUSD(ctx, s.priceUSD)
		if err != nil {
			return err
		}
		txID, err = s.store.ConsumeVoucher(ctx, code, payment, price)
		if errors.Is(err, sentinel.ErrInsufficientFunds) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "voucher balance cannot cover the attestation price")
		}
		if err != nil {
			return err
		}
		s.metrics.VoucherConsumptions.Inc()
		s.log.Info("voucher consumed", "code", code, "transaction_id", txID, "price", price)

		if err := s.notify.Send(ctx, v.OwnerDevice,
			fmt.Sprintf("Your voucher %s funded a verification (%d bytes).", code, price)); err != nil {
			s.log.Warn("voucher notification failed", "device", v.OwnerDevice, "error", err)
		}
		return nil
	})
	return txID, err
}

// Withdraw pays part of the voucher balance back to its owner. The
// owner-deposited portion goes straight to the owner's address; referral
// earnings beyond it can only leave into the owner's vesting contract.
func (s *Service) Withdraw(ctx context.Context, code string, requestor models.Address, device models.DeviceID, amount int64) (models.UnitID, error) {
	var unit models.UnitID
	err := s.locks.Do("voucher-"+code, func() error {
		v, err := s.store.VoucherByCode(ctx, code)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "unknown voucher code")
			}
			return err
		}
		if v.OwnerAddress != requestor {
			return dErrors.New(dErrors.CodeUnauthorized, "only the voucher owner can withdraw")
		}
		if amount <= 0 {
			return dErrors.New(dErrors.CodeBadRequest, "withdrawal amount must be positive")
		}
		if amount > v.Balance {
			return dErrors.New(dErrors.CodeConflict,
				fmt.Sprintf("voucher balance is %d bytes", v.Balance))
		}

		direct := min(amount, v.DepositedBalance)
		contractAmount := amount - direct

		outputs := make([]ledger.Output, 0, 2)
		if direct > 0 {
			outputs = append(outputs, ledger.Output{Address: v.OwnerAddress, Amount: direct})
		}
		if contractAmount > 0 {
			c, err := s.vesting.ContractFor(ctx, v.OwnerAddress, device)
			if err != nil {
				return err
			}
			outputs = append(outputs, ledger.Output{Address: c.ContractAddress, Amount: contractAmount})
		}
		unit, err = s.signer.SendPayment(ctx, v.FundingAddress, outputs)
		if err != nil {
			return fmt.Errorf("send withdrawal: %w", err)
		}
		if err := s.store.ApplyVoucherWithdrawal(ctx, code, direct, contractAmount, unit); err != nil {
			return err
		}
		s.log.Info("voucher withdrawal", "code", code, "direct", direct,
			"contract", contractAmount, "unit", unit)
		return nil
	})
	return unit, err
}

// SetLimit updates the per-device usage limit. Owner-only.
func (s *Service) SetLimit(ctx context.Context, code string, requestor models.Address, limit int) error {
	return s.locks.Do("voucher-"+code, func() error {
		v, err := s.store.VoucherByCode(ctx, code)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "unknown voucher code")
			}
			return err
		}
		if v.OwnerAddress != requestor {
			return dErrors.New(dErrors.CodeUnauthorized, "only the voucher owner can change the limit")
		}
		if limit < 0 {
			return dErrors.New(dErrors.CodeBadRequest, "usage limit cannot be negative")
		}
		return s.store.SetVoucherLimit(ctx, code, limit)
	})
}

// List returns a sponsor's vouchers.
func (s *Service) List(ctx context.Context, owner models.Address) ([]models.Voucher, error) {
	return s.store.VouchersByOwner(ctx, owner)
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newCode() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("voucher code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
