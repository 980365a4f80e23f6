// Package payment matches incoming ledger outputs to the addresses the
// service watches: per-user receiving addresses (attestation payments) and
// voucher funding addresses (deposits). Acceptance happens when the payment
// is first seen; verification starts only once the unit is stable.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/metrics"
	"attestor/internal/rates"
	"attestor/pkg/platform/sentinel"
)

// Store is the persistence the matcher needs.
type Store interface {
	ReceivingAddress(ctx context.Context, device models.DeviceID, user models.Address) (models.ReceivingAddress, error)
	ReceivingAddressByPayment(ctx context.Context, payment models.Address) (models.ReceivingAddress, error)
	CreateReceivingAddress(ctx context.Context, ra models.ReceivingAddress) error
	UpdateQuote(ctx context.Context, payment models.Address, price int64, at time.Time) error
	ClearUserAddress(ctx context.Context, device models.DeviceID) error
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	TransactionContextsByUnits(ctx context.Context, units []models.UnitID) ([]models.TxContext, error)
	MarkConfirmed(ctx context.Context, id int64, at time.Time) error
	InsertRejectedPayment(ctx context.Context, rp models.RejectedPayment) error
	VoucherByFunding(ctx context.Context, addr models.Address) (models.Voucher, error)
	RecordVoucherDeposit(ctx context.Context, funding models.Address, amount int64, unit models.UnitID, fromDistribution bool) error
	ApplyVoucherDeposits(ctx context.Context, units []models.UnitID) ([]models.VoucherCredit, error)
}

// ScanStarter kicks off verification once a payment is stable.
type ScanStarter interface {
	InitiateScan(ctx context.Context, txID int64) error
}

// Payment is one incoming output on a watched address, as reported by the
// wallet node.
type Payment struct {
	Unit    models.UnitID
	Address models.Address
	Amount  int64
	Asset   string // empty for the native currency
}

// Service matches payments.
type Service struct {
	store   Store
	chain   ledger.ChainQuery
	signer  ledger.Signer
	rates   *rates.Converter
	scans   ScanStarter
	locks   *keylock.Map
	notify  notify.Notifier
	metrics *metrics.Metrics
	log     *slog.Logger

	priceUSD     decimal.Decimal
	staleness    time.Duration
	distribution models.Address
}

func NewService(store Store, chain ledger.ChainQuery, signer ledger.Signer, conv *rates.Converter, scans ScanStarter, locks *keylock.Map, n notify.Notifier, m *metrics.Metrics, log *slog.Logger, priceUSD decimal.Decimal, staleness time.Duration, distribution models.Address) *Service {
	return &Service{
		store: store, chain: chain, signer: signer, rates: conv, scans: scans,
		locks: locks, notify: n, metrics: m, log: log,
		priceUSD: priceUSD, staleness: staleness, distribution: distribution,
	}
}

// ReceivingAddressFor returns the payment address for a bound user,
// allocating one from the wallet pool on first use and quoting the current
// price. The quote is what the user is later held to, within the staleness
// window.
func (s *Service) ReceivingAddressFor(ctx context.Context, device models.DeviceID, user models.Address) (models.ReceivingAddress, error) {
	var ra models.ReceivingAddress
	err := s.locks.Do(string(device), func() error {
		price, err := s.rates.BytesForUSD(ctx, s.priceUSD)
		if err != nil {
			return err
		}
		ra, err = s.store.ReceivingAddress(ctx, device, user)
		if err == nil {
			if time.Since(ra.QuotedAt) > s.staleness {
				if err := s.store.UpdateQuote(ctx, ra.PaymentAddress, price, time.Now()); err != nil {
					return err
				}
				ra.QuotedPrice = price
				ra.QuotedAt = time.Now()
			}
			return nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		addr, err := s.signer.IssueReceivingAddress(ctx)
		if err != nil {
			return fmt.Errorf("issue receiving address: %w", err)
		}
		ra = models.ReceivingAddress{
			PaymentAddress: addr,
			Device:         device,
			UserAddress:    user,
			QuotedPrice:    price,
			QuotedAt:       time.Now(),
		}
		return s.store.CreateReceivingAddress(ctx, ra)
	})
	if err != nil {
		return models.ReceivingAddress{}, err
	}
	return ra, nil
}

// OnConfirmedIncomingPayment handles one incoming output the wallet saw.
// The checks mirror what the payment will be held to: right asset, a single
// author matching the bound user address, and the quoted price within its
// staleness window. Anything else is recorded in rejected_payments, keyed by
// unit so replays are no-ops.
func (s *Service) OnConfirmedIncomingPayment(ctx context.Context, p Payment) error {
	ra, err := s.store.ReceivingAddressByPayment(ctx, p.Address)
	if errors.Is(err, sentinel.ErrNotFound) {
		return s.maybeVoucherDeposit(ctx, p)
	}
	if err != nil {
		return err
	}

	if p.Asset != "" {
		return s.reject(ctx, ra, p, 0, "payment in a non-native asset")
	}
	authors, err := s.chain.UnitAuthors(ctx, p.Unit)
	if err != nil {
		return fmt.Errorf("unit authors: %w", err)
	}
	if len(authors) != 1 {
		return s.reject(ctx, ra, p, 0, "payment signed by multiple authors")
	}
	if authors[0] != ra.UserAddress {
		// Whoever paid is not who the device claimed to be. Drop the binding
		// so the user has to re-state their address.
		if err := s.store.ClearUserAddress(ctx, ra.Device); err != nil {
			return err
		}
		return s.reject(ctx, ra, p, 0, "payment author does not match your stated address")
	}

	price := ra.QuotedPrice
	age := time.Since(ra.QuotedAt)
	if ra.QuotedAt.IsZero() || age > s.staleness {
		// The quote expired; the payment must meet the current price.
		current, err := s.rates.BytesForUSD(ctx, s.priceUSD)
		if err != nil {
			return err
		}
		if err := s.store.UpdateQuote(ctx, p.Address, current, time.Now()); err != nil {
			return err
		}
		if p.Amount < current {
			delay := int64((age - s.staleness).Seconds())
			return s.reject(ctx, ra, p, delay,
				fmt.Sprintf("your quoted price expired; the current price is %d bytes", current))
		}
		price = current
	} else if p.Amount < price {
		return s.reject(ctx, ra, p, 0,
			fmt.Sprintf("received %d bytes, the attestation price is %d bytes", p.Amount, price))
	}

	tx := models.Transaction{
		PaymentAddress: p.Address,
		Price:          price,
		ReceivedAmount: p.Amount,
		PaymentUnit:    p.Unit,
	}
	if err := s.store.CreateTransaction(ctx, &tx); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.log.Debug("payment event replayed", "unit", p.Unit)
			return nil
		}
		return err
	}
	s.metrics.PaymentsAccepted.Inc()
	s.log.Info("payment accepted", "transaction_id", tx.ID, "unit", p.Unit, "amount", p.Amount)

	if err := s.notify.Send(ctx, ra.Device, "Payment received. Verification starts once it is confirmed by the network."); err != nil {
		s.log.Warn("payment notification failed", "device", ra.Device, "error", err)
	}
	return nil
}

// maybeVoucherDeposit records a payment to a voucher funding address. The
// balance is credited only once the unit is stable. Deposits sent by the
// distribution fund itself (accrued referral earnings) are flagged: they
// raise the balance but never the owner-reclaimable portion.
func (s *Service) maybeVoucherDeposit(ctx context.Context, p Payment) error {
	v, err := s.store.VoucherByFunding(ctx, p.Address)
	if errors.Is(err, sentinel.ErrNotFound) {
		s.log.Debug("payment to unknown address ignored", "address", p.Address, "unit", p.Unit)
		return nil
	}
	if err != nil {
		return err
	}
	if p.Asset != "" {
		s.log.Warn("non-native voucher deposit ignored", "code", v.Code, "unit", p.Unit)
		return nil
	}
	authors, err := s.chain.UnitAuthors(ctx, p.Unit)
	if err != nil {
		return fmt.Errorf("unit authors: %w", err)
	}
	fromDistribution := false
	for _, a := range authors {
		if a == s.distribution {
			fromDistribution = true
		}
	}
	if err := s.store.RecordVoucherDeposit(ctx, p.Address, p.Amount, p.Unit, fromDistribution); err != nil {
		return err
	}
	s.log.Info("voucher deposit recorded", "code", v.Code, "unit", p.Unit, "amount", p.Amount)
	return nil
}

func (s *Service) reject(ctx context.Context, ra models.ReceivingAddress, p Payment, delay int64, reason string) error {
	err := s.store.InsertRejectedPayment(ctx, models.RejectedPayment{
		PaymentUnit:    p.Unit,
		PaymentAddress: p.Address,
		Price:          ra.QuotedPrice,
		ReceivedAmount: p.Amount,
		DelaySeconds:   delay,
		Reason:         reason,
	})
	if err != nil {
		return err
	}
	s.metrics.PaymentsRejected.Inc()
	s.log.Info("payment rejected", "unit", p.Unit, "reason", reason)

	if nerr := s.notify.Send(ctx, ra.Device, "Your payment could not be accepted: "+reason); nerr != nil {
		s.log.Warn("rejection notification failed", "device", ra.Device, "error", nerr)
	}
	return nil
}

// OnPaymentStable reacts to units reaching ledger finality: transactions are
// confirmed and sent to verification, recorded voucher deposits are credited.
func (s *Service) OnPaymentStable(ctx context.Context, units []models.UnitID) error {
	tcs, err := s.store.TransactionContextsByUnits(ctx, units)
	if err != nil {
		return err
	}
	for _, tc := range tcs {
		if !tc.Tx.Confirmed {
			if err := s.store.MarkConfirmed(ctx, tc.Tx.ID, time.Now()); err != nil {
				return err
			}
		}
		if err := s.scans.InitiateScan(ctx, tc.Tx.ID); err != nil {
			s.log.Warn("scan init failed, sweep will retry", "transaction_id", tc.Tx.ID, "error", err)
		}
	}

	credits, err := s.store.ApplyVoucherDeposits(ctx, units)
	if err != nil {
		return err
	}
	for _, c := range credits {
		if c.FromDistribution {
			continue
		}
		text := fmt.Sprintf("Your voucher %s was credited with %d bytes.", c.Code, c.Amount)
		if err := s.notify.Send(ctx, c.OwnerDevice, text); err != nil {
			s.log.Warn("deposit notification failed", "device", c.OwnerDevice, "error", err)
		}
	}
	return nil
}
