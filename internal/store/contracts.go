package store

import (
	"context"
	"fmt"

	"attestor/internal/models"
)

// ContractByUser returns the user's vesting contract, or sentinel.ErrNotFound.
func (s *Postgres) ContractByUser(ctx context.Context, user models.Address) (models.Contract, error) {
	var c models.Contract
	err := s.db.QueryRowContext(ctx, `
		SELECT user_address, contract_address, vesting_date, created_at
		FROM contracts WHERE user_address = $1`, user).
		Scan(&c.UserAddress, &c.ContractAddress, &c.VestingDate, &c.CreatedAt)
	if err != nil {
		return models.Contract{}, asSentinel(err)
	}
	return c, nil
}

// SaveContract records a newly defined vesting contract. A concurrent insert
// for the same user wins silently; callers re-read to get the kept row.
func (s *Postgres) SaveContract(ctx context.Context, c models.Contract) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (user_address, contract_address, vesting_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_address) DO NOTHING`,
		c.UserAddress, c.ContractAddress, c.VestingDate)
	if err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}

// InsertRejectedPayment audits a payment that could not be accepted. Replayed
// ledger events hit the primary key and are ignored.
func (s *Postgres) InsertRejectedPayment(ctx context.Context, rp models.RejectedPayment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_payments
			(payment_unit, payment_address, price, received_amount, delay_seconds, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_unit) DO NOTHING`,
		rp.PaymentUnit, rp.PaymentAddress, rp.Price, rp.ReceivedAmount,
		rp.DelaySeconds, rp.Reason)
	if err != nil {
		return fmt.Errorf("insert rejected payment: %w", err)
	}
	return nil
}
