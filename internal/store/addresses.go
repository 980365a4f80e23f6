package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"attestor/internal/models"
)

const receivingAddressCols = `
	payment_address, device_address, user_address, post_publicly,
	quoted_price, quoted_at, created_at`

func scanReceivingAddress(row *sql.Row) (models.ReceivingAddress, error) {
	var (
		ra       models.ReceivingAddress
		quotedAt sql.NullTime
	)
	err := row.Scan(&ra.PaymentAddress, &ra.Device, &ra.UserAddress,
		&ra.Visibility, &ra.QuotedPrice, &quotedAt, &ra.CreatedAt)
	if err != nil {
		return models.ReceivingAddress{}, asSentinel(err)
	}
	if quotedAt.Valid {
		ra.QuotedAt = quotedAt.Time
	}
	return ra, nil
}

// ReceivingAddress returns the payment address assigned to a (device, user
// address) pair, or sentinel.ErrNotFound when none was allocated yet.
func (s *Postgres) ReceivingAddress(ctx context.Context, device models.DeviceID, user models.Address) (models.ReceivingAddress, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+receivingAddressCols+`
		FROM receiving_addresses WHERE device_address = $1 AND user_address = $2`,
		device, user)
	return scanReceivingAddress(row)
}

// ReceivingAddressByPayment looks up the row a ledger output paid into.
func (s *Postgres) ReceivingAddressByPayment(ctx context.Context, payment models.Address) (models.ReceivingAddress, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+receivingAddressCols+`
		FROM receiving_addresses WHERE payment_address = $1`, payment)
	return scanReceivingAddress(row)
}

// CreateReceivingAddress persists a freshly issued payment address.
func (s *Postgres) CreateReceivingAddress(ctx context.Context, ra models.ReceivingAddress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receiving_addresses
			(payment_address, device_address, user_address, post_publicly, quoted_price, quoted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ra.PaymentAddress, ra.Device, ra.UserAddress, ra.Visibility,
		ra.QuotedPrice, nullIfZeroTime(ra.QuotedAt))
	if err != nil {
		return asSentinel(err)
	}
	return nil
}

// UpdateQuote records the latest quoted price for a payment address.
func (s *Postgres) UpdateQuote(ctx context.Context, payment models.Address, price int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE receiving_addresses SET quoted_price = $2, quoted_at = $3
		WHERE payment_address = $1`, payment, price, at)
	if err != nil {
		return fmt.Errorf("update quote: %w", err)
	}
	return requireRow(res)
}

// SetVisibility records the user's private/public publishing choice.
func (s *Postgres) SetVisibility(ctx context.Context, device models.DeviceID, user models.Address, v models.Visibility) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE receiving_addresses SET post_publicly = $3
		WHERE device_address = $1 AND user_address = $2`, device, user, v)
	if err != nil {
		return fmt.Errorf("set visibility: %w", err)
	}
	return requireRow(res)
}

func nullIfZeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
