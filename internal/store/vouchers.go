package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"attestor/internal/models"
	"attestor/pkg/platform/sentinel"
)

const voucherCols = `
	code, owner_address, owner_device, funding_address, usage_limit,
	balance, deposited_balance, created_at`

func scanVoucher(row rowScanner) (models.Voucher, error) {
	var v models.Voucher
	err := row.Scan(&v.Code, &v.OwnerAddress, &v.OwnerDevice,
		&v.FundingAddress, &v.UsageLimit, &v.Balance, &v.DepositedBalance,
		&v.CreatedAt)
	if err != nil {
		return models.Voucher{}, asSentinel(err)
	}
	return v, nil
}

// CreateVoucher persists a freshly issued voucher.
func (s *Postgres) CreateVoucher(ctx context.Context, v models.Voucher) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vouchers
			(code, owner_address, owner_device, funding_address, usage_limit)
		VALUES ($1, $2, $3, $4, $5)`,
		v.Code, v.OwnerAddress, v.OwnerDevice, v.FundingAddress, v.UsageLimit)
	return asSentinel(err)
}

// VoucherByCode looks a voucher up by its shared code.
func (s *Postgres) VoucherByCode(ctx context.Context, code string) (models.Voucher, error) {
	return scanVoucher(s.db.QueryRowContext(ctx,
		`SELECT `+voucherCols+` FROM vouchers WHERE code = $1`, code))
}

// VoucherByFunding resolves the voucher a ledger output deposited into.
func (s *Postgres) VoucherByFunding(ctx context.Context, addr models.Address) (models.Voucher, error) {
	return scanVoucher(s.db.QueryRowContext(ctx,
		`SELECT `+voucherCols+` FROM vouchers WHERE funding_address = $1`, addr))
}

// VouchersByOwner lists a sponsor's vouchers.
func (s *Postgres) VouchersByOwner(ctx context.Context, owner models.Address) ([]models.Voucher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voucherCols+` FROM vouchers WHERE owner_address = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("vouchers by owner: %w", err)
	}
	defer rows.Close()
	var out []models.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetVoucherLimit updates the per-device usage limit.
func (s *Postgres) SetVoucherLimit(ctx context.Context, code string, limit int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vouchers SET usage_limit = $2 WHERE code = $1`, code, limit)
	if err != nil {
		return fmt.Errorf("set voucher limit: %w", err)
	}
	return requireRow(res)
}

// VoucherUsageCount counts how many attestations a device has funded from
// this voucher.
func (s *Postgres) VoucherUsageCount(ctx context.Context, code string, device models.DeviceID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM transactions t
		JOIN receiving_addresses ra ON ra.payment_address = t.payment_address
		WHERE t.voucher_code = $1 AND ra.device_address = $2`,
		code, device).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("voucher usage count: %w", err)
	}
	return n, nil
}

// ConsumeVoucher debits the voucher and creates the funded transaction in
// one database transaction, so concurrent attestations cannot oversell the
// balance. The funded transaction is confirmed immediately: no on-ledger
// payment backs it. Returns sentinel.ErrInsufficientFunds when the balance
// cannot cover the price.
func (s *Postgres) ConsumeVoucher(ctx context.Context, code string, payment models.Address, price int64) (int64, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("consume voucher: begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	res, err := dbtx.ExecContext(ctx, `
		UPDATE vouchers
		SET balance = balance - $2,
		    deposited_balance = LEAST(deposited_balance, balance - $2)
		WHERE code = $1 AND balance >= $2`, code, price)
	if err != nil {
		return 0, fmt.Errorf("consume voucher: debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if _, err := s.VoucherByCode(ctx, code); err != nil {
			return 0, err
		}
		return 0, sentinel.ErrInsufficientFunds
	}

	var txID int64
	err = dbtx.QueryRowContext(ctx, `
		INSERT INTO transactions
			(payment_address, price, received_amount, is_confirmed, confirmed_at, voucher_code)
		VALUES ($1, 0, 0, TRUE, now(), $2)
		RETURNING transaction_id`, payment, code).Scan(&txID)
	if err != nil {
		return 0, fmt.Errorf("consume voucher: transaction: %w", err)
	}

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO voucher_transactions (voucher_code, transaction_id, amount, applied)
		VALUES ($1, $2, $3, TRUE)`, code, txID, -price)
	if err != nil {
		return 0, fmt.Errorf("consume voucher: debit record: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return 0, fmt.Errorf("consume voucher: commit: %w", err)
	}
	return txID, nil
}

// RecordVoucherDeposit stores an incoming funding payment awaiting ledger
// stability. Duplicate units (event replays) are ignored.
func (s *Postgres) RecordVoucherDeposit(ctx context.Context, funding models.Address, amount int64, unit models.UnitID, fromDistribution bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voucher_transactions (voucher_code, amount, unit, from_distribution)
		SELECT code, $2, $3, $4 FROM vouchers WHERE funding_address = $1
		ON CONFLICT (unit) DO NOTHING`,
		funding, amount, unit, fromDistribution)
	if err != nil {
		return fmt.Errorf("record voucher deposit: %w", err)
	}
	return nil
}

// ApplyVoucherDeposits credits balances for deposits whose units became
// stable. Deposits from the distribution fund (referral earnings routed
// back) raise the balance only; everything else is owner-reclaimable.
func (s *Postgres) ApplyVoucherDeposits(ctx context.Context, units []models.UnitID) ([]models.VoucherCredit, error) {
	if len(units) == 0 {
		return nil, nil
	}
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = string(u)
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("apply voucher deposits: begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	rows, err := dbtx.QueryContext(ctx, `
		UPDATE voucher_transactions SET applied = TRUE
		WHERE unit = ANY($1) AND NOT applied
		RETURNING voucher_code, amount, from_distribution`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("apply voucher deposits: claim: %w", err)
	}
	type pending struct {
		code             string
		amount           int64
		fromDistribution bool
	}
	var deposits []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.code, &p.amount, &p.fromDistribution); err != nil {
			rows.Close()
			return nil, err
		}
		deposits = append(deposits, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var credits []models.VoucherCredit
	for _, d := range deposits {
		var query string
		if d.fromDistribution {
			query = `UPDATE vouchers SET balance = balance + $2 WHERE code = $1 RETURNING owner_device`
		} else {
			query = `UPDATE vouchers SET balance = balance + $2, deposited_balance = deposited_balance + $2 WHERE code = $1 RETURNING owner_device`
		}
		var device models.DeviceID
		if err := dbtx.QueryRowContext(ctx, query, d.code, d.amount).Scan(&device); err != nil {
			return nil, fmt.Errorf("apply voucher deposits: credit: %w", err)
		}
		credits = append(credits, models.VoucherCredit{
			Code:             d.code,
			OwnerDevice:      device,
			Amount:           d.amount,
			FromDistribution: d.fromDistribution,
		})
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("apply voucher deposits: commit: %w", err)
	}
	return credits, nil
}

// ApplyVoucherWithdrawal debits the withdrawn amounts after the payout
// broadcast succeeded. direct comes out of the owner-reclaimable subset.
func (s *Postgres) ApplyVoucherWithdrawal(ctx context.Context, code string, direct, contractAmount int64, unit models.UnitID) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply withdrawal: begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	res, err := dbtx.ExecContext(ctx, `
		UPDATE vouchers
		SET balance = balance - $2 - $3,
		    deposited_balance = deposited_balance - $2
		WHERE code = $1 AND balance >= $2 + $3 AND deposited_balance >= $2`,
		code, direct, contractAmount)
	if err != nil {
		return fmt.Errorf("apply withdrawal: debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrInsufficientFunds
	}

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO voucher_transactions (voucher_code, amount, unit, applied)
		VALUES ($1, $2, $3, TRUE)`, code, -(direct + contractAmount), unit)
	if err != nil {
		return fmt.Errorf("apply withdrawal: record: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("apply withdrawal: commit: %w", err)
	}
	return nil
}
