package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"attestor/internal/models"
)

const txContextQuery = `
	SELECT t.transaction_id, t.payment_address, t.price, t.received_amount,
	       t.payment_unit, t.is_confirmed, t.confirmed_at, t.scan_reference,
	       t.outcome, t.decided_at, t.extracted_profile, t.voucher_code,
	       t.created_at,
	       ra.device_address, ra.user_address, ra.post_publicly,
	       u.service_provider
	FROM transactions t
	JOIN receiving_addresses ra ON ra.payment_address = t.payment_address
	JOIN users u ON u.device_address = ra.device_address`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxContext(row rowScanner) (models.TxContext, error) {
	var (
		tc          models.TxContext
		unit        sql.NullString
		confirmedAt sql.NullTime
		scanRef     sql.NullString
		decidedAt   sql.NullTime
		profile     []byte
		voucher     sql.NullString
	)
	err := row.Scan(&tc.Tx.ID, &tc.Tx.PaymentAddress, &tc.Tx.Price,
		&tc.Tx.ReceivedAmount, &unit, &tc.Tx.Confirmed, &confirmedAt,
		&scanRef, &tc.Tx.Outcome, &decidedAt, &profile, &voucher,
		&tc.Tx.CreatedAt, &tc.Device, &tc.UserAddress, &tc.Visibility,
		&tc.Provider)
	if err != nil {
		return models.TxContext{}, asSentinel(err)
	}
	tc.Tx.PaymentUnit = models.UnitID(unit.String)
	tc.Tx.ConfirmedAt = timePtr(confirmedAt)
	tc.Tx.ScanReference = scanRef.String
	tc.Tx.DecidedAt = timePtr(decidedAt)
	tc.Tx.Profile = profile
	tc.Tx.VoucherCode = voucher.String
	return tc, nil
}

// CreateTransaction inserts a transaction and fills in its id. A duplicate
// payment unit (ledger event replay) returns sentinel.ErrConflict.
func (s *Postgres) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions
			(payment_address, price, received_amount, payment_unit, is_confirmed, confirmed_at, voucher_code)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''))
		RETURNING transaction_id, created_at`,
		tx.PaymentAddress, tx.Price, tx.ReceivedAmount, tx.PaymentUnit,
		tx.Confirmed, nullTime(tx.ConfirmedAt), tx.VoucherCode).
		Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return asSentinel(err)
	}
	return nil
}

// TransactionContext loads a transaction with its owning identity.
func (s *Postgres) TransactionContext(ctx context.Context, id int64) (models.TxContext, error) {
	return scanTxContext(s.db.QueryRowContext(ctx,
		txContextQuery+` WHERE t.transaction_id = $1`, id))
}

// TransactionContextByScanRef resolves a vendor scan reference.
func (s *Postgres) TransactionContextByScanRef(ctx context.Context, ref string) (models.TxContext, error) {
	return scanTxContext(s.db.QueryRowContext(ctx,
		txContextQuery+` WHERE t.scan_reference = $1`, ref))
}

// TransactionContextsByUnits returns the transactions whose payment units
// are in the given set.
func (s *Postgres) TransactionContextsByUnits(ctx context.Context, units []models.UnitID) ([]models.TxContext, error) {
	if len(units) == 0 {
		return nil, nil
	}
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = string(u)
	}
	rows, err := s.db.QueryContext(ctx,
		txContextQuery+` WHERE t.payment_unit = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("transactions by units: %w", err)
	}
	return collectTxContexts(rows)
}

// LatestTransactionForAddress returns the most recent transaction paying
// into a receiving address.
func (s *Postgres) LatestTransactionForAddress(ctx context.Context, payment models.Address) (models.TxContext, error) {
	return scanTxContext(s.db.QueryRowContext(ctx,
		txContextQuery+` WHERE t.payment_address = $1 ORDER BY t.transaction_id DESC LIMIT 1`,
		payment))
}

// MarkConfirmed flips the ledger-stability flag.
func (s *Postgres) MarkConfirmed(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET is_confirmed = TRUE, confirmed_at = $2
		WHERE transaction_id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	return requireRow(res)
}

// SetScanReference persists the provider's opaque scan reference. Written
// before the user sees any link, so a crash never re-initiates a scan.
func (s *Postgres) SetScanReference(ctx context.Context, id int64, ref string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET scan_reference = $2 WHERE transaction_id = $1`,
		id, ref)
	if err != nil {
		return asSentinel(err)
	}
	return requireRow(res)
}

// DecideOutcome applies the verification outcome with a compare-and-set on
// pending. Returns false when the transaction was already decided, which
// callers report as a duplicate-callback anomaly.
func (s *Postgres) DecideOutcome(ctx context.Context, id int64, outcome models.Outcome, profile []byte, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET outcome = $2, decided_at = $3, extracted_profile = $4
		WHERE transaction_id = $1 AND outcome = 'pending'`,
		id, outcome, at, profile)
	if err != nil {
		return false, fmt.Errorf("decide outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnscannedConfirmed lists confirmed transactions with no scan reference
// yet; the scan-init sweep re-drives them.
func (s *Postgres) UnscannedConfirmed(ctx context.Context) ([]models.TxContext, error) {
	rows, err := s.db.QueryContext(ctx,
		txContextQuery+` WHERE t.is_confirmed AND t.scan_reference IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("unscanned confirmed: %w", err)
	}
	return collectTxContexts(rows)
}

// PendingScans lists transactions whose scan is in flight; the vendor poll
// sweep asks the provider for results.
func (s *Postgres) PendingScans(ctx context.Context) ([]models.TxContext, error) {
	rows, err := s.db.QueryContext(ctx,
		txContextQuery+` WHERE t.scan_reference IS NOT NULL AND t.outcome = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("pending scans: %w", err)
	}
	return collectTxContexts(rows)
}

// PurgeProfiles deletes extracted profiles of transactions whose real-name
// attestation was published before the cutoff.
func (s *Postgres) PurgeProfiles(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET extracted_profile = NULL
		WHERE extracted_profile IS NOT NULL AND transaction_id IN (
			SELECT transaction_id FROM attestation_units
			WHERE attestation_type = 'real name'
			  AND published_at IS NOT NULL AND published_at < $1
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge profiles: %w", err)
	}
	return res.RowsAffected()
}

func collectTxContexts(rows *sql.Rows) ([]models.TxContext, error) {
	defer rows.Close()
	var out []models.TxContext
	for rows.Next() {
		tc, err := scanTxContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
