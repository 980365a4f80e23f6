package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"attestor/internal/models"
)

// InsertRewardUnit writes the first-time bonus row. Returns false when the
// payee (by address, fingerprint or device) was already rewarded.
func (s *Postgres) InsertRewardUnit(ctx context.Context, ru models.RewardUnit) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_units
			(transaction_id, device_address, user_address, user_id, reward, contract_reward)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		ru.TransactionID, ru.Device, ru.UserAddress, ru.UserID,
		ru.Reward, ru.ContractReward)
	if err != nil {
		return false, fmt.Errorf("insert reward unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertReferralRewardUnit writes a referral (or voucher) reward row.
// Returns false when this referrer was already rewarded for this new user.
func (s *Postgres) InsertReferralRewardUnit(ctx context.Context, ru models.ReferralRewardUnit) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_reward_units
			(transaction_id, user_address, user_id, device_address,
			 new_user_address, new_user_id, reward, contract_reward, via_voucher)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		ru.TransactionID, ru.UserAddress, ru.UserID, ru.Device,
		ru.NewUserAddress, ru.NewUserID, ru.Reward, ru.ContractReward, ru.ViaVoucher)
	if err != nil {
		return false, fmt.Errorf("insert referral reward unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func rewardTable(kind models.RewardKind) string {
	if kind == models.RewardAttestation {
		return "reward_units"
	}
	return "referral_reward_units"
}

// RewardRow loads the disburser's view of a payout: payee, frozen amounts
// and the payee's vesting contract address when one exists.
func (s *Postgres) RewardRow(ctx context.Context, kind models.RewardKind, txID int64) (models.RewardRow, error) {
	table := rewardTable(kind)
	viaVoucher := "r.via_voucher"
	if kind == models.RewardAttestation {
		viaVoucher = "FALSE"
	}
	var (
		rr     models.RewardRow
		caddr  sql.NullString
		unit   sql.NullString
		paidAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.transaction_id, r.user_address, r.device_address,
		       r.reward, r.contract_reward, c.contract_address, `+viaVoucher+`,
		       r.payout_unit, r.paid_at
		FROM `+table+` r
		LEFT JOIN contracts c ON c.user_address = r.user_address
		WHERE r.transaction_id = $1`, txID).
		Scan(&rr.TransactionID, &rr.PayeeAddress, &rr.PayeeDevice,
			&rr.Reward, &rr.ContractReward, &caddr, &rr.ViaVoucher, &unit, &paidAt)
	if err != nil {
		return models.RewardRow{}, asSentinel(err)
	}
	rr.ContractAddress = models.Address(caddr.String)
	rr.PayoutUnit = models.UnitID(unit.String)
	rr.PaidAt = timePtr(paidAt)
	return rr, nil
}

// MarkRewardPaid persists the payout unit and timestamp together.
func (s *Postgres) MarkRewardPaid(ctx context.Context, kind models.RewardKind, txID int64, unit models.UnitID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+rewardTable(kind)+` SET payout_unit = $2, paid_at = $3
		WHERE transaction_id = $1 AND payout_unit IS NULL`, txID, unit, at)
	if err != nil {
		return fmt.Errorf("mark reward paid: %w", err)
	}
	return requireRow(res)
}

// UnpaidRewards lists transactions with an unsent payout of the given kind,
// oldest first, bounded for one sweep run.
func (s *Postgres) UnpaidRewards(ctx context.Context, kind models.RewardKind, limit int) ([]int64, error) {
	query := `
		SELECT transaction_id FROM ` + rewardTable(kind) + `
		WHERE payout_unit IS NULL`
	if kind == models.RewardAttestation {
		query += ` AND (donated IS NULL OR NOT donated)`
	}
	query += ` ORDER BY transaction_id LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("unpaid rewards: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetDonated records the user's donation choice. With onlyIfUnset, an
// explicit earlier choice wins (matches the chat command semantics).
func (s *Postgres) SetDonated(ctx context.Context, txID int64, donated, onlyIfUnset bool) error {
	query := `UPDATE reward_units SET donated = $2 WHERE transaction_id = $1`
	if onlyIfUnset {
		query += ` AND donated IS NULL`
	}
	if _, err := s.db.ExecContext(ctx, query, txID, donated); err != nil {
		return fmt.Errorf("set donated: %w", err)
	}
	return nil
}

// DonatedUnpaidRewards lists reward rows whose owner opted to donate and
// that have not been paid out yet.
func (s *Postgres) DonatedUnpaidRewards(ctx context.Context) ([]models.RewardUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, device_address, user_address, user_id,
		       reward, contract_reward
		FROM reward_units
		WHERE donated AND payout_unit IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("donated unpaid rewards: %w", err)
	}
	defer rows.Close()
	var out []models.RewardUnit
	for rows.Next() {
		var ru models.RewardUnit
		if err := rows.Scan(&ru.TransactionID, &ru.Device, &ru.UserAddress,
			&ru.UserID, &ru.Reward, &ru.ContractReward); err != nil {
			return nil, err
		}
		out = append(out, ru)
	}
	return out, rows.Err()
}

// MarkRewardsPaidBatch marks a set of donated rows with the consolidated
// payout unit in one write.
func (s *Postgres) MarkRewardsPaidBatch(ctx context.Context, txIDs []int64, unit models.UnitID, at time.Time) error {
	if len(txIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE reward_units SET payout_unit = $2, paid_at = $3
		WHERE transaction_id = ANY($1) AND payout_unit IS NULL`,
		pq.Array(txIDs), unit, at)
	if err != nil {
		return fmt.Errorf("mark rewards paid batch: %w", err)
	}
	return nil
}

// FindAttestedReferrers returns, among the given ancestor addresses, those
// holding a published real-name attestation funded by a different payment
// unit (self-referral exclusion).
func (s *Postgres) FindAttestedReferrers(ctx context.Context, addrs []models.Address, exclude models.UnitID) ([]models.Referrer, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	list := make([]string, len(addrs))
	for i, a := range addrs {
		list[i] = string(a)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ra.user_address, ra.device_address, ru.user_id
		FROM attestation_units au
		JOIN transactions t ON t.transaction_id = au.transaction_id
		JOIN receiving_addresses ra ON ra.payment_address = t.payment_address
		JOIN reward_units ru ON ru.transaction_id = au.transaction_id
		WHERE au.attestation_type = 'real name'
		  AND au.claim_unit IS NOT NULL
		  AND ra.user_address = ANY($1)
		  AND (t.payment_unit IS NULL OR t.payment_unit <> $2)`,
		pq.Array(list), exclude)
	if err != nil {
		return nil, fmt.Errorf("find attested referrers: %w", err)
	}
	defer rows.Close()
	var out []models.Referrer
	for rows.Next() {
		var r models.Referrer
		if err := rows.Scan(&r.UserAddress, &r.Device, &r.UserID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttestedUserID returns the fingerprint of an already-attested user, or
// sentinel.ErrNotFound when the address never completed an attestation.
func (s *Postgres) AttestedUserID(ctx context.Context, user models.Address) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT ru.user_id
		FROM reward_units ru
		JOIN attestation_units au ON au.transaction_id = ru.transaction_id
		WHERE ru.user_address = $1
		  AND au.attestation_type = 'real name' AND au.claim_unit IS NOT NULL
		LIMIT 1`, user).Scan(&userID)
	if err != nil {
		return "", asSentinel(err)
	}
	return userID, nil
}
