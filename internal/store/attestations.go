package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"attestor/internal/models"
	"attestor/pkg/platform/sentinel"
)

// EnsureAttestationUnit inserts the speculative claim row. Returns false
// when the row already existed.
func (s *Postgres) EnsureAttestationUnit(ctx context.Context, txID int64, typ models.AttestationType) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attestation_units (transaction_id, attestation_type)
		VALUES ($1, $2)
		ON CONFLICT (transaction_id, attestation_type) DO NOTHING`, txID, typ)
	if err != nil {
		return false, fmt.Errorf("ensure attestation unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AttestationUnit reads the claim row for (transaction, type).
func (s *Postgres) AttestationUnit(ctx context.Context, txID int64, typ models.AttestationType) (models.AttestationUnit, error) {
	var (
		au          models.AttestationUnit
		claim       sql.NullString
		publishedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, attestation_type, claim_unit, published_at
		FROM attestation_units
		WHERE transaction_id = $1 AND attestation_type = $2`, txID, typ).
		Scan(&au.TransactionID, &au.Type, &claim, &publishedAt)
	if err != nil {
		return models.AttestationUnit{}, asSentinel(err)
	}
	au.ClaimUnit = models.UnitID(claim.String)
	au.PublishedAt = timePtr(publishedAt)
	return au, nil
}

// MarkAttestationPublished stores the broadcast claim unit exactly once.
// A second write for the same row returns sentinel.ErrInvalidState.
func (s *Postgres) MarkAttestationPublished(ctx context.Context, txID int64, typ models.AttestationType, unit models.UnitID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attestation_units SET claim_unit = $3, published_at = $4
		WHERE transaction_id = $1 AND attestation_type = $2 AND claim_unit IS NULL`,
		txID, typ, unit, at)
	if err != nil {
		return fmt.Errorf("mark attestation published: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		au, err := s.AttestationUnit(ctx, txID, typ)
		if err != nil {
			return err
		}
		if au.ClaimUnit != "" {
			return sentinel.ErrInvalidState
		}
		return sentinel.ErrNotFound
	}
	return nil
}

// UnpublishedAttestations lists claim rows still waiting for a broadcast;
// the attestation-retry sweep re-drives them.
func (s *Postgres) UnpublishedAttestations(ctx context.Context) ([]models.AttestationUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, attestation_type
		FROM attestation_units WHERE claim_unit IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("unpublished attestations: %w", err)
	}
	defer rows.Close()
	var out []models.AttestationUnit
	for rows.Next() {
		var au models.AttestationUnit
		if err := rows.Scan(&au.TransactionID, &au.Type); err != nil {
			return nil, err
		}
		out = append(out, au)
	}
	return out, rows.Err()
}
