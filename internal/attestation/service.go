// Package attestation builds and broadcasts identity claims. Publishing is
// at-most-once per (transaction, type): a speculative row is inserted first,
// the broadcast happens under a per-transaction lock, and the claim unit is
// written back exactly once.
package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/metrics"
	"attestor/pkg/platform/sentinel"
)

// Store is the persistence the poster needs.
type Store interface {
	EnsureAttestationUnit(ctx context.Context, txID int64, typ models.AttestationType) (bool, error)
	AttestationUnit(ctx context.Context, txID int64, typ models.AttestationType) (models.AttestationUnit, error)
	MarkAttestationPublished(ctx context.Context, txID int64, typ models.AttestationType, unit models.UnitID, at time.Time) error
}

// Service posts attestations through the signer port.
type Service struct {
	store   Store
	signer  ledger.Signer
	locks   *keylock.Map
	notify  notify.Notifier
	metrics *metrics.Metrics
	log     *slog.Logger

	realNameAttestor models.Address
	nonUSAttestor    models.Address
	salt             string
}

func NewService(store Store, signer ledger.Signer, locks *keylock.Map, n notify.Notifier, m *metrics.Metrics, log *slog.Logger, realNameAttestor, nonUSAttestor models.Address, salt string) *Service {
	return &Service{
		store: store, signer: signer, locks: locks, notify: n,
		metrics: m, log: log,
		realNameAttestor: realNameAttestor, nonUSAttestor: nonUSAttestor,
		salt: salt,
	}
}

// UserID exposes the fingerprint computation with the service's salt.
func (s *Service) UserID(p models.Profile) string {
	return UserID(s.salt, p)
}

type claim struct {
	Address models.Address `json:"address"`
	Profile map[string]any `json:"profile"`
}

// PublishRealName broadcasts the real-name claim for an approved
// transaction and returns the claim unit. Safe to call repeatedly; only the
// first call broadcasts.
func (s *Service) PublishRealName(ctx context.Context, tc models.TxContext, p models.Profile) (models.UnitID, error) {
	var unit models.UnitID
	err := s.locks.Do(txKey(tc.Tx.ID), func() error {
		var err error
		unit, err = s.publishRealName(ctx, tc, p)
		return err
	})
	return unit, err
}

func (s *Service) publishRealName(ctx context.Context, tc models.TxContext, p models.Profile) (models.UnitID, error) {
	txID := tc.Tx.ID
	if _, err := s.store.EnsureAttestationUnit(ctx, txID, models.AttestationRealName); err != nil {
		return "", err
	}
	au, err := s.store.AttestationUnit(ctx, txID, models.AttestationRealName)
	if err != nil {
		return "", err
	}
	if au.ClaimUnit != "" {
		return au.ClaimUnit, nil
	}

	userID := UserID(s.salt, p)
	fields := map[string]any{"user_id": userID}
	var src map[string]BlindedField
	if tc.Visibility == models.VisibilityPublic {
		for name, value := range profileFields(p) {
			if value != "" {
				fields[name] = value
			}
		}
	} else {
		hashes, blinded, err := blindProfile(p)
		if err != nil {
			return "", err
		}
		fields["profile_hash"] = profileHash(hashes)
		src = blinded
	}

	payload, err := json.Marshal(claim{Address: tc.UserAddress, Profile: fields})
	if err != nil {
		return "", fmt.Errorf("marshal claim: %w", err)
	}
	unit, err := s.signer.PostAttestation(ctx, s.realNameAttestor, payload)
	if err != nil {
		return "", fmt.Errorf("post real name attestation: %w", err)
	}
	if err := s.store.MarkAttestationPublished(ctx, txID, models.AttestationRealName, unit, time.Now()); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			// A concurrent publisher slipped in between the read and the
			// broadcast. Both units carry the same claim; keep the stored one.
			s.metrics.Anomalies.Inc()
			s.log.Warn("duplicate attestation broadcast", "transaction_id", txID, "unit", unit)
			au, err := s.store.AttestationUnit(ctx, txID, models.AttestationRealName)
			if err != nil {
				return "", err
			}
			return au.ClaimUnit, nil
		}
		return "", err
	}
	s.metrics.AttestationsPublished.WithLabelValues(string(models.AttestationRealName)).Inc()
	s.log.Info("real name attestation published", "transaction_id", txID, "unit", unit)

	s.notifyPublished(ctx, tc, unit, src)
	return unit, nil
}

// notifyPublished tells the user the claim is on the ledger. For private
// profiles the message carries the field values with their blinding factors;
// this is the only copy, the server keeps none.
func (s *Service) notifyPublished(ctx context.Context, tc models.TxContext, unit models.UnitID, src map[string]BlindedField) {
	text := fmt.Sprintf("Your real name attestation was published in unit %s.", unit)
	if len(src) > 0 {
		private, err := json.Marshal(map[string]any{"unit": unit, "profile": src})
		if err == nil {
			text += "\nSave this private profile, it is your only copy:\n" + string(private)
		}
	}
	if err := s.notify.Send(ctx, tc.Device, text); err != nil {
		s.log.Warn("attestation notification failed", "device", tc.Device, "error", err)
	}
}

// PublishNonUS broadcasts the plaintext non-US claim. No PII is involved.
func (s *Service) PublishNonUS(ctx context.Context, tc models.TxContext) (models.UnitID, error) {
	var unit models.UnitID
	err := s.locks.Do(txKey(tc.Tx.ID), func() error {
		var err error
		unit, err = s.publishNonUS(ctx, tc)
		return err
	})
	return unit, err
}

func (s *Service) publishNonUS(ctx context.Context, tc models.TxContext) (models.UnitID, error) {
	txID := tc.Tx.ID
	if _, err := s.store.EnsureAttestationUnit(ctx, txID, models.AttestationNonUS); err != nil {
		return "", err
	}
	au, err := s.store.AttestationUnit(ctx, txID, models.AttestationNonUS)
	if err != nil {
		return "", err
	}
	if au.ClaimUnit != "" {
		return au.ClaimUnit, nil
	}
	payload, err := json.Marshal(claim{Address: tc.UserAddress, Profile: map[string]any{"nonus": 1}})
	if err != nil {
		return "", fmt.Errorf("marshal claim: %w", err)
	}
	unit, err := s.signer.PostAttestation(ctx, s.nonUSAttestor, payload)
	if err != nil {
		return "", fmt.Errorf("post nonus attestation: %w", err)
	}
	if err := s.store.MarkAttestationPublished(ctx, txID, models.AttestationNonUS, unit, time.Now()); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			s.metrics.Anomalies.Inc()
			au, err := s.store.AttestationUnit(ctx, txID, models.AttestationNonUS)
			if err != nil {
				return "", err
			}
			return au.ClaimUnit, nil
		}
		return "", err
	}
	s.metrics.AttestationsPublished.WithLabelValues(string(models.AttestationNonUS)).Inc()
	s.log.Info("nonus attestation published", "transaction_id", txID, "unit", unit)
	if err := s.notify.Send(ctx, tc.Device, fmt.Sprintf("Your non-US attestation was published in unit %s.", unit)); err != nil {
		s.log.Warn("attestation notification failed", "device", tc.Device, "error", err)
	}
	return unit, nil
}

func txKey(txID int64) string {
	return fmt.Sprintf("tx-%d", txID)
}
