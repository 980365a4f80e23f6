// Package verification drives identity scans with external providers and
// turns their results into settlement outcomes. The outcome write is a
// compare-and-set on pending, so replayed or late vendor callbacks can never
// flip a decided transaction.
package verification

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"attestor/internal/alert"
	"attestor/internal/geo"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/metrics"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/platform/sentinel"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	TransactionContext(ctx context.Context, id int64) (models.TxContext, error)
	SetScanReference(ctx context.Context, id int64, ref string) error
	DecideOutcome(ctx context.Context, id int64, outcome models.Outcome, profile []byte, at time.Time) (bool, error)
	UnscannedConfirmed(ctx context.Context) ([]models.TxContext, error)
	PendingScans(ctx context.Context) ([]models.TxContext, error)
}

// Settler receives approved transactions for attestation and payout.
type Settler interface {
	OnApproved(ctx context.Context, tc models.TxContext, p models.Profile, nonUS bool) error
}

// Service orchestrates scans end to end.
type Service struct {
	store     Store
	providers *Registry
	tokens    *CallbackTokens
	geo       geo.Resolver
	locks     *keylock.Map
	notify    notify.Notifier
	alerts    alert.Alerter
	metrics   *metrics.Metrics
	log       *slog.Logger
	settler   Settler
	salt      string
}

func NewService(store Store, providers *Registry, tokens *CallbackTokens, geoResolver geo.Resolver, locks *keylock.Map, n notify.Notifier, a alert.Alerter, m *metrics.Metrics, log *slog.Logger, settler Settler, salt string) *Service {
	return &Service{
		store: store, providers: providers, tokens: tokens, geo: geoResolver,
		locks: locks, notify: n, alerts: a, metrics: m, log: log,
		settler: settler, salt: salt,
	}
}

// InitiateScan starts a verification session for a confirmed transaction.
// Idempotent: the scan reference is written before the user sees the link,
// so a crash or a concurrent caller never starts a second session.
func (s *Service) InitiateScan(ctx context.Context, txID int64) error {
	return s.locks.Do(fmt.Sprintf("tx-%d", txID), func() error {
		tc, err := s.store.TransactionContext(ctx, txID)
		if err != nil {
			return err
		}
		if !tc.Tx.Confirmed || tc.Tx.ScanReference != "" || tc.Tx.Outcome != models.OutcomePending {
			return nil
		}
		provider, err := s.providers.Get(tc.Provider)
		if err != nil {
			return err
		}
		token, err := s.tokens.Mint(txID)
		if err != nil {
			return fmt.Errorf("mint callback token: %w", err)
		}
		scan, err := provider.InitScan(ctx, subjectRef(s.salt, tc.UserAddress, txID), token)
		if err != nil {
			return fmt.Errorf("init scan: %w", err)
		}
		if err := s.store.SetScanReference(ctx, txID, scan.Reference); err != nil {
			return err
		}
		s.metrics.ScansInitiated.Inc()
		s.log.Info("scan initiated", "transaction_id", txID, "provider", provider.Name(), "scan_reference", scan.Reference)

		text := "Please complete your identity verification: " + scan.URL
		if err := s.notify.Send(ctx, tc.Device, text); err != nil {
			s.log.Warn("scan link notification failed", "device", tc.Device, "error", err)
		}
		return nil
	})
}

// HandleCallback authenticates and dispatches a vendor webhook.
func (s *Service) HandleCallback(ctx context.Context, token string, res Result) error {
	txID, err := s.tokens.Validate(token)
	if err != nil {
		return err
	}
	tc, err := s.store.TransactionContext(ctx, txID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "unknown transaction")
		}
		return err
	}
	if tc.Tx.ScanReference == "" || tc.Tx.ScanReference != res.ScanReference {
		return dErrors.New(dErrors.CodeBadRequest, "scan reference mismatch")
	}
	if tc.Tx.Outcome != models.OutcomePending {
		s.reportDuplicate(ctx, tc, "callback")
		return dErrors.New(dErrors.CodeConflict, "transaction already decided")
	}
	return s.HandleResult(ctx, tc, res)
}

// HandleResult normalizes a provider result and settles the outcome.
func (s *Service) HandleResult(ctx context.Context, tc models.TxContext, res Result) error {
	txID := tc.Tx.ID

	if !res.Verified {
		// The vendor's reason (liveness failure, document mismatch) goes to
		// the user verbatim; it is the only actionable detail we have.
		return s.reject(ctx, tc, rejection{reason: res.Reason, retryable: true})
	}

	profile, rej := normalize(res)
	if rej != nil {
		return s.reject(ctx, tc, *rej)
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	applied, err := s.store.DecideOutcome(ctx, txID, models.OutcomeApproved, raw, time.Now())
	if err != nil {
		return err
	}
	if !applied {
		s.reportDuplicate(ctx, tc, "result")
		return nil
	}
	s.metrics.Verifications.WithLabelValues(string(models.OutcomeApproved)).Inc()
	s.log.Info("verification approved", "transaction_id", txID)

	if err := s.notify.Send(ctx, tc.Device, "Your identity was verified. Publishing your attestation now."); err != nil {
		s.log.Warn("approval notification failed", "device", tc.Device, "error", err)
	}
	return s.settler.OnApproved(ctx, tc, profile, s.nonUSEligible(ctx, profile, res.ClientIP))
}

func (s *Service) reject(ctx context.Context, tc models.TxContext, rej rejection) error {
	applied, err := s.store.DecideOutcome(ctx, tc.Tx.ID, models.OutcomeRejected, nil, time.Now())
	if err != nil {
		return err
	}
	if !applied {
		s.reportDuplicate(ctx, tc, "result")
		return nil
	}
	s.metrics.Verifications.WithLabelValues(string(models.OutcomeRejected)).Inc()
	s.log.Info("verification rejected", "transaction_id", tc.Tx.ID, "reason", rej.reason)

	text := "Verification failed: " + rej.reason
	if rej.retryable {
		text += "\nYou can send a new payment to try again."
	}
	if err := s.notify.Send(ctx, tc.Device, text); err != nil {
		s.log.Warn("rejection notification failed", "device", tc.Device, "error", err)
	}
	return nil
}

// reportDuplicate records a vendor event that arrived after the transaction
// was already decided. Harmless for state, but worth an operator's look.
func (s *Service) reportDuplicate(ctx context.Context, tc models.TxContext, kind string) {
	s.metrics.Anomalies.Inc()
	s.log.Warn("duplicate vendor event", "transaction_id", tc.Tx.ID, "kind", kind, "outcome", tc.Tx.Outcome)
	_ = s.alerts.Alert(ctx, alert.Event{
		Kind:    "duplicate_vendor_event",
		Subject: fmt.Sprintf("transaction %d received a %s after being decided %s", tc.Tx.ID, kind, tc.Tx.Outcome),
		Details: map[string]string{"scan_reference": tc.Tx.ScanReference},
	})
}

// nonUSEligible decides whether the holder qualifies for the non-US claim.
// The document must be non-US and the client IP must positively resolve to a
// non-US country; an unknown location demotes the claim.
func (s *Service) nonUSEligible(ctx context.Context, p models.Profile, ip string) bool {
	if p.Country == "US" {
		return false
	}
	country, err := s.geo.CountryOf(ctx, ip)
	if err != nil {
		s.log.Warn("geo lookup failed", "error", err)
		return false
	}
	return country != "US" && country != geo.CountryUnknown
}

// RetryScans re-drives confirmed transactions that never got a scan session.
func (s *Service) RetryScans(ctx context.Context) error {
	tcs, err := s.store.UnscannedConfirmed(ctx)
	if err != nil {
		return err
	}
	for _, tc := range tcs {
		if err := s.InitiateScan(ctx, tc.Tx.ID); err != nil {
			s.log.Warn("scan retry failed", "transaction_id", tc.Tx.ID, "error", err)
		}
	}
	return nil
}

// PollPending asks providers for the results of in-flight scans, covering
// lost callbacks.
func (s *Service) PollPending(ctx context.Context) error {
	tcs, err := s.store.PendingScans(ctx)
	if err != nil {
		return err
	}
	for _, tc := range tcs {
		provider, err := s.providers.Get(tc.Provider)
		if err != nil {
			return err
		}
		res, err := provider.Poll(ctx, tc.Tx.ScanReference)
		if err != nil {
			s.log.Warn("vendor poll failed", "transaction_id", tc.Tx.ID, "error", err)
			continue
		}
		if res == nil {
			continue
		}
		if err := s.HandleResult(ctx, tc, *res); err != nil {
			s.log.Warn("poll result handling failed", "transaction_id", tc.Tx.ID, "error", err)
		}
	}
	return nil
}

// subjectRef is the opaque per-transaction reference shared with the vendor.
// A salted hash, so the vendor never learns ledger addresses and references
// cannot be forged or correlated across transactions.
func subjectRef(salt string, user models.Address, txID int64) string {
	raw, _ := json.Marshal([3]any{user, txID, salt})
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
