package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement pipeline.
type Metrics struct {
	PaymentsAccepted      prometheus.Counter
	PaymentsRejected      prometheus.Counter
	ScansInitiated        prometheus.Counter
	Verifications         *prometheus.CounterVec // outcome: approved|rejected
	AttestationsPublished *prometheus.CounterVec // type: real name|nonus
	RewardsPaid           *prometheus.CounterVec // kind: attestation|referral|voucher|donation
	VoucherConsumptions   prometheus.Counter
	Anomalies             prometheus.Counter
	SweepFailures         *prometheus.CounterVec // job name
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		PaymentsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attestor_payments_accepted_total",
			Help: "Incoming ledger payments accepted as attestation transactions",
		}),
		PaymentsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attestor_payments_rejected_total",
			Help: "Incoming ledger payments rejected and recorded",
		}),
		ScansInitiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attestor_scans_initiated_total",
			Help: "Verification scans initiated with a provider",
		}),
		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attestor_verifications_total",
			Help: "Verification outcomes recorded",
		}, []string{"outcome"}),
		AttestationsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attestor_attestations_published_total",
			Help: "Attestation claims broadcast to the ledger",
		}, []string{"type"}),
		RewardsPaid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attestor_rewards_paid_total",
			Help: "Reward payouts broadcast to the ledger",
		}, []string{"kind"}),
		VoucherConsumptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attestor_voucher_consumptions_total",
			Help: "Attestations funded from voucher balances",
		}),
		Anomalies: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attestor_anomalies_total",
			Help: "Duplicate or late external events detected by idempotency guards",
		}),
		SweepFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attestor_sweep_failures_total",
			Help: "Reconciliation sweep runs that returned an error",
		}, []string{"job"}),
	}
}
