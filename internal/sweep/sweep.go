// Package sweep runs the reconciliation loops that re-drive anything an
// event-driven step left unfinished: scans never initiated, results never
// delivered, claims never broadcast, rewards never paid. Jobs are periodic,
// idempotent by construction and log-and-continue on failure.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"attestor/internal/models"
	"attestor/internal/platform/metrics"
	"attestor/internal/reward"
	"attestor/internal/settlement"
	"attestor/internal/verification"
)

// rewardRetryLimit bounds how many unpaid rows one retry run touches per
// kind, so a drained distribution fund cannot turn the sweep into a loop of
// doomed broadcasts.
const rewardRetryLimit = 5

// Job is one periodic reconciliation task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Runner executes jobs on their intervals until the context is cancelled.
type Runner struct {
	jobs    []Job
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewRunner(m *metrics.Metrics, log *slog.Logger, jobs ...Job) *Runner {
	return &Runner{jobs: jobs, metrics: m, log: log}
}

func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		g.Go(func() error {
			ticker := time.NewTicker(job.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := job.Run(ctx); err != nil {
						r.metrics.SweepFailures.WithLabelValues(job.Name).Inc()
						r.log.Warn("sweep failed", "job", job.Name, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// ProfilePurger deletes extracted profiles past the retention window.
type ProfilePurger interface {
	PurgeProfiles(ctx context.Context, cutoff time.Time) (int64, error)
}

// Intervals configures the standard job schedule.
type Intervals struct {
	ScanRetry        time.Duration
	VendorPoll       time.Duration
	AttestationRetry time.Duration
	RewardRetry      time.Duration
	Donation         time.Duration
	ProfilePurge     time.Duration
	ProfileRetention time.Duration
}

// StandardJobs builds the full reconciliation schedule.
func StandardJobs(iv Intervals, v *verification.Service, st *settlement.Service, rw *reward.Service, profiles ProfilePurger, log *slog.Logger) []Job {
	return []Job{
		{Name: "scan_retry", Every: iv.ScanRetry, Run: v.RetryScans},
		{Name: "vendor_poll", Every: iv.VendorPoll, Run: v.PollPending},
		{Name: "attestation_retry", Every: iv.AttestationRetry, Run: st.RetryUnpublished},
		{Name: "reward_retry", Every: iv.RewardRetry, Run: func(ctx context.Context) error {
			for _, kind := range []models.RewardKind{models.RewardAttestation, models.RewardReferral} {
				if err := rw.RetryUnpaid(ctx, kind, rewardRetryLimit); err != nil {
					return err
				}
			}
			return nil
		}},
		{Name: "donation_batch", Every: iv.Donation, Run: rw.DistributeDonations},
		{Name: "profile_purge", Every: iv.ProfilePurge, Run: func(ctx context.Context) error {
			purged, err := profiles.PurgeProfiles(ctx, time.Now().Add(-iv.ProfileRetention))
			if err != nil {
				return err
			}
			if purged > 0 {
				log.Info("extracted profiles purged", "count", purged)
			}
			return nil
		}},
	}
}
