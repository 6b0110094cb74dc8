package queue

import (
	"context"
	"log"
	"time"

	"contentgardener/internal/telemetry"
)

// Reaper converts jobs stuck past their timeout to failed so duplicate
// detection stays truthful and the enqueuer can create fresh jobs. Stalls are
// detected purely by age; there are no heartbeats.
type Reaper struct {
	jobs           JobStore
	stallTimeout   time.Duration
	pendingTimeout time.Duration
}

// NewReaper builds a reaper with the given thresholds.
func NewReaper(jobs JobStore, stallTimeout, pendingTimeout time.Duration) *Reaper {
	if stallTimeout == 0 {
		stallTimeout = 30 * time.Minute
	}
	if pendingTimeout == 0 {
		pendingTimeout = 60 * time.Minute
	}
	return &Reaper{jobs: jobs, stallTimeout: stallTimeout, pendingTimeout: pendingTimeout}
}

// ReapSummary reports how many rows each sweep touched.
type ReapSummary struct {
	StalledProcessing int64 `json:"stalledProcessing"`
	StalledPending    int64 `json:"stalledPending"`
}

// ResetStalled runs the two sweeps: processing jobs older than the stall
// timeout (measured from started_at) and pending jobs older than the pending
// timeout (from created_at). The sweeps are independent; a failure in the
// second leaves the first's resets in place. Zero affected rows is success.
func (r *Reaper) ResetStalled(ctx context.Context, now time.Time) (ReapSummary, error) {
	var summary ReapSummary

	n, err := r.jobs.FailStalledProcessing(ctx, now.Add(-r.stallTimeout), r.stallTimeout)
	if err != nil {
		return summary, err
	}
	summary.StalledProcessing = n
	log.Printf("reaper: failed %d processing jobs older than %s", n, r.stallTimeout)

	n, err = r.jobs.FailStalledPending(ctx, now.Add(-r.pendingTimeout), r.pendingTimeout)
	if err != nil {
		return summary, err
	}
	summary.StalledPending = n
	log.Printf("reaper: failed %d pending jobs older than %s", n, r.pendingTimeout)

	if total := summary.StalledProcessing + summary.StalledPending; total > 0 {
		telemetry.JobsReaped.Add(float64(total))
	}
	return summary, nil
}
