package queue

import (
	"context"
	"log"
	"time"

	"contentgardener/internal/models"
	"contentgardener/internal/store"
	"contentgardener/internal/telemetry"
)

// Enqueuer scans the content repository for posts whose publish time has
// arrived and creates one pending job per eligible post.
type Enqueuer struct {
	jobs        JobStore
	posts       PostStore
	reaper      *Reaper
	maxAttempts int
}

// NewEnqueuer wires the enqueuer to its stores and the pre-sweep reaper.
func NewEnqueuer(jobs JobStore, posts PostStore, reaper *Reaper, maxAttempts int) *Enqueuer {
	return &Enqueuer{jobs: jobs, posts: posts, reaper: reaper, maxAttempts: maxAttempts}
}

// Enqueue statuses reported per candidate post.
const (
	EnqueueQueued  = "queued"
	EnqueueSkipped = "skipped"
	EnqueueFailed  = "failed"
)

// EnqueueResult records the outcome for one candidate post.
type EnqueueResult struct {
	PostID string `json:"postId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SweepSummary aggregates one enqueuer run.
type SweepSummary struct {
	Enqueued int             `json:"enqueuedCount"`
	Requeued int64           `json:"requeuedCount"`
	Reaped   ReapSummary     `json:"reaped"`
	Results  []EnqueueResult `json:"results"`
}

// Sweep runs one enqueue pass. Stale rows are reaped first so they cannot
// block duplicate detection, then retryable failures are re-queued, then due
// posts are enqueued. A failure on one candidate is recorded in its result
// and does not stop the rest of the batch.
func (e *Enqueuer) Sweep(ctx context.Context, now time.Time, authToken string) (SweepSummary, error) {
	var summary SweepSummary

	reaped, err := e.reaper.ResetStalled(ctx, now)
	if err != nil {
		// Best effort: a reap failure leaves stale rows in place but the
		// sweep can still enqueue posts they do not cover.
		log.Printf("enqueuer: pre-sweep reap failed: %v", err)
	}
	summary.Reaped = reaped

	requeued, err := e.jobs.RequeueRetryable(ctx, now)
	if err != nil {
		log.Printf("enqueuer: requeue retryable failed: %v", err)
	}
	if requeued > 0 {
		telemetry.JobsRequeued.Add(float64(requeued))
		log.Printf("enqueuer: re-queued %d failed jobs for retry", requeued)
	}
	summary.Requeued = requeued

	due, err := e.posts.DuePosts(ctx, now)
	if err != nil {
		return summary, err
	}

	for _, post := range due {
		res := e.enqueueOne(ctx, post, authToken)
		if res.Status == EnqueueQueued {
			summary.Enqueued++
			telemetry.JobsEnqueued.Inc()
		}
		summary.Results = append(summary.Results, res)
	}

	log.Printf("enqueuer: %d due posts, %d enqueued", len(due), summary.Enqueued)
	return summary, nil
}

// enqueueOne applies the double duplicate-check before inserting. Both the
// job table and the content record's own markers are consulted because a
// prior run may have half-completed without updating both.
func (e *Enqueuer) enqueueOne(ctx context.Context, post models.Post, authToken string) EnqueueResult {
	open, err := e.jobs.HasOpenJob(ctx, post.ID)
	if err != nil {
		return EnqueueResult{PostID: post.ID, Status: EnqueueFailed, Error: err.Error()}
	}
	if open {
		return EnqueueResult{PostID: post.ID, Status: EnqueueSkipped, Error: "job already queued"}
	}

	current, err := e.posts.GetPost(ctx, post.ID)
	if err != nil {
		return EnqueueResult{PostID: post.ID, Status: EnqueueFailed, Error: err.Error()}
	}
	if current.Published() {
		return EnqueueResult{PostID: post.ID, Status: EnqueueSkipped, Error: "already published"}
	}

	job, err := e.jobs.CreateJob(ctx, store.CreateJobParams{
		PostID:      post.ID,
		WebsiteID:   post.WebsiteID,
		AuthToken:   authToken,
		MaxAttempts: e.maxAttempts,
	})
	if err != nil {
		return EnqueueResult{PostID: post.ID, Status: EnqueueFailed, Error: err.Error()}
	}
	_ = e.jobs.AppendAudit(ctx, job.ID, "enqueued", "post "+post.ID+" due for publish")
	return EnqueueResult{PostID: post.ID, Status: EnqueueQueued}
}
