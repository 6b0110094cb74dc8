package queue

import (
	"context"
	"log"
	"time"

	"contentgardener/internal/models"
	"contentgardener/internal/pipeline"
	"contentgardener/internal/telemetry"
)

// Processor claims and executes one publish job per invocation. Repeated
// invocation (cron or the post-sweep kick) drains the queue incrementally.
type Processor struct {
	jobs           JobStore
	publisher      Publisher
	lock           Locker
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// NewProcessor builds a processor. lock may be nil when the deployment
// guarantees a single processor instance by other means.
func NewProcessor(jobs JobStore, publisher Publisher, lock Locker, backoffInitial, backoffMax time.Duration) *Processor {
	if backoffInitial == 0 {
		backoffInitial = 5 * time.Minute
	}
	if backoffMax == 0 {
		backoffMax = 2 * time.Hour
	}
	return &Processor{
		jobs:           jobs,
		publisher:      publisher,
		lock:           lock,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
	}
}

// Outcome reports what a single ProcessOne call did.
type Outcome struct {
	Busy      bool               `json:"busy,omitempty"`
	Processed bool               `json:"processed"`
	Job       *models.PublishJob `json:"job,omitempty"`
}

// ProcessOne claims the oldest pending job and runs it through the publish
// pipeline. An empty queue is a no-op success with no writes. Pipeline
// failures are recorded on the job with a backoff deadline for the retry
// sweep; they are not retried inline.
func (p *Processor) ProcessOne(ctx context.Context) (Outcome, error) {
	if p.lock != nil {
		ok, err := p.lock.Acquire(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return Outcome{Busy: true}, nil
		}
		defer func() {
			if err := p.lock.Release(ctx); err != nil {
				log.Printf("processor: release lock: %v", err)
			}
		}()
	}

	now := time.Now()
	job, ok, err := p.jobs.ClaimNextPending(ctx, now)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, nil
	}

	log.Printf("processor: claimed job %s (post %s, attempt %d)", job.ID, job.PostID, job.Attempts)
	res, pubErr := p.publisher.Publish(ctx, job.PostID, job.AuthToken)
	if pubErr != nil {
		p.recordFailure(ctx, &job, pubErr, res.Post.ID, now)
	} else {
		p.recordSuccess(ctx, &job, res)
	}

	if depth, err := p.jobs.PendingDepth(ctx); err == nil {
		telemetry.PendingDepthGauge.Set(float64(depth))
	}
	return Outcome{Processed: true, Job: &job}, nil
}

func (p *Processor) recordSuccess(ctx context.Context, job *models.PublishJob, res pipeline.Result) {
	result := map[string]any{
		"post_id":     res.Post.ID,
		"link":        res.Post.Link,
		"post_status": res.Post.Status,
	}
	if err := p.jobs.MarkCompleted(ctx, job.ID, result); err != nil {
		log.Printf("processor: mark job %s completed: %v", job.ID, err)
		return
	}
	job.Status = models.StatusCompleted
	job.Result = result
	_ = p.jobs.AppendAudit(ctx, job.ID, "completed", "published at "+res.Post.Link)
	telemetry.JobsCompleted.Inc()
	log.Printf("processor: job %s completed, post %s published", job.ID, job.PostID)
}

// recordFailure marks the job failed and schedules the retry deadline the
// re-queue sweep acts on. Jobs at their attempt budget stay failed until the
// enqueuer creates a fresh job for the still-unpublished post.
func (p *Processor) recordFailure(ctx context.Context, job *models.PublishJob, pubErr error, partialPostID string, now time.Time) {
	var result map[string]any
	if partialPostID != "" {
		result = map[string]any{"post_id": partialPostID}
	}
	nextAttempt := now.Add(backoffWithJitter(p.backoffInitial, p.backoffMax, job.Attempts))
	if err := p.jobs.MarkFailed(ctx, job.ID, pubErr.Error(), result, nextAttempt); err != nil {
		log.Printf("processor: mark job %s failed: %v", job.ID, err)
		return
	}
	job.Status = models.StatusFailed
	msg := pubErr.Error()
	job.Error = &msg
	_ = p.jobs.AppendAudit(ctx, job.ID, "failed", msg)
	telemetry.JobsFailed.Inc()
	log.Printf("processor: job %s failed: %v", job.ID, pubErr)
}
