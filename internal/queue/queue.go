// Package queue implements the scheduled-publishing queue: an enqueuer that
// turns due posts into jobs, a single-job processor, and a reaper that fails
// work stuck past its timeout.
package queue

import (
	"context"
	"math"
	"math/rand"
	"time"

	"contentgardener/internal/models"
	"contentgardener/internal/pipeline"
	"contentgardener/internal/store"
)

// JobStore is the queue's persistence surface, implemented by store.Store.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.PublishJob, error)
	HasOpenJob(ctx context.Context, postID string) (bool, error)
	ClaimNextPending(ctx context.Context, now time.Time) (models.PublishJob, bool, error)
	MarkCompleted(ctx context.Context, id string, result map[string]any) error
	MarkFailed(ctx context.Context, id string, errMsg string, result map[string]any, nextAttempt time.Time) error
	FailStalledProcessing(ctx context.Context, cutoff time.Time, threshold time.Duration) (int64, error)
	FailStalledPending(ctx context.Context, cutoff time.Time, threshold time.Duration) (int64, error)
	RequeueRetryable(ctx context.Context, now time.Time) (int64, error)
	PendingDepth(ctx context.Context) (int64, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// PostStore is the read side of the content repository.
type PostStore interface {
	DuePosts(ctx context.Context, now time.Time) ([]models.Post, error)
	GetPost(ctx context.Context, id string) (models.Post, error)
}

// Publisher invokes the external publish pipeline.
type Publisher interface {
	Publish(ctx context.Context, postID, authToken string) (pipeline.Result, error)
}

// Locker serializes processors. A nil Locker means unserialized operation;
// the conditional claim in the store still prevents double processing.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
