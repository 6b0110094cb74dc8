package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"contentgardener/internal/models"
	"contentgardener/internal/pipeline"
	"contentgardener/internal/store"
)

// memStore is an in-memory JobStore/PostStore for exercising queue logic
// without Postgres.
type memStore struct {
	seq        int
	jobs       map[string]*models.PublishJob
	posts      map[string]models.Post
	due        []string
	failCreate map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       make(map[string]*models.PublishJob),
		posts:      make(map[string]models.Post),
		failCreate: make(map[string]error),
	}
}

func (m *memStore) addDuePost(p models.Post) {
	m.posts[p.ID] = p
	m.due = append(m.due, p.ID)
}

func (m *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.PublishJob, error) {
	if err := m.failCreate[p.PostID]; err != nil {
		return models.PublishJob{}, err
	}
	m.seq++
	now := time.Now().UTC()
	job := models.PublishJob{
		ID:            fmt.Sprintf("job-%d", m.seq),
		PostID:        p.PostID,
		WebsiteID:     p.WebsiteID,
		Status:        models.StatusPending,
		MaxAttempts:   p.MaxAttempts,
		NextAttemptAt: now,
		AuthToken:     p.AuthToken,
		CreatedAt:     now,
	}
	m.jobs[job.ID] = &job
	return job, nil
}

func (m *memStore) HasOpenJob(_ context.Context, postID string) (bool, error) {
	for _, j := range m.jobs {
		if j.PostID != postID {
			continue
		}
		if j.Status != models.StatusFailed {
			return true, nil
		}
		if j.Attempts < j.MaxAttempts && j.NextAttemptAt.After(j.CreatedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ClaimNextPending(_ context.Context, now time.Time) (models.PublishJob, bool, error) {
	var oldest *models.PublishJob
	for _, j := range m.jobs {
		if j.Status != models.StatusPending || j.NextAttemptAt.After(now) {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return models.PublishJob{}, false, nil
	}
	oldest.Status = models.StatusProcessing
	started := now
	oldest.StartedAt = &started
	oldest.Attempts++
	return *oldest, true, nil
}

func (m *memStore) MarkCompleted(_ context.Context, id string, result map[string]any) error {
	j := m.jobs[id]
	j.Status = models.StatusCompleted
	j.Result = result
	j.Error = nil
	done := time.Now()
	j.CompletedAt = &done
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, errMsg string, result map[string]any, nextAttempt time.Time) error {
	j := m.jobs[id]
	j.Status = models.StatusFailed
	j.Error = &errMsg
	j.Result = result
	j.NextAttemptAt = nextAttempt
	done := time.Now()
	j.CompletedAt = &done
	return nil
}

func (m *memStore) FailStalledProcessing(_ context.Context, cutoff time.Time, threshold time.Duration) (int64, error) {
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			m.forceFail(j, "timed out", threshold)
			n++
		}
	}
	return n, nil
}

func (m *memStore) FailStalledPending(_ context.Context, cutoff time.Time, threshold time.Duration) (int64, error) {
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusPending && j.CreatedAt.Before(cutoff) {
			m.forceFail(j, "pending too long", threshold)
			n++
		}
	}
	return n, nil
}

func (m *memStore) forceFail(j *models.PublishJob, reason string, threshold time.Duration) {
	j.Status = models.StatusFailed
	j.Error = &reason
	j.Result = map[string]any{"reset_reason": reason, "threshold": threshold.String()}
	done := time.Now()
	j.CompletedAt = &done
}

func (m *memStore) RequeueRetryable(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusFailed && j.Attempts < j.MaxAttempts &&
			!j.NextAttemptAt.After(now) && j.NextAttemptAt.After(j.CreatedAt) {
			j.Status = models.StatusPending
			j.Error = nil
			j.Result = nil
			j.StartedAt = nil
			j.CompletedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) PendingDepth(context.Context) (int64, error) {
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) AppendAudit(context.Context, string, string, string) error { return nil }

func (m *memStore) DuePosts(_ context.Context, _ time.Time) ([]models.Post, error) {
	var out []models.Post
	for _, id := range m.due {
		out = append(out, m.posts[id])
	}
	return out, nil
}

func (m *memStore) GetPost(_ context.Context, id string) (models.Post, error) {
	p, ok := m.posts[id]
	if !ok {
		return models.Post{}, errors.New("post not found")
	}
	return p, nil
}

func (m *memStore) jobsForPost(postID string) []*models.PublishJob {
	var out []*models.PublishJob
	for _, j := range m.jobs {
		if j.PostID == postID {
			out = append(out, j)
		}
	}
	return out
}

// fakePublisher scripts pipeline outcomes per post.
type fakePublisher struct {
	fail  map[string]error
	calls []string
}

func (f *fakePublisher) Publish(_ context.Context, postID, _ string) (pipeline.Result, error) {
	f.calls = append(f.calls, postID)
	if err := f.fail[postID]; err != nil {
		// The real client returns whatever partial payload it decoded
		// alongside the error.
		var res pipeline.Result
		res.Post.ID = postID
		return res, err
	}
	var res pipeline.Result
	res.Success = true
	res.Post.ID = postID
	res.Post.Link = "https://example.com/" + postID
	res.Post.Status = "publish"
	return res, nil
}

func newEnqueuerForTest(m *memStore) *Enqueuer {
	return NewEnqueuer(m, m, NewReaper(m, 30*time.Minute, 60*time.Minute), 3)
}

func TestSweepEnqueuesDuePosts(t *testing.T) {
	m := newMemStore()
	m.addDuePost(models.Post{ID: "post-1", WebsiteID: "site-1", Status: models.PostStatusApproved})

	summary, err := newEnqueuerForTest(m).Sweep(context.Background(), time.Now(), "token")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Enqueued != 1 {
		t.Fatalf("expected 1 enqueued, got %d", summary.Enqueued)
	}
	jobs := m.jobsForPost("post-1")
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != models.StatusPending || jobs[0].StartedAt != nil || jobs[0].CompletedAt != nil {
		t.Fatalf("new job must be pending with no transition timestamps: %+v", jobs[0])
	}
	if jobs[0].AuthToken != "token" {
		t.Fatal("enqueue must capture the caller's credential on the job")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	m := newMemStore()
	m.addDuePost(models.Post{ID: "post-1", WebsiteID: "site-1", Status: models.PostStatusApproved})
	e := newEnqueuerForTest(m)

	if _, err := e.Sweep(context.Background(), time.Now(), ""); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	summary, err := e.Sweep(context.Background(), time.Now(), "")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if summary.Enqueued != 0 {
		t.Fatalf("back-to-back sweep must not enqueue again, got %d", summary.Enqueued)
	}
	if len(m.jobsForPost("post-1")) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(m.jobsForPost("post-1")))
	}
	if summary.Results[0].Status != EnqueueSkipped {
		t.Fatalf("expected skipped result, got %+v", summary.Results[0])
	}
}

func TestSweepSkipsPublishedPosts(t *testing.T) {
	m := newMemStore()
	url := "https://example.com/already"
	m.addDuePost(models.Post{ID: "post-1", WebsiteID: "site-1", Status: models.PostStatusApproved, PublishedURL: &url})

	summary, err := newEnqueuerForTest(m).Sweep(context.Background(), time.Now(), "")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Enqueued != 0 || len(m.jobs) != 0 {
		t.Fatal("posts with completion markers must not be enqueued")
	}
}

func TestSweepIsolatesPerItemFailures(t *testing.T) {
	m := newMemStore()
	m.addDuePost(models.Post{ID: "post-bad", WebsiteID: "site-1", Status: models.PostStatusApproved})
	m.addDuePost(models.Post{ID: "post-good", WebsiteID: "site-1", Status: models.PostStatusGenerated})
	m.failCreate["post-bad"] = errors.New("insert exploded")

	summary, err := newEnqueuerForTest(m).Sweep(context.Background(), time.Now(), "")
	if err != nil {
		t.Fatalf("sweep must not abort on a single candidate: %v", err)
	}
	if summary.Enqueued != 1 {
		t.Fatalf("expected the good post enqueued, got %d", summary.Enqueued)
	}
	var badResult *EnqueueResult
	for i := range summary.Results {
		if summary.Results[i].PostID == "post-bad" {
			badResult = &summary.Results[i]
		}
	}
	if badResult == nil || badResult.Status != EnqueueFailed || badResult.Error == "" {
		t.Fatalf("expected a failed result for post-bad, got %+v", badResult)
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	m := newMemStore()
	pub := &fakePublisher{}
	p := NewProcessor(m, pub, nil, time.Minute, time.Hour)

	outcome, err := p.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("empty queue must be a no-op success: %v", err)
	}
	if outcome.Processed || outcome.Job != nil {
		t.Fatalf("expected empty outcome, got %+v", outcome)
	}
	if len(pub.calls) != 0 {
		t.Fatal("pipeline must not be invoked on an empty queue")
	}
}

func TestProcessOneSuccess(t *testing.T) {
	m := newMemStore()
	m.addDuePost(models.Post{ID: "post-1", WebsiteID: "site-1", Status: models.PostStatusApproved})
	if _, err := newEnqueuerForTest(m).Sweep(context.Background(), time.Now(), "tok"); err != nil {
		t.Fatal(err)
	}

	p := NewProcessor(m, &fakePublisher{}, nil, time.Minute, time.Hour)
	outcome, err := p.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !outcome.Processed {
		t.Fatal("expected a processed job")
	}
	job := m.jobs[outcome.Job.ID]
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatal("terminal jobs must carry both transition timestamps")
	}
	if job.Result["link"] != "https://example.com/post-1" {
		t.Fatalf("expected pipeline result recorded, got %v", job.Result)
	}
}

func TestProcessOneFailure(t *testing.T) {
	m := newMemStore()
	m.addDuePost(models.Post{ID: "post-1", WebsiteID: "site-1", Status: models.PostStatusApproved})
	if _, err := newEnqueuerForTest(m).Sweep(context.Background(), time.Now(), ""); err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{fail: map[string]error{"post-1": errors.New("pipeline returned 500")}}
	p := NewProcessor(m, pub, nil, time.Minute, time.Hour)
	outcome, err := p.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("pipeline failure is recorded, not returned: %v", err)
	}
	job := m.jobs[outcome.Job.ID]
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Error == nil || *job.Error != "pipeline returned 500" {
		t.Fatalf("expected pipeline error stored, got %v", job.Error)
	}
	if !job.NextAttemptAt.After(time.Now()) {
		t.Fatal("failed job must carry a future retry deadline")
	}
}

func TestProcessOneFIFO(t *testing.T) {
	m := newMemStore()
	now := time.Now().UTC()
	for i, id := range []string{"job-old", "job-new"} {
		created := now.Add(time.Duration(i) * time.Minute)
		m.jobs[id] = &models.PublishJob{
			ID: id, PostID: "post-" + id, WebsiteID: "site-1",
			Status: models.StatusPending, MaxAttempts: 3,
			NextAttemptAt: created, CreatedAt: created,
		}
	}

	p := NewProcessor(m, &fakePublisher{}, nil, time.Minute, time.Hour)
	outcome, err := p.ProcessOne(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Job.ID != "job-old" {
		t.Fatalf("expected oldest job first, got %s", outcome.Job.ID)
	}
}

func TestReaperThresholds(t *testing.T) {
	m := newMemStore()
	now := time.Now().UTC()
	mkProcessing := func(id string, age time.Duration) {
		started := now.Add(-age)
		m.jobs[id] = &models.PublishJob{
			ID: id, PostID: "post-" + id, Status: models.StatusProcessing,
			MaxAttempts: 3, Attempts: 1, CreatedAt: started, NextAttemptAt: started, StartedAt: &started,
		}
	}
	mkProcessing("stalled", 31*time.Minute)
	mkProcessing("healthy", 29*time.Minute)

	r := NewReaper(m, 30*time.Minute, 60*time.Minute)
	summary, err := r.ResetStalled(context.Background(), now)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if summary.StalledProcessing != 1 {
		t.Fatalf("expected 1 stalled processing job, got %d", summary.StalledProcessing)
	}
	if m.jobs["stalled"].Status != models.StatusFailed || *m.jobs["stalled"].Error != "timed out" {
		t.Fatalf("stalled job not failed: %+v", m.jobs["stalled"])
	}
	if m.jobs["healthy"].Status != models.StatusProcessing {
		t.Fatalf("job under threshold must be untouched, got %s", m.jobs["healthy"].Status)
	}
}

func TestReaperPendingTimeout(t *testing.T) {
	m := newMemStore()
	now := time.Now().UTC()
	created := now.Add(-61 * time.Minute)
	m.jobs["old-pending"] = &models.PublishJob{
		ID: "old-pending", PostID: "post-1", Status: models.StatusPending,
		MaxAttempts: 3, CreatedAt: created, NextAttemptAt: created,
	}

	r := NewReaper(m, 30*time.Minute, 60*time.Minute)
	summary, err := r.ResetStalled(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if summary.StalledPending != 1 {
		t.Fatalf("expected 1 stalled pending job, got %d", summary.StalledPending)
	}
	if *m.jobs["old-pending"].Error != "pending too long" {
		t.Fatalf("expected pending timeout reason, got %v", m.jobs["old-pending"].Error)
	}
}

func TestReaperEmptySweepIsSuccess(t *testing.T) {
	m := newMemStore()
	r := NewReaper(m, 30*time.Minute, 60*time.Minute)
	summary, err := r.ResetStalled(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("zero-row sweep must not error: %v", err)
	}
	if summary.StalledProcessing != 0 || summary.StalledPending != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
}

func TestFailedJobRequeuedThenBlocksFreshEnqueue(t *testing.T) {
	m := newMemStore()
	m.addDuePost(models.Post{ID: "post-1", WebsiteID: "site-1", Status: models.PostStatusApproved})
	e := newEnqueuerForTest(m)
	if _, err := e.Sweep(context.Background(), time.Now(), ""); err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{fail: map[string]error{"post-1": errors.New("boom")}}
	p := NewProcessor(m, pub, nil, time.Millisecond, time.Millisecond)
	if _, err := p.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}

	// After the backoff passes, the sweep re-queues the failed job instead of
	// creating a second row for the same post.
	summary, err := e.Sweep(context.Background(), time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Requeued != 1 {
		t.Fatalf("expected 1 requeued job, got %d", summary.Requeued)
	}
	if summary.Enqueued != 0 {
		t.Fatalf("requeued job must block a fresh enqueue, got %d new", summary.Enqueued)
	}
	jobs := m.jobsForPost("post-1")
	if len(jobs) != 1 {
		t.Fatalf("expected a single job row, got %d", len(jobs))
	}
	requeued := jobs[0]
	if requeued.Status != models.StatusPending {
		t.Fatalf("expected pending after requeue, got %s", requeued.Status)
	}
	if requeued.Error != nil || requeued.Result != nil {
		t.Fatalf("requeue must clear the prior failure's diagnostics, got error=%v result=%v", requeued.Error, requeued.Result)
	}
	if requeued.StartedAt != nil || requeued.CompletedAt != nil {
		t.Fatal("requeued pending job must carry no transition timestamps")
	}
}

func TestFailedJobInBackoffWindowBlocksFreshEnqueue(t *testing.T) {
	m := newMemStore()
	m.addDuePost(models.Post{ID: "post-1", WebsiteID: "site-1", Status: models.PostStatusApproved})
	e := newEnqueuerForTest(m)
	if _, err := e.Sweep(context.Background(), time.Now(), ""); err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{fail: map[string]error{"post-1": errors.New("boom")}}
	p := NewProcessor(m, pub, nil, time.Hour, 2*time.Hour)
	if _, err := p.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The backoff deadline is still ahead: the job is neither requeued nor
	// terminal, and a sweep in that window must not insert a second row for
	// the same post.
	summary, err := e.Sweep(context.Background(), time.Now(), "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Requeued != 0 {
		t.Fatalf("backoff has not elapsed, expected no requeue, got %d", summary.Requeued)
	}
	if summary.Enqueued != 0 {
		t.Fatalf("retry-eligible failed job must block a fresh enqueue, got %d new", summary.Enqueued)
	}
	jobs := m.jobsForPost("post-1")
	if len(jobs) != 1 {
		t.Fatalf("expected a single job row for the post, got %d", len(jobs))
	}
	if jobs[0].Status != models.StatusFailed {
		t.Fatalf("job must stay failed until its backoff elapses, got %s", jobs[0].Status)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}
