package models

import (
	"time"
)

// PublishJob lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// PublishJob represents one unit of "publish this post" work.
type PublishJob struct {
	ID            string         `json:"id"`
	PostID        string         `json:"post_id"`
	WebsiteID     string         `json:"website_id"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	AuthToken     string         `json:"-"`
	Error         *string        `json:"error,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j PublishJob) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
