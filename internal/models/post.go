package models

import (
	"strings"
	"time"
)

// Post statuses owned by the content repository. The queue only reads these;
// writes go through the publish pipeline.
const (
	PostStatusDraft     = "draft"
	PostStatusPending   = "pending"
	PostStatusApproved  = "approved"
	PostStatusGenerated = "generated"
	PostStatusDeclined  = "declined"
	PostStatusPublished = "published"
)

// Post is the subset of a content record the scheduler cares about.
type Post struct {
	ID            string     `json:"id"`
	WebsiteID     string     `json:"website_id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	ScheduledDate time.Time  `json:"scheduled_date"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	PublishedURL  *string    `json:"published_url,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Published reports whether either completion marker is set. Both markers are
// checked because a half-finished publish run may have set only one of them.
func (p Post) Published() bool {
	return p.PublishedAt != nil || (p.PublishedURL != nil && *p.PublishedURL != "")
}

// Active reports whether the post counts against a weekday's quota.
// Declined and pending posts do not occupy slots.
func (p Post) Active() bool {
	return p.Status != PostStatusDeclined && p.Status != PostStatusPending
}

// Website is a publish target configuration.
type Website struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Connected   bool         `json:"connected"`
	PostingDays []PostingDay `json:"posting_days"`
	CreatedAt   time.Time    `json:"created_at"`
}

// PostingDay is the per-weekday posting quota.
type PostingDay struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// WeekdayName returns the lowercase English name used for quota lookups,
// independent of the host locale.
func WeekdayName(t time.Time) string {
	return strings.ToLower(t.Weekday().String())
}
