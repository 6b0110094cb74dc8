// Package schedule computes publication slots from per-weekday posting
// quotas. A day either has remaining capacity or it does not; time of day is
// not part of the scheduling granularity.
package schedule

import (
	"strings"
	"time"

	"contentgardener/internal/models"
)

// maxLookahead bounds the forward walk to four weeks. A quota map with no
// positive counts would otherwise never terminate.
const maxLookahead = 28

// WeeklySlot is an under-quota day in the upcoming week.
type WeeklySlot struct {
	Date    time.Time `json:"date"`
	Missing int       `json:"missing"`
}

// WeeklyReport summarizes the next seven days against the quota map.
type WeeklyReport struct {
	Filled  bool         `json:"is_filled"`
	Missing []WeeklySlot `json:"missing_slots"`
}

// FindNextAvailableDate returns the earliest date with spare quota, walking
// forward from the latest actively scheduled date (or from, when nothing is
// scheduled). The boolean is false when no slot exists within the lookahead
// window; callers must treat that as "do not schedule" rather than falling
// back to today, which would silently overbook the day.
func FindNextAvailableDate(days []models.PostingDay, posts []models.Post, from time.Time) (time.Time, bool) {
	quotas := quotaByDay(days)
	active := activePosts(posts)

	start := Midnight(from)
	for _, p := range active {
		if d := midnightIn(p.ScheduledDate, from.Location()); d.After(start) {
			start = d
		}
	}

	for i := 0; i < maxLookahead; i++ {
		date := start.AddDate(0, 0, i)
		quota := quotas[models.WeekdayName(date)]
		if quota > 0 && countOn(active, date) < quota {
			return date, true
		}
	}
	return time.Time{}, false
}

// IsWeeklyScheduleFilled checks the seven days starting at ref. The week
// counts as filled when the total of active posts meets the total required
// and no individual day is under its quota.
func IsWeeklyScheduleFilled(days []models.PostingDay, posts []models.Post, ref time.Time) WeeklyReport {
	quotas := quotaByDay(days)
	active := activePosts(posts)

	var totalRequired, totalScheduled int
	missing := []WeeklySlot{}
	startDay := Midnight(ref)
	for i := 0; i < 7; i++ {
		date := startDay.AddDate(0, 0, i)
		quota := quotas[models.WeekdayName(date)]
		if quota == 0 {
			continue
		}
		scheduled := countOn(active, date)
		totalRequired += quota
		totalScheduled += scheduled
		if scheduled < quota {
			missing = append(missing, WeeklySlot{Date: date, Missing: quota - scheduled})
		}
	}

	return WeeklyReport{
		Filled:  totalScheduled >= totalRequired && len(missing) == 0,
		Missing: missing,
	}
}

// Midnight truncates a time to the start of its calendar day.
func Midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// midnightIn truncates in the caller's location so posts stored with a
// different zone land on the calendar day they occupy there, not in their
// own zone.
func midnightIn(t time.Time, loc *time.Location) time.Time {
	return Midnight(t.In(loc))
}

func quotaByDay(days []models.PostingDay) map[string]int {
	m := make(map[string]int, len(days))
	for _, d := range days {
		m[normalizeDay(d.Day)] = d.Count
	}
	return m
}

func normalizeDay(day string) string {
	return strings.ToLower(strings.TrimSpace(day))
}

func activePosts(posts []models.Post) []models.Post {
	out := make([]models.Post, 0, len(posts))
	for _, p := range posts {
		if p.Active() && !p.ScheduledDate.IsZero() {
			out = append(out, p)
		}
	}
	return out
}

func countOn(posts []models.Post, date time.Time) int {
	n := 0
	for _, p := range posts {
		if midnightIn(p.ScheduledDate, date.Location()).Equal(date) {
			n++
		}
	}
	return n
}
