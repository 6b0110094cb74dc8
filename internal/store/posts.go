package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"contentgardener/internal/models"
)

// The content repository is owned by the product's CMS side. The queue reads
// posts to find due work and to count scheduled slots; the only writes happen
// downstream in the publish pipeline.

// DuePosts returns posts whose publish time has arrived: approved or
// generated, no completion markers, scheduled at or before now, and belonging
// to a website with a connected publish target.
func (s *Store) DuePosts(ctx context.Context, now time.Time) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.website_id, p.title, p.status, p.scheduled_date, p.published_at, p.published_url, p.created_at
		FROM posts p
		JOIN websites w ON w.id = p.website_id
		WHERE p.status IN ($1, $2)
		  AND p.published_at IS NULL
		  AND (p.published_url IS NULL OR p.published_url = '')
		  AND p.scheduled_date IS NOT NULL
		  AND p.scheduled_date <= $3
		  AND w.connected
		ORDER BY p.scheduled_date ASC
	`, models.PostStatusApproved, models.PostStatusGenerated, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// GetPost fetches a single content record.
func (s *Store) GetPost(ctx context.Context, id string) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, website_id, title, status, scheduled_date, published_at, published_url, created_at
		FROM posts WHERE id = $1
	`, id)
	post, err := scanPost(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Post{}, fmt.Errorf("post %s not found: %w", id, err)
		}
		return models.Post{}, err
	}
	return post, nil
}

// ScheduledPosts returns a website's posts that carry a scheduled date, for
// slot calculation. Active filtering happens in the schedule package.
func (s *Store) ScheduledPosts(ctx context.Context, websiteID string) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, website_id, title, status, scheduled_date, published_at, published_url, created_at
		FROM posts
		WHERE website_id = $1 AND scheduled_date IS NOT NULL
		ORDER BY scheduled_date ASC
	`, websiteID)
	if err != nil {
		return nil, fmt.Errorf("query scheduled posts: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// GetWebsite fetches a website with its posting-day quotas.
func (s *Store) GetWebsite(ctx context.Context, id string) (models.Website, error) {
	var w models.Website
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, connected, created_at FROM websites WHERE id = $1
	`, id).Scan(&w.ID, &w.Name, &w.Connected, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Website{}, fmt.Errorf("website %s not found: %w", id, err)
	}
	if err != nil {
		return models.Website{}, fmt.Errorf("query website: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT day, post_count FROM posting_days WHERE website_id = $1
	`, id)
	if err != nil {
		return models.Website{}, fmt.Errorf("query posting days: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d models.PostingDay
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return models.Website{}, fmt.Errorf("scan posting day: %w", err)
		}
		w.PostingDays = append(w.PostingDays, d)
	}
	return w, rows.Err()
}

func collectPosts(rows pgx.Rows) ([]models.Post, error) {
	var posts []models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func scanPost(row rowScanner) (models.Post, error) {
	var p models.Post
	var scheduled, published pgtype.Timestamptz
	var url pgtype.Text

	if err := row.Scan(&p.ID, &p.WebsiteID, &p.Title, &p.Status, &scheduled, &published, &url, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Post{}, err
		}
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}
	if scheduled.Valid {
		p.ScheduledDate = scheduled.Time
	}
	p.PublishedAt = timePtr(published)
	p.PublishedURL = textPtr(url)
	return p, nil
}
