package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"contentgardener/internal/config"
	"contentgardener/internal/models"
	"contentgardener/internal/queue"
	"contentgardener/internal/ratelimit"
	"contentgardener/internal/schedule"
	"contentgardener/internal/telemetry"
)

// Sweeper runs one enqueue pass.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, authToken string) (queue.SweepSummary, error)
}

// Runner processes one job.
type Runner interface {
	ProcessOne(ctx context.Context) (queue.Outcome, error)
}

// StallReaper resets stuck jobs.
type StallReaper interface {
	ResetStalled(ctx context.Context, now time.Time) (queue.ReapSummary, error)
}

// Directory is the read-side store surface the HTTP layer needs.
type Directory interface {
	GetJob(ctx context.Context, id string) (models.PublishJob, error)
	GetWebsite(ctx context.Context, id string) (models.Website, error)
	ScheduledPosts(ctx context.Context, websiteID string) ([]models.Post, error)
}

// Server wires the HTTP trigger and read endpoints.
type Server struct {
	cfg       config.Config
	dir       Directory
	enqueuer  Sweeper
	processor Runner
	reaper    StallReaper
	limiter   *ratelimit.TriggerLimiter
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, dir Directory, enq Sweeper, proc Runner, reaper StallReaper, limiter *ratelimit.TriggerLimiter) *Server {
	return &Server{cfg: cfg, dir: dir, enqueuer: enq, processor: proc, reaper: reaper, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.cronAuth, s.rateLimit)
		r.Post("/queue/check", s.handleCheck)
		r.Post("/queue/process", s.handleProcess)
		r.Post("/queue/reset-stalled", s.handleResetStalled)
	})

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/websites/{id}/schedule/next-slot", s.handleNextSlot)
	r.Get("/websites/{id}/schedule/weekly", s.handleWeekly)
	return r
}

// response is the wire envelope shared by the queue trigger endpoints.
type response struct {
	Success        bool   `json:"success"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	ProcessedCount *int   `json:"processedCount,omitempty"`
	Results        any    `json:"results,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	summary, err := s.enqueuer.Sweep(r.Context(), time.Now(), bearerToken(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Error: err.Error()})
		return
	}

	// Fire-and-forget kick so freshly enqueued work starts without waiting
	// for the next cron tick.
	if summary.Enqueued > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PipelineTimeout+time.Minute)
			defer cancel()
			if _, err := s.processor.ProcessOne(ctx); err != nil {
				log.Printf("api: post-sweep processor kick: %v", err)
			}
		}()
	}

	count := len(summary.Results)
	writeJSON(w, http.StatusOK, response{
		Success:        true,
		Message:        "queue sweep complete",
		ProcessedCount: &count,
		Results:        summary,
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.processor.ProcessOne(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Error: err.Error()})
		return
	}
	count := 0
	msg := "queue empty"
	if outcome.Busy {
		msg = "another processor holds the lock"
	}
	if outcome.Processed {
		count = 1
		msg = "processed job " + outcome.Job.ID
	}
	writeJSON(w, http.StatusOK, response{
		Success:        true,
		Message:        msg,
		ProcessedCount: &count,
		Results:        outcome,
	})
}

func (s *Server) handleResetStalled(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reaper.ResetStalled(r.Context(), time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Error: err.Error()})
		return
	}
	count := int(summary.StalledProcessing + summary.StalledPending)
	writeJSON(w, http.StatusOK, response{
		Success:        true,
		Message:        "stalled job sweep complete",
		ProcessedCount: &count,
		Results:        summary,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.dir.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, response{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type nextSlotResponse struct {
	Success   bool       `json:"success"`
	SlotFound bool       `json:"slotFound"`
	Date      *time.Time `json:"date,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func (s *Server) handleNextSlot(w http.ResponseWriter, r *http.Request) {
	website, posts, ok := s.loadScheduleInputs(w, r)
	if !ok {
		return
	}
	date, found := schedule.FindNextAvailableDate(website.PostingDays, posts, time.Now())
	if !found {
		writeJSON(w, http.StatusOK, nextSlotResponse{
			Success:   true,
			SlotFound: false,
			Message:   "no open slot within the lookahead window",
		})
		return
	}
	writeJSON(w, http.StatusOK, nextSlotResponse{Success: true, SlotFound: true, Date: &date})
}

type weeklyResponse struct {
	Success bool                  `json:"success"`
	Report  schedule.WeeklyReport `json:"report"`
}

func (s *Server) handleWeekly(w http.ResponseWriter, r *http.Request) {
	website, posts, ok := s.loadScheduleInputs(w, r)
	if !ok {
		return
	}
	report := schedule.IsWeeklyScheduleFilled(website.PostingDays, posts, time.Now())
	writeJSON(w, http.StatusOK, weeklyResponse{Success: true, Report: report})
}

func (s *Server) loadScheduleInputs(w http.ResponseWriter, r *http.Request) (models.Website, []models.Post, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, response{Error: "website id is required"})
		return models.Website{}, nil, false
	}
	website, err := s.dir.GetWebsite(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, response{Error: err.Error()})
		return models.Website{}, nil, false
	}
	posts, err := s.dir.ScheduledPosts(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Error: err.Error()})
		return models.Website{}, nil, false
	}
	return website, posts, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
