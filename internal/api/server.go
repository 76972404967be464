package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/telemetry"
	"pipeline-patcher/internal/tracker"
)

// Server wires HTTP handlers for job registration and reporting.
type Server struct {
	backend tracker.Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs the API server.
func New(backend tracker.Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleRegister)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/kinds", s.handleKinds)
	return r
}

type registerRequest struct {
	Subject      string    `json:"subject"`
	SessionStart time.Time `json:"session_start"`
	// JobDate is YYYY-MM-DD; it defaults to today.
	JobDate     string `json:"job_date"`
	Nickname    string `json:"nickname"`
	SessionUUID string `json:"session_uuid"`
	Lab         string `json:"lab"`
}

type registerResponse struct {
	Job     models.Job `json:"job"`
	Created bool       `json:"created"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Subject == "" || req.SessionStart.IsZero() {
		http.Error(w, "subject and session_start are required", http.StatusBadRequest)
		return
	}
	jobDate := s.now()
	if req.JobDate != "" {
		d, err := time.Parse("2006-01-02", req.JobDate)
		if err != nil {
			http.Error(w, "job_date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		jobDate = d
	}

	job := models.NewJob(
		models.EntityKey{Subject: req.Subject, SessionStart: req.SessionStart},
		jobDate,
		models.Snapshot{Nickname: req.Nickname, SessionUUID: req.SessionUUID, Lab: req.Lab},
	)
	stored, created, err := s.backend.RegisterJob(r.Context(), job)
	if err != nil {
		s.logger.Error("register job", "error", err)
		http.Error(w, "register failed", http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		telemetry.JobsRegistered.Inc()
		s.logger.Info("job registered", "job", stored.ID, "entity", stored.Entity.String())
	}
	writeJSON(w, code, registerResponse{Job: stored, Created: created})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var f tracker.JobFilter
	q := r.URL.Query()
	if v := q.Get("verdict"); v != "" {
		for _, part := range strings.Split(v, ",") {
			verdict, err := models.ParseVerdict(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.Verdicts = append(f.Verdicts, verdict)
		}
	}
	if v := q.Get("since_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			http.Error(w, "since_days must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Since = s.now().AddDate(0, 0, -days)
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}

	jobs, err := s.backend.ListJobs(r.Context(), f)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.JobSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type jobDetail struct {
	Job    models.Job           `json:"job"`
	Run    *models.RunStatus    `json:"run,omitempty"`
	Tables []models.TableStatus `json:"tables"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.backend.GetJob(r.Context(), id)
	if errors.Is(err, tracker.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	detail := jobDetail{Job: job}
	run, ok, err := s.backend.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ok {
		detail.Run = &run
	}
	detail.Tables, err = s.backend.TableStatuses(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail.Tables == nil {
		detail.Tables = []models.TableStatus{}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleKinds(w http.ResponseWriter, r *http.Request) {
	kinds, err := s.backend.ListKinds(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if kinds == nil {
		kinds = []models.ArtifactKind{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kinds": kinds})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
