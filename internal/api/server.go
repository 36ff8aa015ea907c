package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"clipflow/internal/domain"
	"clipflow/internal/intake"
	"clipflow/internal/release"
	"clipflow/internal/store"
)

type Config struct {
	MaxSlotsPerHour int
	HoursAhead      int
	Location        *time.Location
	EnableDebug     bool
}

type Server struct {
	r        *chi.Mux
	store    *store.Store
	intake   *intake.Service
	releases *release.Queue
	cfg      Config
}

func NewServer(st *store.Store, in *intake.Service, rq *release.Queue, cfg Config) http.Handler {
	if cfg.MaxSlotsPerHour <= 0 {
		cfg.MaxSlotsPerHour = 6
	}
	if cfg.HoursAhead <= 0 {
		cfg.HoursAhead = 6
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, intake: in, releases: rq, cfg: cfg}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/captures", s.submitCaptures)
	r.Get("/api/captures", s.listCaptures)
	r.Get("/api/captures/{id}", s.getCapture)
	r.Get("/api/releases", s.listReleases)
	r.Post("/api/releases/{id}/schedule", s.scheduleRelease)
	r.Post("/api/releases/{id}/cancel", s.cancelRelease)
	r.Delete("/api/releases/{id}", s.discardRelease)
	r.Post("/api/moderation/callback", s.moderationCallback)
	r.Get("/api/stats", s.queueStats)
	r.Get("/api/limits/{submitter}", s.getLimit)
	r.Get("/api/errors", s.listErrors)
	r.Post("/api/feedback", s.submitFeedback)
	r.Get("/api/feedback", s.listFeedback)

	if cfg.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("clipflow_up 1\n"))
}

type submitReq struct {
	URL        string   `json:"url"`
	URLs       []string `json:"urls"`
	ContentKey string   `json:"content_key"`
	Submitter  string   `json:"submitter"`
	ChatID     string   `json:"chat_id"`
	Channel    string   `json:"channel"`
	Origin     string   `json:"origin"`
	Priority   int      `json:"priority"`
	Force      bool     `json:"force"`
}

type admittedItem struct {
	URL      string `json:"url"`
	JobID    int64  `json:"job_id,omitempty"`
	Position int    `json:"position,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) submitCaptures(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	urls := req.URLs
	if len(urls) == 0 && req.URL != "" {
		urls = []string{req.URL}
	}
	if len(urls) == 0 {
		http.Error(w, "url is required", 400)
		return
	}

	base := intake.Request{
		Submitter: req.Submitter,
		ChatID:    req.ChatID,
		Channel:   req.Channel,
		Origin:    req.Origin,
		Priority:  req.Priority,
		Force:     req.Force,
	}

	if len(urls) == 1 {
		one := base
		one.SourceURL = urls[0]
		one.ContentKey = req.ContentKey
		if one.ContentKey == "" {
			one.ContentKey = intake.NormalizeKey(urls[0])
		}
		adm, err := s.intake.Admit(r.Context(), one)
		if err != nil {
			http.Error(w, err.Error(), admissionStatus(err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":   adm.JobID,
			"position": adm.Position,
		})
		return
	}

	items := make([]intake.BatchItem, len(urls))
	for i, u := range urls {
		items[i] = intake.BatchItem{ContentKey: intake.NormalizeKey(u), SourceURL: u}
	}
	res, err := s.intake.AdmitBatch(r.Context(), base, items)
	if err != nil {
		http.Error(w, err.Error(), admissionStatus(err))
		return
	}
	out := make([]admittedItem, len(res.Items))
	admitted := 0
	for i, it := range res.Items {
		out[i] = admittedItem{URL: items[i].SourceURL, JobID: it.JobID, Position: it.Position}
		if it.Err != nil {
			out[i].Error = it.Err.Error()
			out[i].JobID = 0
			out[i].Position = 0
		} else {
			admitted++
		}
	}
	code := http.StatusAccepted
	if admitted == 0 {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{
		"batch_id": res.BatchID,
		"admitted": admitted,
		"items":    out,
	})
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", 400)
		return
	}
	j, err := s.store.JobByID(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	resp := map[string]any{
		"id":           j.ID,
		"content_key":  j.ContentKey,
		"source_url":   j.SourceURL,
		"status":       j.Status,
		"origin":       j.Origin,
		"priority":     j.Priority,
		"submitted_at": j.SubmittedAt.Format(time.RFC3339),
	}
	if j.Channel != "" {
		resp["channel"] = j.Channel
	}
	if j.BatchID != nil {
		resp["batch_id"] = *j.BatchID
		resp["batch_size"] = j.BatchSize
	}
	if j.CompletedAt != nil {
		resp["completed_at"] = j.CompletedAt.Format(time.RFC3339)
	}
	if j.Error != "" {
		resp["error"] = j.Error
	}
	if j.Status == domain.StatusPending {
		pos, err := s.store.Position(r.Context(), id)
		if err == nil {
			resp["position"] = pos
		}
	}
	writeJSON(w, 200, resp)
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	jobs, err := s.store.ListRecentJobs(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		out[i] = map[string]any{
			"id":           j.ID,
			"content_key":  j.ContentKey,
			"status":       j.Status,
			"origin":       j.Origin,
			"priority":     j.Priority,
			"submitted_at": j.SubmittedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, 200, out)
}

func (s *Server) listReleases(w http.ResponseWriter, r *http.Request) {
	rels, err := s.store.ListReleases(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, len(rels))
	for i, rel := range rels {
		m := map[string]any{
			"id":          rel.ID,
			"content_key": rel.ContentKey,
			"media":       len(rel.Media),
			"created_at":  rel.CreatedAt.Format(time.RFC3339),
		}
		if rel.ReleaseAt != nil {
			m["release_at"] = rel.ReleaseAt.In(s.cfg.Location).Format(time.RFC3339)
		}
		out[i] = m
	}
	writeJSON(w, 200, out)
}

type scheduleReq struct {
	At   string `json:"at"`
	Auto bool   `json:"auto"`
}

func (s *Server) scheduleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", 400)
		return
	}
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Auto {
		at, err := s.releases.AutoSchedule(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), releaseStatus(err))
			return
		}
		writeJSON(w, 200, map[string]any{"id": id, "release_at": at.In(s.cfg.Location).Format(time.RFC3339)})
		return
	}

	at, err := time.Parse(time.RFC3339, req.At)
	if err != nil {
		http.Error(w, "at must be RFC3339", 400)
		return
	}
	if at.Before(time.Now()) {
		http.Error(w, "at is in the past", 400)
		return
	}
	if err := s.releases.Schedule(r.Context(), id, at); err != nil {
		http.Error(w, err.Error(), releaseStatus(err))
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "release_at": at.In(s.cfg.Location).Format(time.RFC3339)})
}

func (s *Server) cancelRelease(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", 400)
		return
	}
	if err := s.releases.Cancel(r.Context(), id); err != nil {
		http.Error(w, err.Error(), releaseStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) discardRelease(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", 400)
		return
	}
	if err := s.releases.Discard(r.Context(), id); err != nil {
		http.Error(w, err.Error(), releaseStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moderationReq struct {
	ChatID    string `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Action    string `json:"action"`
	At        string `json:"at"`
}

// moderationCallback lets the operator surface act on a draft knowing
// only the moderation message it is replying to.
func (s *Server) moderationCallback(w http.ResponseWriter, r *http.Request) {
	var req moderationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	rel, err := s.store.ReleaseByModeration(r.Context(), req.ChatID, req.MessageID)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	switch req.Action {
	case "auto":
		at, err := s.releases.AutoSchedule(r.Context(), rel.ID)
		if err != nil {
			http.Error(w, err.Error(), releaseStatus(err))
			return
		}
		writeJSON(w, 200, map[string]any{"release_id": rel.ID, "release_at": at.In(s.cfg.Location).Format(time.RFC3339)})
	case "schedule":
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			http.Error(w, "at must be RFC3339", 400)
			return
		}
		if err := s.releases.Schedule(r.Context(), rel.ID, at); err != nil {
			http.Error(w, err.Error(), releaseStatus(err))
			return
		}
		writeJSON(w, 200, map[string]any{"release_id": rel.ID, "release_at": at.In(s.cfg.Location).Format(time.RFC3339)})
	case "cancel":
		if err := s.releases.Cancel(r.Context(), rel.ID); err != nil {
			http.Error(w, err.Error(), releaseStatus(err))
			return
		}
		writeJSON(w, 200, map[string]any{"release_id": rel.ID})
	case "discard":
		if err := s.releases.Discard(r.Context(), rel.ID); err != nil {
			http.Error(w, err.Error(), releaseStatus(err))
			return
		}
		writeJSON(w, 200, map[string]any{"release_id": rel.ID})
	default:
		http.Error(w, "unknown action", 400)
	}
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	pending, err := s.store.CountJobs(ctx, domain.StatusPending)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	processing, err := s.store.CountJobs(ctx, domain.StatusProcessing)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	scheduled, err := s.store.ScheduledCount(ctx, now)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	next, err := s.store.NextRelease(ctx, now)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	local := now.In(s.cfg.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
	releasedToday, err := s.store.ReleasedSince(ctx, midnight)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	times, err := s.store.ScheduledTimes(ctx)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	resp := map[string]any{
		"pending":        pending,
		"processing":     processing,
		"scheduled":      scheduled,
		"released_today": releasedToday,
		"hours":          s.hourlyLoad(times, local),
	}
	if next != nil {
		resp["next_release"] = next.In(s.cfg.Location).Format(time.RFC3339)
	}
	writeJSON(w, 200, resp)
}

type hourLoad struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
	Free  int    `json:"free"`
}

// hourlyLoad buckets scheduled fire times into the next few hours so
// operators can see where auto scheduling still has room.
func (s *Server) hourlyLoad(times []time.Time, now time.Time) []hourLoad {
	start := now.Truncate(time.Hour)
	out := make([]hourLoad, s.cfg.HoursAhead)
	for i := range out {
		h := start.Add(time.Duration(i) * time.Hour)
		count := 0
		for _, t := range times {
			lt := t.In(s.cfg.Location)
			if !lt.Before(h) && lt.Before(h.Add(time.Hour)) {
				count++
			}
		}
		free := s.cfg.MaxSlotsPerHour - count
		if free < 0 {
			free = 0
		}
		out[i] = hourLoad{Hour: h.Format("15:00"), Count: count, Free: free}
	}
	return out
}

func (s *Server) getLimit(w http.ResponseWriter, r *http.Request) {
	submitter := chi.URLParam(r, "submitter")
	used, limit, err := s.intake.Allowance(r.Context(), submitter)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := map[string]any{
		"submitter": submitter,
		"limit":     limit,
		"used":      used,
	}
	if limit > 0 {
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		resp["remaining"] = remaining
	}
	writeJSON(w, 200, resp)
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	entries, err := s.store.RecentErrors(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{
			"id":        e.ID,
			"source":    e.Source,
			"message":   e.Message,
			"logged_at": e.LoggedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, 200, out)
}

type feedbackReq struct {
	Submitter string `json:"submitter"`
	ChatID    string `json:"chat_id"`
	Category  string `json:"category"`
	Message   string `json:"message"`
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", 400)
		return
	}
	id, err := s.store.AddFeedback(r.Context(), store.Feedback{
		Submitter: req.Submitter,
		ChatID:    req.ChatID,
		Category:  req.Category,
		Message:   req.Message,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) listFeedback(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	items, err := s.store.ListFeedback(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, len(items))
	for i, f := range items {
		out[i] = map[string]any{
			"id":         f.ID,
			"submitter":  f.Submitter,
			"category":   f.Category,
			"message":    f.Message,
			"created_at": f.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, 200, out)
}

func admissionStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrDuplicateContent), errors.Is(err, domain.ErrAlreadyQueued):
		return http.StatusConflict
	case errors.Is(err, domain.ErrHourlyLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func releaseStatus(err error) int {
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
