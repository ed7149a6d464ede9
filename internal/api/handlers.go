package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/optimode/verifyengine/internal/feedback"
	"github.com/optimode/verifyengine/internal/logger"
	"github.com/optimode/verifyengine/internal/metrics"
	"github.com/optimode/verifyengine/internal/reputation"
	"github.com/optimode/verifyengine/internal/scheduler"
	"github.com/optimode/verifyengine/types"
)

const defaultMaxBodyBytes = 32 << 20

// JobSubmitter accepts verification jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, req scheduler.JobRequest) (scheduler.JobReceipt, error)
}

// JobReader reads job state.
type JobReader interface {
	GetJob(ctx context.Context, id string) (types.Job, error)
	ListChunks(ctx context.Context, jobID string) ([]types.Chunk, error)
	JobResults(ctx context.Context, jobID string) ([]types.Result, error)
}

type FeedbackIngester interface {
	IngestJSON(ctx context.Context, raw []byte) (feedback.Summary, error)
}

type MonitorRecorder interface {
	RecordExternal(ctx context.Context, in reputation.MonitorCheck) (reputation.RecordSummary, error)
	ResolveDelist(ctx context.Context, id, notes string) (types.DelistRequest, error)
}

type ReputationReader interface {
	ListReputationChecks(ctx context.Context, serverID string, limit int) ([]types.ReputationCheck, error)
	ListDelists(ctx context.Context, status types.DelistStatus) ([]types.DelistRequest, error)
}

// SettingsController exposes the live settings and the pause toggle.
type SettingsController interface {
	types.SettingsSource
	SetPaused(paused bool) (types.Settings, error)
}

// Deps are the collaborators behind the handlers. Metrics and Logger may
// be nil.
type Deps struct {
	Jobs       JobSubmitter
	JobStore   JobReader
	Feedback   FeedbackIngester
	Monitor    MonitorRecorder
	Reputation ReputationReader
	Settings   SettingsController
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	// MaxBodyBytes caps request bodies. Default 32 MiB.
	MaxBodyBytes int64
}

// Handlers holds the HTTP handlers.
type Handlers struct {
	jobs       JobSubmitter
	jobStore   JobReader
	feedback   FeedbackIngester
	monitor    MonitorRecorder
	reputation ReputationReader
	settings   SettingsController
	metrics    *metrics.Metrics
	log        *zap.Logger
	maxBody    int64
}

func NewHandlers(d Deps) *Handlers {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handlers{
		jobs:       d.Jobs,
		jobStore:   d.JobStore,
		feedback:   d.Feedback,
		monitor:    d.Monitor,
		reputation: d.Reputation,
		settings:   d.Settings,
		metrics:    d.Metrics,
		log:        logger.OrNop(d.Logger).Named("api"),
		maxBody:    d.MaxBodyBytes,
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitJob handles POST /api/v1/jobs.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req scheduler.JobRequest
	if !h.decode(w, r, &req) {
		return
	}
	receipt, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, receipt)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobStore.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := h.jobStore.ListChunks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"chunks": chunks})
}

func (h *Handlers) ListResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.jobStore.JobResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// IngestFeedback handles POST /api/v1/feedback. The service checks the
// payload size itself, so the raw body is passed through undecoded. A
// disabled endpoint answers 403 before the body is read.
func (h *Handlers) IngestFeedback(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !settings.FeedbackEnabled {
		h.fail(w, r, types.ErrFeedbackDisabled)
		return
	}
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	sum, err := h.feedback.IngestJSON(r.Context(), raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (h *Handlers) RecordMonitorCheck(w http.ResponseWriter, r *http.Request) {
	var in reputation.MonitorCheck
	if !h.decode(w, r, &in) {
		return
	}
	sum, err := h.monitor.RecordExternal(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// ListReputationChecks handles GET /api/v1/servers/{id}/reputation?limit=N.
func (h *Handlers) ListReputationChecks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	checks, err := h.reputation.ListReputationChecks(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"checks": checks})
}

// ListDelists handles GET /api/v1/delist-requests?status=open|resolved.
func (h *Handlers) ListDelists(w http.ResponseWriter, r *http.Request) {
	status := types.DelistStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.DelistOpen, types.DelistResolved:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	delists, err := h.reputation.ListDelists(r.Context(), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"delist_requests": delists})
}

func (h *Handlers) ResolveDelist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	d, err := h.monitor.ResolveDelist(r.Context(), chi.URLParam(r, "id"), body.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request)  { h.setPaused(w, r, true) }
func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) { h.setPaused(w, r, false) }

func (h *Handlers) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	s, err := h.settings.SetPaused(paused)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("engine pause toggled", zap.Bool("paused", s.Paused), zap.Int64("settings_version", s.Version))
	respondJSON(w, http.StatusOK, map[string]interface{}{"paused": s.Paused, "version": s.Version})
}

// readBody reads at most maxBody bytes, answering 413 past that.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if int64(len(raw)) > h.maxBody {
		respondError(w, http.StatusRequestEntityTooLarge, types.ErrPayloadTooLarge.Error())
		return nil, false
	}
	return raw, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	raw, ok := h.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// fail maps engine errors onto status codes. Anything unrecognised is a
// 500 and is logged.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrEmptyJob),
		errors.Is(err, types.ErrInvalidInput),
		errors.Is(err, types.ErrTooManyItems),
		errors.Is(err, types.ErrInvalidPolicy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrFeedbackDisabled):
		return http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
