package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/pkg/httputil"
	"github.com/dStensland/LostCity-sub000/internal/service/crawlrun"
	"github.com/dStensland/LostCity-sub000/internal/service/events"
	"github.com/dStensland/LostCity-sub000/internal/service/issues"
	"github.com/dStensland/LostCity-sub000/internal/service/sourcehealth"
)

// CrawlRunService records and reads crawl runs.
type CrawlRunService interface {
	RecordCrawlRun(ctx context.Context, in crawlrun.RecordInput) (*domain.CrawlRun, error)
	Get(ctx context.Context, id string) (*domain.CrawlRun, error)
}

// EventService accepts extracted event batches.
type EventService interface {
	SubmitExtractedEvents(ctx context.Context, sourceID int64, crawlRunID string, batch []domain.Event) (*events.SubmitResult, error)
}

// IssueService lists and resolves quality issues.
type IssueService interface {
	ListOpenIssues(ctx context.Context, f issues.IssueFilter) ([]domain.QualityIssue, error)
	ReportIssueResolution(ctx context.Context, id string, status domain.IssueStatus, notes string) error
	Get(ctx context.Context, id string) (*domain.QualityIssue, error)
}

// HealthService serves and recomputes source health.
type HealthService interface {
	GetSourceHealth(ctx context.Context, sourceID int64) (*sourcehealth.HealthView, error)
	GetRecommendedFrequency(ctx context.Context, sourceID int64) (*sourcehealth.FrequencyView, error)
	GetHealthHistory(ctx context.Context, sourceID int64, limit int) ([]domain.SourceHealthScore, error)
	Recompute(ctx context.Context, sourceID int64, asOf time.Time) (*domain.SourceHealthScore, error)
}

// Handlers holds the service dependencies of the HTTP handlers.
type Handlers struct {
	runs   CrawlRunService
	events EventService
	issues IssueService
	health HealthService
	now    func() time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(runs CrawlRunService, ev EventService, iss IssueService, hs HealthService) *Handlers {
	return &Handlers{runs: runs, events: ev, issues: iss, health: hs, now: time.Now}
}

// ---------------------------------------------------------------------------
// Crawl runs
// ---------------------------------------------------------------------------

// RecordCrawlRun handles POST /api/crawl-runs.
func (h *Handlers) RecordCrawlRun(w http.ResponseWriter, r *http.Request) {
	var in crawlrun.RecordInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	run, err := h.runs.RecordCrawlRun(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.Created(w, run)
}

// GetCrawlRun handles GET /api/crawl-runs/{runID}.
func (h *Handlers) GetCrawlRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.OK(w, run)
}

type submitEventsRequest struct {
	SourceID int64          `json:"source_id"`
	Events   []domain.Event `json:"events"`
}

// SubmitExtractedEvents handles POST /api/crawl-runs/{runID}/events.
func (h *Handlers) SubmitExtractedEvents(w http.ResponseWriter, r *http.Request) {
	var req submitEventsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	res, err := h.events.SubmitExtractedEvents(r.Context(), req.SourceID, chi.URLParam(r, "runID"), req.Events)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.OK(w, res)
}

// ---------------------------------------------------------------------------
// Source health
// ---------------------------------------------------------------------------

// GetSourceHealth handles GET /api/sources/{sourceID}/health.
func (h *Handlers) GetSourceHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.health.GetSourceHealth(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.OK(w, view)
}

// GetHealthHistory handles GET /api/sources/{sourceID}/health/history.
func (h *Handlers) GetHealthHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceIDParam(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, 30, 365)
	if !ok {
		return
	}
	history, err := h.health.GetHealthHistory(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.SourceHealthScore{}
	}
	httputil.OK(w, map[string]interface{}{"source_id": id, "scores": history})
}

// GetRecommendedFrequency handles GET /api/sources/{sourceID}/frequency.
func (h *Handlers) GetRecommendedFrequency(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.health.GetRecommendedFrequency(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.OK(w, view)
}

// RecomputeSource handles POST /api/sources/{sourceID}/recompute.
func (h *Handlers) RecomputeSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceIDParam(w, r)
	if !ok {
		return
	}
	score, err := h.health.Recompute(r.Context(), id, h.now().UTC())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.OK(w, score)
}

// ---------------------------------------------------------------------------
// Issues
// ---------------------------------------------------------------------------

// ListOpenIssues handles GET /api/issues?source_id=&severity=&limit=.
func (h *Handlers) ListOpenIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f issues.IssueFilter
	if v := q.Get("source_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			httputil.BadRequest(w, "source_id must be a positive integer")
			return
		}
		f.SourceID = id
	}
	f.Severity = domain.Severity(strings.ToLower(q.Get("severity")))
	limit, ok := parseLimit(w, r, 0, 1000)
	if !ok {
		return
	}
	f.Limit = limit

	list, err := h.issues.ListOpenIssues(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.QualityIssue{}
	}
	httputil.OK(w, map[string]interface{}{"issues": list, "count": len(list)})
}

// GetIssue handles GET /api/issues/{issueID}.
func (h *Handlers) GetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := h.issues.Get(r.Context(), chi.URLParam(r, "issueID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.OK(w, issue)
}

type resolutionRequest struct {
	Status domain.IssueStatus `json:"status"`
	Notes  string             `json:"notes"`
}

// ReportIssueResolution handles POST /api/issues/{issueID}/resolution.
func (h *Handlers) ReportIssueResolution(w http.ResponseWriter, r *http.Request) {
	var req resolutionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "issueID")
	if err := h.issues.ReportIssueResolution(r.Context(), id, req.Status, req.Notes); err != nil {
		writeServiceError(w, r, err)
		return
	}
	issue, err := h.issues.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.OK(w, issue)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func sourceIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sourceID"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "source id must be a positive integer")
		return 0, false
	}
	return id, true
}

// parseLimit reads ?limit=. Missing means def; values above max are capped.
func parseLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		httputil.BadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

// writeServiceError maps service sentinels to HTTP statuses. Client errors
// carry the service message; anything else is logged and hidden.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, crawlrun.ErrInvalidRun),
		errors.Is(err, events.ErrInvalidSubmission),
		errors.Is(err, issues.ErrInvalidStatus),
		errors.Is(err, issues.ErrInvalidSeverity):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, crawlrun.ErrRunNotFound),
		errors.Is(err, issues.ErrIssueNotFound),
		errors.Is(err, sourcehealth.ErrSourceNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, context.Canceled):
		httputil.Error(w, 499, "cancelled", "request cancelled")
	default:
		httputil.InternalError(w, r, err)
	}
}
