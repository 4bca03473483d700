// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the query DOI
// service. It provides RESTful endpoints for minting DOIs against queries,
// resolving landing data, and browsing DOIs and their usage stats.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dataportal/query-dois-go/internal/citation"
	"github.com/dataportal/query-dois-go/internal/config"
	errordefs "github.com/dataportal/query-dois-go/internal/errors"
	"github.com/dataportal/query-dois-go/internal/event"
	"github.com/dataportal/query-dois-go/internal/metrics"
	"github.com/dataportal/query-dois-go/internal/minter"
	"github.com/dataportal/query-dois-go/internal/model"
	"github.com/dataportal/query-dois-go/internal/stats"
	"github.com/dataportal/query-dois-go/internal/storage"
	"github.com/dataportal/query-dois-go/internal/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

// ContextKeyCorrelationID stores the unique ID for request tracking
const ContextKeyCorrelationID ContextKey = "correlationId"

// Mux handles HTTP requests for the query DOI service.
// It implements all the required endpoints and manages dependencies
// such as storage, the minting pipeline and event publishing.
type Mux struct {
	mux      *http.ServeMux   // HTTP request multiplexer
	s        storage.Store    // Storage interface for DOIs and stats
	minter   *minter.Minter   // DOI minting pipeline
	recorder *stats.Recorder  // Usage stat recorder
	p        event.Publisher  // Event publisher for streaming updates
	metrics  *metrics.Metrics // Metrics for monitoring

	publisherName string // Publisher for citations
	titleTemplate string // Title template for citations
}

// NewMux creates a new HTTP mux with all query DOI endpoints.
// It registers the HTTP handlers and wires their shared dependencies.
func NewMux(cfg config.Config, s storage.Store, mint *minter.Minter, recorder *stats.Recorder, p event.Publisher) *http.ServeMux {
	m := &Mux{
		mux:           http.NewServeMux(),
		s:             s,
		minter:        mint,
		recorder:      recorder,
		p:             p,
		metrics:       metrics.NewMetrics(),
		publisherName: cfg.Publisher,
		titleTemplate: cfg.DOITitle,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Register query DOI endpoints with appropriate middleware
	m.mux.HandleFunc("/v1/doi/mint", m.method("POST", m.withMiddleware(m.handleMint)))
	m.mux.HandleFunc("/v1/doi/", m.withMiddleware(m.handleDOISubtree))
	m.mux.HandleFunc("/v1/dois", m.method("GET", m.withMiddleware(m.handleListDOIs)))
	m.mux.HandleFunc("/v1/stats", m.method("GET", m.withMiddleware(m.handleListStats)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.QDOI_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// withMiddleware applies common middleware to handlers: correlation ID
// propagation, request logging and HTTP metrics.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		// Call the handler with a status-capturing writer
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(sr, r)

		duration := time.Since(start)
		status := strconv.Itoa(sr.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration.Seconds())
		m.logRequest(r, sr.status, duration, correlationID)
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the service error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if status >= http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Probe storage with a lookup that is expected to miss. ErrNotFound means
	// the backend answered; anything else means it did not.
	_, err := m.s.GetQueryDOI(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleMint handles POST /v1/doi/mint
func (m *Mux) handleMint(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleMint")
	defer span.End()
	defer r.Body.Close()

	correlationID := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_VALIDATION, "invalid JSON", correlationID))
		return
	}

	if req.Query == nil {
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_VALIDATION, "query is required", correlationID))
		return
	}

	// Add request attributes to span
	span.SetAttributes(
		attribute.Int("resource_count", len(req.ResourceIDs)),
		attribute.Bool("has_version", req.Version != nil),
	)

	data, err := m.minter.Mint(ctx, req, correlationID)
	if err != nil {
		span.SetStatus(codes.Error, "mint failed")
		m.writeMintError(w, err, correlationID)
		return
	}

	span.SetAttributes(
		attribute.Bool("created", data.Created),
		attribute.String("doi", data.QueryDOI.DOI),
	)

	statusCode := http.StatusOK
	if data.Created {
		statusCode = http.StatusCreated
	}
	m.writeSuccess(w, statusCode, data)
}

// writeMintError maps a minting error to the wire format.
func (m *Mux) writeMintError(w http.ResponseWriter, err error, correlationID string) {
	if e, ok := err.(*errordefs.Error); ok {
		if e.CorrelationID == "" {
			e.CorrelationID = correlationID
		}
		m.writeErrorDef(w, e)
		return
	}
	m.writeErrorDef(w, errordefs.New(errordefs.QDOI_INTERNAL, "mint failed", correlationID))
}

// handleDOISubtree dispatches /v1/doi/{prefix}/{suffix} requests: a GET
// resolves the landing data, a POST on the /stats subpath records a usage
// event. The DOI itself contains a slash, so both segments are consumed here.
func (m *Mux) handleDOISubtree(w http.ResponseWriter, r *http.Request) {
	correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)

	doi := strings.TrimPrefix(r.URL.Path, "/v1/doi/")
	recordStat := false
	if strings.HasSuffix(doi, "/stats") {
		doi = strings.TrimSuffix(doi, "/stats")
		recordStat = true
	}

	if doi == "" || !strings.Contains(doi, "/") {
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_VALIDATION, "a full DOI (prefix/suffix) is required", correlationID))
		return
	}

	switch {
	case recordStat && r.Method == http.MethodPost:
		m.handleRecordStat(w, r, doi)
	case !recordStat && r.Method == http.MethodGet:
		m.handleGetDOI(w, r, doi)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_BAD_REQUEST, "method not allowed", correlationID))
	}
}

// handleGetDOI handles GET /v1/doi/{prefix}/{suffix}
func (m *Mux) handleGetDOI(w http.ResponseWriter, r *http.Request, doi string) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetDOI")
	defer span.End()

	correlationID := ctx.Value(ContextKeyCorrelationID).(string)
	span.SetAttributes(attribute.String("doi", doi))

	record, err := m.s.GetQueryDOI(ctx, doi)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.QDOI_NOT_FOUND, "doi not found", correlationID))
			return
		}
		span.SetStatus(codes.Error, "failed to get doi")
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_INTERNAL, "failed to get doi", correlationID))
		return
	}

	downloads, lastDownloadedAt, err := m.s.StatSummary(ctx, doi, stats.ActionDownload)
	if err != nil {
		span.SetStatus(codes.Error, "failed to summarize stats")
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_INTERNAL, "failed to summarize stats", correlationID))
		return
	}

	title := citation.Title(m.titleTemplate, record.Count)
	data := model.LandingData{
		QueryDOI:         *record,
		Citation:         citation.Build(m.publisherName, title, record.DOI, record.CreatedAt),
		TimeAgo:          citation.TimeAgo(record.CreatedAt, time.Now().UTC()),
		Downloads:        downloads,
		LastDownloadedAt: lastDownloadedAt,
	}

	m.writeSuccess(w, http.StatusOK, data)
}

// handleRecordStat handles POST /v1/doi/{prefix}/{suffix}/stats
func (m *Mux) handleRecordStat(w http.ResponseWriter, r *http.Request, doi string) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleRecordStat")
	defer span.End()
	defer r.Body.Close()

	correlationID := ctx.Value(ContextKeyCorrelationID).(string)
	span.SetAttributes(attribute.String("doi", doi))

	var req model.RecordStatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_VALIDATION, "invalid JSON", correlationID))
		return
	}

	if req.Action == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_VALIDATION, "action is required", correlationID))
		return
	}
	if !stats.ValidAction(req.Action) {
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_VALIDATION, "unknown action", correlationID))
		return
	}

	// The DOI must exist before a stat can be recorded against it
	if _, err := m.s.GetQueryDOI(ctx, doi); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.QDOI_NOT_FOUND, "doi not found", correlationID))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_INTERNAL, "failed to get doi", correlationID))
		return
	}

	stat, err := m.recorder.Record(ctx, doi, req.Action, req.Email)
	if err != nil {
		span.SetStatus(codes.Error, "failed to record stat")
		m.metrics.StatRecordTotal.WithLabelValues(req.Action, "error").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_INTERNAL, "failed to record stat", correlationID))
		return
	}
	m.metrics.StatRecordTotal.WithLabelValues(req.Action, "success").Inc()

	// Announce the stat; failures are logged, never surfaced
	publishStarted := time.Now()
	eventType := "qdoi.stats." + stat.Action
	publishStatus := "success"
	if err := m.p.PublishStatRecorded(ctx, *stat); err != nil {
		publishStatus = "error"
		slog.Warn("failed to publish stat recorded event", "error", err)
	}
	m.metrics.EventPublishTotal.WithLabelValues(eventType, publishStatus).Inc()
	m.metrics.EventPublishDuration.WithLabelValues(eventType, publishStatus).Observe(time.Since(publishStarted).Seconds())

	m.writeSuccess(w, http.StatusCreated, stat)
}

// handleListDOIs handles GET /v1/dois
func (m *Mux) handleListDOIs(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleListDOIs")
	defer span.End()

	correlationID := ctx.Value(ContextKeyCorrelationID).(string)

	query := model.ListDOIsQuery{
		ResourceID:  r.URL.Query().Get("resource_id"),
		Offset:      parseIntParam(r, "offset", 0),
		Limit:       parseIntParam(r, "limit", storage.DefaultListLimit),
		OldestFirst: r.URL.Query().Get("order") == "asc",
	}

	span.SetAttributes(
		attribute.String("resource_id", query.ResourceID),
		attribute.Int("offset", query.Offset),
		attribute.Int("limit", query.Limit),
	)

	records, err := m.s.ListDOIs(ctx, query)
	if err != nil {
		span.SetStatus(codes.Error, "failed to list dois")
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_INTERNAL, "failed to list dois", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"dois":   records,
		"offset": query.Offset,
		"limit":  query.Limit,
	})
}

// handleListStats handles GET /v1/stats
func (m *Mux) handleListStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleListStats")
	defer span.End()

	correlationID := ctx.Value(ContextKeyCorrelationID).(string)

	query := model.ListStatsQuery{
		DOI:         r.URL.Query().Get("doi"),
		Action:      r.URL.Query().Get("action"),
		Domain:      r.URL.Query().Get("domain"),
		Identifier:  r.URL.Query().Get("identifier"),
		ResourceID:  r.URL.Query().Get("resource_id"),
		Offset:      parseIntParam(r, "offset", 0),
		Limit:       parseIntParam(r, "limit", storage.DefaultListLimit),
		OldestFirst: r.URL.Query().Get("order") == "asc",
	}

	span.SetAttributes(
		attribute.String("doi", query.DOI),
		attribute.String("action", query.Action),
		attribute.Int("offset", query.Offset),
		attribute.Int("limit", query.Limit),
	)

	records, err := m.s.ListStats(ctx, query)
	if err != nil {
		span.SetStatus(codes.Error, "failed to list stats")
		m.writeErrorDef(w, errordefs.New(errordefs.QDOI_INTERNAL, "failed to list stats", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"stats":  records,
		"offset": query.Offset,
		"limit":  query.Limit,
	})
}

// parseIntParam parses a non-negative integer query parameter with a fallback.
func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
