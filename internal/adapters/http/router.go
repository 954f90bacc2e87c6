package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/document-pipeline/internal/config"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
	"github.com/kirillkom/document-pipeline/internal/observability/metrics"
)

const serviceName = "document-api"

type Router struct {
	cfg          config.Config
	pipeline     ports.PipelineService
	capabilities ports.CapabilityReporter

	metrics  *metrics.HTTPServerMetrics
	gatherer []prometheus.Gatherer
}

type RouterOption func(*Router)

// WithMetrics instruments requests and serves /metrics, merging any extra
// registries into the scrape.
func WithMetrics(m *metrics.HTTPServerMetrics, extra ...prometheus.Gatherer) RouterOption {
	return func(rt *Router) {
		rt.metrics = m
		rt.gatherer = extra
	}
}

func NewRouter(
	cfg config.Config,
	pipeline ports.PipelineService,
	capabilities ports.CapabilityReporter,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:          cfg,
		pipeline:     pipeline,
		capabilities: capabilities,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/documents", rt.submitDocument)
	api.HandleFunc("GET /v1/documents/{id}/records", rt.listRecords)
	api.HandleFunc("POST /v1/documents/{id}/reprocess", rt.reprocessDocument)
	api.HandleFunc("GET /v1/processing/{id}", rt.getStatus)
	api.HandleFunc("POST /v1/processing/{id}/cancel", rt.cancelProcessing)
	api.HandleFunc("GET /v1/capabilities", rt.listCapabilities)

	var guarded http.Handler = api
	guarded = backpressureMiddleware(guarded, rt.cfg.APIMaxInFlight, rt.cfg.BackpressureWait())
	guarded = rateLimitMiddleware(guarded, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("/v1/", guarded)

	var handler http.Handler = mux
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler(rt.gatherer...))
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) submitDocument(w http.ResponseWriter, r *http.Request) {
	if limit := rt.cfg.APIMaxUploadBytes; limit > 0 {
		if r.ContentLength > limit {
			rt.recordSubmission("rejected")
			writeErrorMessage(w, r, http.StatusRequestEntityTooLarge, "document exceeds upload limit")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		rt.recordSubmission("rejected")
		if isTooLarge(err) {
			writeErrorMessage(w, r, http.StatusRequestEntityTooLarge, "document exceeds upload limit")
			return
		}
		writeErrorMessage(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		rt.recordSubmission("rejected")
		if isTooLarge(err) {
			writeErrorMessage(w, r, http.StatusRequestEntityTooLarge, "document exceeds upload limit")
			return
		}
		writeErrorMessage(w, r, http.StatusBadRequest, "read uploaded file")
		return
	}

	sub, err := rt.pipeline.Submit(r.Context(), content, fileHeader.Header.Get("Content-Type"), fileHeader.Filename)
	if err != nil {
		rt.recordSubmission("rejected")
		writeError(w, r, err)
		return
	}
	rt.writeSubmission(w, sub)
}

func (rt *Router) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	sub, err := rt.pipeline.Reprocess(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.recordSubmission("rejected")
		writeError(w, r, err)
		return
	}
	rt.writeSubmission(w, sub)
}

// writeSubmission answers 202 for a new run and 409 when an in-flight run
// for the same document was returned instead.
func (rt *Router) writeSubmission(w http.ResponseWriter, sub *domain.Submission) {
	w.Header().Set("Location", "/v1/processing/"+sub.ProcessingID)
	if sub.Duplicate {
		rt.recordSubmission("duplicate")
		writeJSON(w, http.StatusConflict, sub)
		return
	}
	rt.recordSubmission("accepted")
	writeJSON(w, http.StatusAccepted, sub)
}

func (rt *Router) getStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.pipeline.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) cancelProcessing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	accepted, err := rt.pipeline.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"processing_id": id,
		"accepted":      accepted,
	})
}

func (rt *Router) listRecords(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	records, err := rt.pipeline.ListByDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(records) == 0 {
		writeErrorMessage(w, r, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": id,
		"records":     records,
	})
}

func (rt *Router) listCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := []domain.Capability{}
	if rt.capabilities != nil {
		caps = rt.capabilities.Report()
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

func (rt *Router) recordSubmission(outcome string) {
	if rt.metrics != nil {
		rt.metrics.RecordSubmission(serviceName, outcome)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("http_internal_error", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	writeErrorMessage(w, r, status, message)
}

func writeErrorMessage(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorBody{Error: message, RequestID: requestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
