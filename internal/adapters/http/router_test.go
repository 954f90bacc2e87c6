package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/document-pipeline/internal/config"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/observability/metrics"
)

type pipelineServiceFake struct {
	submission *domain.Submission
	record     *domain.ProcessingRecord
	records    []*domain.ProcessingRecord
	cancelled  bool
	err        error

	gotContent  []byte
	gotMime     string
	gotFilename string
}

func (f *pipelineServiceFake) Submit(_ context.Context, content []byte, mimeType, filename string) (*domain.Submission, error) {
	f.gotContent, f.gotMime, f.gotFilename = content, mimeType, filename
	if f.err != nil {
		return nil, f.err
	}
	return f.submission, nil
}

func (f *pipelineServiceFake) GetStatus(context.Context, string) (*domain.ProcessingRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *pipelineServiceFake) Cancel(context.Context, string) (bool, error) {
	return f.cancelled, f.err
}

func (f *pipelineServiceFake) Reprocess(context.Context, string) (*domain.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.submission, nil
}

func (f *pipelineServiceFake) ListByDocument(context.Context, string) ([]*domain.ProcessingRecord, error) {
	return f.records, f.err
}

type capabilitiesFake []domain.Capability

func (f capabilitiesFake) Report() []domain.Capability { return f }

func newTestHandler(cfg config.Config) http.Handler {
	return NewRouter(cfg, &pipelineServiceFake{}, capabilitiesFake{{Name: domain.CapabilityPlaintext, Available: true}}).Handler()
}

func multipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return &body, writer.FormDataContentType()
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthzEndpoint(t *testing.T) {
	res := httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id header")
	}
}

func TestSubmitDocumentAccepted(t *testing.T) {
	svc := &pipelineServiceFake{submission: &domain.Submission{ProcessingID: "run-1", DocumentID: "doc-1", Status: domain.StatusUploaded}}
	handler := NewRouter(config.Config{APIMaxUploadBytes: 1 << 20}, svc, nil).Handler()

	body, contentType := multipartUpload(t, "file", "note.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if res.Header().Get("Location") != "/v1/processing/run-1" {
		t.Fatalf("unexpected Location %q", res.Header().Get("Location"))
	}
	if string(svc.gotContent) != "hello" || svc.gotFilename != "note.txt" || svc.gotMime != "application/octet-stream" {
		t.Fatalf("unexpected submit arguments: %q %q %q", svc.gotContent, svc.gotFilename, svc.gotMime)
	}
	if got := decodeBody(t, res); got["processing_id"] != "run-1" || got["duplicate"] != false {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestSubmitDuplicateReturns409WithExistingRun(t *testing.T) {
	svc := &pipelineServiceFake{submission: &domain.Submission{ProcessingID: "run-0", DocumentID: "doc-1", Status: domain.StatusExtracting, Duplicate: true}}
	handler := NewRouter(config.Config{}, svc, nil).Handler()

	body, contentType := multipartUpload(t, "file", "note.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
	if got := decodeBody(t, res); got["processing_id"] != "run-0" || got["duplicate"] != true {
		t.Fatalf("expected existing processing id, got %v", got)
	}
}

func TestSubmitDocumentValidation(t *testing.T) {
	handler := NewRouter(config.Config{APIMaxUploadBytes: 1 << 20}, &pipelineServiceFake{}, nil).Handler()
	limited := NewRouter(config.Config{APIMaxUploadBytes: 64}, &pipelineServiceFake{}, nil).Handler()

	body, contentType := multipartUpload(t, "attachment", "note.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("missing file field expected 400, got %d", res.Code)
	}

	body, contentType = multipartUpload(t, "file", "big.txt", bytes.Repeat([]byte("x"), 512))
	req = httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res = httptest.NewRecorder()
	limited.ServeHTTP(res, req)
	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized upload expected 413, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents", nil))
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on submit route expected 405, got %d", res.Code)
	}
}

func TestSubmitMapsTemporaryErrorTo503(t *testing.T) {
	svc := &pipelineServiceFake{err: domain.WrapError(domain.ErrTemporary, "enqueue", errors.New("queue full"))}
	handler := NewRouter(config.Config{}, svc, nil).Handler()

	body, contentType := multipartUpload(t, "file", "note.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(requestIDHeader, "req-42")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
	if got := decodeBody(t, res); got["request_id"] != "req-42" {
		t.Fatalf("expected request id in error body, got %v", got)
	}
}

func TestGetStatus(t *testing.T) {
	rec := domain.NewProcessingRecord("run-1", domain.Document{ID: "doc-1"}, testTime)
	handler := NewRouter(config.Config{}, &pipelineServiceFake{record: rec}, nil).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/processing/run-1", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if got := decodeBody(t, res); got["status"] != string(domain.StatusUploaded) {
		t.Fatalf("unexpected record body %v", got)
	}

	missing := NewRouter(config.Config{}, &pipelineServiceFake{err: domain.WrapError(domain.ErrNotFound, "get", errors.New("run-9"))}, nil).Handler()
	res = httptest.NewRecorder()
	missing.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/processing/run-9", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestCancelProcessing(t *testing.T) {
	cases := []struct {
		name      string
		cancelled bool
		want      int
	}{
		{name: "accepted", cancelled: true, want: http.StatusAccepted},
		{name: "already finished", cancelled: false, want: http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewRouter(config.Config{}, &pipelineServiceFake{cancelled: tc.cancelled}, nil).Handler()
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/processing/run-1/cancel", nil))
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, res.Code)
			}
			if got := decodeBody(t, res); got["accepted"] != tc.cancelled {
				t.Fatalf("unexpected body %v", got)
			}
		})
	}
}

func TestReprocessAndHistory(t *testing.T) {
	svc := &pipelineServiceFake{
		submission: &domain.Submission{ProcessingID: "run-2", DocumentID: "doc-1", Status: domain.StatusUploaded},
		records: []*domain.ProcessingRecord{
			domain.NewProcessingRecord("run-1", domain.Document{ID: "doc-1"}, testTime),
			domain.NewProcessingRecord("run-2", domain.Document{ID: "doc-1"}, testTime),
		},
	}
	handler := NewRouter(config.Config{}, svc, nil).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/documents/doc-1/reprocess", nil))
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/records", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	got := decodeBody(t, res)
	if records, _ := got["records"].([]any); len(records) != 2 {
		t.Fatalf("expected two records, got %v", got)
	}

	empty := NewRouter(config.Config{}, &pipelineServiceFake{}, nil).Handler()
	res = httptest.NewRecorder()
	empty.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/unknown/records", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", res.Code)
	}
}

func TestCapabilitiesEndpoint(t *testing.T) {
	res := httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), domain.CapabilityPlaintext) {
		t.Fatalf("unexpected capabilities response %d %s", res.Code, res.Body.String())
	}
}

func TestMetricsEndpointCountsSubmissions(t *testing.T) {
	svc := &pipelineServiceFake{submission: &domain.Submission{ProcessingID: "run-1", DocumentID: "doc-1"}}
	handler := NewRouter(config.Config{}, svc, nil, WithMetrics(metrics.NewHTTPServerMetrics(serviceName))).Handler()

	body, contentType := multipartUpload(t, "file", "note.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), `docpipe_api_submissions_total{outcome="accepted",service="document-api"} 1`) {
		t.Fatalf("submission counter missing from scrape:\n%s", raw)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := map[error]int{
		domain.ErrInvalidInput:          http.StatusBadRequest,
		domain.ErrNotFound:              http.StatusNotFound,
		domain.ErrAlreadyInFlight:       http.StatusConflict,
		domain.ErrConflict:              http.StatusConflict,
		domain.ErrTemporary:             http.StatusServiceUnavailable,
		domain.ErrDependencyUnavailable: http.StatusServiceUnavailable,
		domain.ErrStageTimeout:          http.StatusGatewayTimeout,
		errors.New("boom"):              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := mapErrorToHTTPStatus(domain.WrapError(kind, "op", errors.New("cause"))); got != want {
			t.Fatalf("%v: got %d, want %d", kind, got, want)
		}
	}
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
