package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/repository/memory"
)

// recordingStore wraps the in-memory store and keeps the status of every
// checkpoint write.
type recordingStore struct {
	*memory.RecordRepository

	mu       sync.Mutex
	statuses []domain.DocumentStatus
}

func newRecordingStore() *recordingStore {
	return &recordingStore{RecordRepository: memory.NewRecordRepository()}
}

func (s *recordingStore) Save(ctx context.Context, rec *domain.ProcessingRecord) error {
	if err := s.RecordRepository.Save(ctx, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.statuses); n == 0 || s.statuses[n-1] != rec.Status {
		s.statuses = append(s.statuses, rec.Status)
	}
	return nil
}

func (s *recordingStore) seenStatuses() []domain.DocumentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DocumentStatus(nil), s.statuses...)
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newStorageFake() *storageFake {
	return &storageFake{objects: make(map[string][]byte)}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open object", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

type queueFake struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *queueFake) Enqueue(_ context.Context, processingID string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, processingID)
	return nil
}

func (f *queueFake) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

// textExtractorFake returns the stored bytes as text unless err is set.
type textExtractorFake struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *textExtractorFake) Extract(_ context.Context, _ domain.Document, content []byte) (domain.ExtractionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return domain.ExtractionResult{}, f.err
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return domain.ExtractionResult{}, domain.WrapError(domain.ErrExtractionFailed, "extract text", errors.New("no text"))
	}
	return domain.ExtractionResult{Text: text, Confidence: 0.9, Engine: "plaintext", WordCount: len(strings.Fields(text))}, nil
}

type classifierFake struct {
	mu     sync.Mutex
	calls  int
	result domain.ClassificationResult
	err    error
	hook   func()
}

func (f *classifierFake) Classify(context.Context, string) (domain.ClassificationResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return domain.ClassificationResult{}, f.err
	}
	return f.result, nil
}

// entityFake echoes every word of the text as a name so tests can check that
// bundles stay with their own record.
type entityFake struct {
	mu       sync.Mutex
	calls    int
	failures map[string]string
	panicMsg string
}

func (f *entityFake) ExtractEntities(_ context.Context, text string) (domain.EntityBundle, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return domain.EntityBundle{
		Entities: map[string][]string{domain.EntityNames: strings.Fields(text)},
		Failures: f.failures,
	}, nil
}

type summarizerFake struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (f *summarizerFake) Summarize(_ context.Context, text string, _ int) (domain.SummaryResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return domain.SummaryResult{Text: text, Strategy: domain.SummaryStrategyLead, WordCount: len(strings.Fields(text))}, nil
}

func (f *summarizerFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type metricsFake struct {
	mu       sync.Mutex
	started  int
	finished []domain.DocumentStatus
	stages   map[domain.StageName]domain.StageStatus
	degraded []domain.StageName
}

func (m *metricsFake) RunStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *metricsFake) RunFinished(status domain.DocumentStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, status)
}

func (m *metricsFake) StageFinished(stage domain.StageName, status domain.StageStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stages == nil {
		m.stages = make(map[domain.StageName]domain.StageStatus)
	}
	m.stages[stage] = status
}

func (m *metricsFake) Degraded(stage domain.StageName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = append(m.degraded, stage)
}

func (m *metricsFake) QueueLag(time.Duration) {}
