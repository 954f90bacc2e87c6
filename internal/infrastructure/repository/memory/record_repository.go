// Package memory keeps processing records in process memory. It backs the
// single-process deployment and tests; records do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

type RecordRepository struct {
	mu         sync.RWMutex
	records    map[string]*domain.ProcessingRecord
	byDocument map[string][]string
}

func NewRecordRepository() *RecordRepository {
	return &RecordRepository{
		records:    make(map[string]*domain.ProcessingRecord),
		byDocument: make(map[string][]string),
	}
}

func (r *RecordRepository) Create(_ context.Context, rec *domain.ProcessingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "create record", fmt.Errorf("record %s exists", rec.ID))
	}
	if active := r.activeLocked(rec.Document.ID); active != nil {
		return domain.WrapError(domain.ErrAlreadyInFlight, "create record",
			fmt.Errorf("document %s has active run %s", rec.Document.ID, active.ID))
	}
	r.records[rec.ID] = rec.Clone()
	r.byDocument[rec.Document.ID] = append(r.byDocument[rec.Document.ID], rec.ID)
	return nil
}

// Save replaces the stored record. Terminal records are immutable and a
// cancel flag set through RequestCancel is never cleared.
func (r *RecordRepository) Save(_ context.Context, rec *domain.ProcessingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[rec.ID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "save record", fmt.Errorf("record %s", rec.ID))
	}
	if current.Status.Terminal() {
		return domain.WrapError(domain.ErrConflict, "save record", fmt.Errorf("record %s is %s", rec.ID, current.Status))
	}
	stored := rec.Clone()
	stored.CancelRequested = stored.CancelRequested || current.CancelRequested
	r.records[rec.ID] = stored
	return nil
}

func (r *RecordRepository) Get(_ context.Context, id string) (*domain.ProcessingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get record", fmt.Errorf("record %s", id))
	}
	return rec.Clone(), nil
}

func (r *RecordRepository) FindActiveByDocument(_ context.Context, documentID string) (*domain.ProcessingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if active := r.activeLocked(documentID); active != nil {
		return active.Clone(), nil
	}
	return nil, domain.WrapError(domain.ErrNotFound, "find active record", fmt.Errorf("document %s", documentID))
}

// ListByDocument returns every attempt for the document, oldest first.
func (r *RecordRepository) ListByDocument(_ context.Context, documentID string) ([]*domain.ProcessingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byDocument[documentID]
	out := make([]*domain.ProcessingRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.records[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RecordRepository) ListActive(_ context.Context) ([]*domain.ProcessingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.ProcessingRecord
	for _, rec := range r.records {
		if !rec.Status.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RequestCancel flags a non-terminal record; it reports false when the
// record had already finished.
func (r *RecordRepository) RequestCancel(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false, domain.WrapError(domain.ErrNotFound, "request cancel", fmt.Errorf("record %s", id))
	}
	if rec.Status.Terminal() {
		return false, nil
	}
	rec.CancelRequested = true
	return true, nil
}

func (r *RecordRepository) CancelRequested(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return false, domain.WrapError(domain.ErrNotFound, "cancel requested", fmt.Errorf("record %s", id))
	}
	return rec.CancelRequested, nil
}

func (r *RecordRepository) activeLocked(documentID string) *domain.ProcessingRecord {
	for _, id := range r.byDocument[documentID] {
		if rec := r.records[id]; !rec.Status.Terminal() {
			return rec
		}
	}
	return nil
}
