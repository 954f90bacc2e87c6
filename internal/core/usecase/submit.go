package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// SubmitDocumentUseCase accepts documents and hands runs to the queue. It never
// waits for a run to finish.
type SubmitDocumentUseCase struct {
	records ports.RecordStore
	storage ports.ObjectStorage
	queue   ports.JobQueue
	locks   *DocumentLocks
	logger  *slog.Logger
	now     func() time.Time

	orphanAfter time.Duration
}

const defaultOrphanAfter = 5 * time.Minute

type SubmitOption func(*SubmitDocumentUseCase)

// WithOrphanAfter sets how long a non-terminal record that no run in this
// process owns must go without a checkpoint before it is treated as abandoned.
// It should be at least the run timeout so runs owned by other processes are
// never mistaken for abandoned ones.
func WithOrphanAfter(d time.Duration) SubmitOption {
	return func(uc *SubmitDocumentUseCase) {
		if d >= 0 {
			uc.orphanAfter = d
		}
	}
}

func NewSubmitDocumentUseCase(
	records ports.RecordStore,
	storage ports.ObjectStorage,
	queue ports.JobQueue,
	locks *DocumentLocks,
	logger *slog.Logger,
	opts ...SubmitOption,
) *SubmitDocumentUseCase {
	if locks == nil {
		locks = NewDocumentLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	uc := &SubmitDocumentUseCase{
		records:     records,
		storage:     storage,
		queue:       queue,
		locks:       locks,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		orphanAfter: defaultOrphanAfter,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// DocumentID derives the content-addressed document identity.
func DocumentID(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Submit stores content and enqueues a new run. When the same content already
// has a non-terminal run, the existing processing id is returned with
// Duplicate set and nothing new is started.
func (uc *SubmitDocumentUseCase) Submit(ctx context.Context, content []byte, mimeType, filename string) (*domain.Submission, error) {
	docID := DocumentID(content)
	unlock := uc.locks.Lock(docID)
	defer unlock()

	if sub, err := uc.activeSubmission(ctx, docID); sub != nil || err != nil {
		return sub, err
	}

	if err := uc.storage.Save(ctx, docID, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	doc := domain.Document{
		ID:          docID,
		Filename:    sanitizeFilename(filename),
		MimeType:    strings.ToLower(strings.TrimSpace(mimeType)),
		StoragePath: docID,
		SizeBytes:   int64(len(content)),
		CreatedAt:   uc.now(),
	}
	return uc.startRun(ctx, doc)
}

func (uc *SubmitDocumentUseCase) GetStatus(ctx context.Context, processingID string) (*domain.ProcessingRecord, error) {
	if strings.TrimSpace(processingID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get status", errors.New("processing id is required"))
	}
	rec, err := uc.records.Get(ctx, processingID)
	if err != nil {
		return nil, fmt.Errorf("get processing record: %w", err)
	}
	return rec, nil
}

// Cancel reports whether cancellation was accepted. A queued or abandoned run
// is finalised immediately; a running one is flagged and stops before its next
// stage.
func (uc *SubmitDocumentUseCase) Cancel(ctx context.Context, processingID string) (bool, error) {
	rec, err := uc.GetStatus(ctx, processingID)
	if err != nil {
		return false, err
	}
	if rec.Status.Terminal() {
		return false, nil
	}

	unlock := uc.locks.Lock(rec.Document.ID)
	defer unlock()
	// RequestCancel may touch UpdatedAt, so decide before flagging.
	abandoned := uc.abandoned(rec)

	accepted, err := uc.records.RequestCancel(ctx, processingID)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	if !accepted {
		return false, nil
	}

	rec, err = uc.records.Get(ctx, processingID)
	if err != nil {
		return true, fmt.Errorf("reload processing record: %w", err)
	}
	if !rec.Status.Terminal() && (rec.Status == domain.StatusUploaded || abandoned) {
		if err := uc.finaliseCancel(ctx, rec); err != nil {
			return true, err
		}
	}

	uc.logger.Info("cancel_requested", "processing_id", processingID, "document_id", rec.Document.ID, "status", rec.Status)
	return true, nil
}

// Reprocess starts a new attempt for a previously submitted document from its
// stored content.
func (uc *SubmitDocumentUseCase) Reprocess(ctx context.Context, documentID string) (*domain.Submission, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "reprocess", errors.New("document id is required"))
	}
	unlock := uc.locks.Lock(documentID)
	defer unlock()

	if sub, err := uc.activeSubmission(ctx, documentID); sub != nil || err != nil {
		return sub, err
	}

	history, err := uc.records.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document records: %w", err)
	}
	if len(history) == 0 {
		return nil, domain.WrapError(domain.ErrNotFound, "reprocess", fmt.Errorf("document %s", documentID))
	}
	doc := history[len(history)-1].Document

	src, err := uc.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open stored document: %w", err)
	}
	_ = src.Close()

	return uc.startRun(ctx, doc)
}

func (uc *SubmitDocumentUseCase) ListByDocument(ctx context.Context, documentID string) ([]*domain.ProcessingRecord, error) {
	records, err := uc.records.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document records: %w", err)
	}
	return records, nil
}

// Recover hands abandoned runs back to queue, for example after a restart or
// when a broker dropped the message. Abandoned runs already flagged for
// cancellation are finalised instead. It returns the number of runs requeued.
func (uc *SubmitDocumentUseCase) Recover(ctx context.Context, queue ports.JobQueue) (int, error) {
	active, err := uc.records.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	requeued := 0
	for _, rec := range active {
		if !uc.abandoned(rec) {
			continue
		}
		if rec.CancelRequested {
			if err := uc.cancelAbandoned(ctx, rec.Document.ID, rec.ID); err != nil {
				uc.logger.Warn("recovery_cancel_failed", "processing_id", rec.ID, "error", err)
			}
			continue
		}
		if err := queue.Enqueue(ctx, rec.ID); err != nil {
			uc.logger.Warn("recovery_enqueue_failed", "processing_id", rec.ID, "status", rec.Status, "error", err)
			continue
		}
		uc.logger.Info("run_requeued", "processing_id", rec.ID, "document_id", rec.Document.ID, "status", rec.Status)
		requeued++
	}
	return requeued, nil
}

func (uc *SubmitDocumentUseCase) cancelAbandoned(ctx context.Context, documentID, processingID string) error {
	unlock := uc.locks.Lock(documentID)
	defer unlock()

	rec, err := uc.records.Get(ctx, processingID)
	if err != nil {
		return fmt.Errorf("reload processing record: %w", err)
	}
	if rec.Status.Terminal() || !uc.abandoned(rec) {
		return nil
	}
	if err := uc.finaliseCancel(ctx, rec); err != nil {
		return err
	}
	uc.logger.Info("abandoned_run_cancelled", "processing_id", rec.ID, "document_id", rec.Document.ID)
	return nil
}

// abandoned reports whether no run in this process owns rec and it has not
// been checkpointed for orphanAfter.
func (uc *SubmitDocumentUseCase) abandoned(rec *domain.ProcessingRecord) bool {
	if uc.locks.running(rec.ID) {
		return false
	}
	return uc.now().Sub(rec.UpdatedAt) >= uc.orphanAfter
}

// finaliseCancel must be called with the document lock held.
func (uc *SubmitDocumentUseCase) finaliseCancel(ctx context.Context, rec *domain.ProcessingRecord) error {
	stage := domain.StageName("")
	if rec.Status != domain.StatusUploaded {
		stage = rec.ActiveStage()
	}
	rec.CancelRequested = true
	rec.Cancel(stage, uc.now())
	if err := uc.records.Save(ctx, rec); err != nil && !domain.IsKind(err, domain.ErrConflict) {
		return fmt.Errorf("finalise cancelled record: %w", err)
	}
	return nil
}

func (uc *SubmitDocumentUseCase) activeSubmission(ctx context.Context, documentID string) (*domain.Submission, error) {
	active, err := uc.records.FindActiveByDocument(ctx, documentID)
	switch {
	case err == nil:
		uc.logger.Info("submission_duplicate", "document_id", documentID, "processing_id", active.ID, "status", active.Status)
		return duplicateOf(active), nil
	case domain.IsKind(err, domain.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("find active run: %w", err)
	}
}

func (uc *SubmitDocumentUseCase) startRun(ctx context.Context, doc domain.Document) (*domain.Submission, error) {
	now := uc.now()
	rec := domain.NewProcessingRecord(uuid.NewString(), doc, now)

	if err := uc.records.Create(ctx, rec); err != nil {
		if domain.IsKind(err, domain.ErrAlreadyInFlight) {
			// Another process won the race for this document.
			if active, findErr := uc.records.FindActiveByDocument(ctx, doc.ID); findErr == nil {
				return duplicateOf(active), nil
			}
		}
		return nil, fmt.Errorf("create processing record: %w", err)
	}

	if err := uc.queue.Enqueue(ctx, rec.ID); err != nil {
		rec.Stage(domain.StageExtraction).Status = domain.StageSkipped
		rec.Fail("", domain.ReasonEnqueueFailed, uc.now())
		if saveErr := uc.records.Save(context.WithoutCancel(ctx), rec); saveErr != nil {
			uc.logger.Error("enqueue_failure_not_recorded", "processing_id", rec.ID, "error", saveErr)
		}
		return nil, fmt.Errorf("enqueue run: %w", err)
	}

	uc.logger.Info("submission_accepted",
		"processing_id", rec.ID,
		"document_id", doc.ID,
		"mime_type", doc.MimeType,
		"size_bytes", doc.SizeBytes,
	)
	return &domain.Submission{
		ProcessingID: rec.ID,
		DocumentID:   doc.ID,
		Status:       rec.Status,
	}, nil
}

func duplicateOf(active *domain.ProcessingRecord) *domain.Submission {
	return &domain.Submission{
		ProcessingID: active.ID,
		DocumentID:   active.Document.ID,
		Status:       active.Status,
		Duplicate:    true,
	}
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}
