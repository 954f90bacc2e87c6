package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

type submitHarness struct {
	store   *recordingStore
	storage *storageFake
	queue   *queueFake
	uc      *SubmitDocumentUseCase
}

func newSubmitHarness() *submitHarness {
	h := &submitHarness{
		store:   newRecordingStore(),
		storage: newStorageFake(),
		queue:   &queueFake{},
	}
	h.uc = NewSubmitDocumentUseCase(h.store, h.storage, h.queue, NewDocumentLocks(), nil)
	return h
}

func (h *submitHarness) finish(t *testing.T, id string) {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	rec.Complete(time.Now())
	if err := h.store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestSubmitStoresContentAndEnqueues(t *testing.T) {
	h := newSubmitHarness()
	content := []byte("Patient John Doe")

	sub, err := h.uc.Submit(context.Background(), content, " Text/Plain ", "../notes/visit 1.txt")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sub.DocumentID != DocumentID(content) || sub.Duplicate || sub.Status != domain.StatusUploaded {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if got := h.queue.enqueued(); len(got) != 1 || got[0] != sub.ProcessingID {
		t.Fatalf("expected run to be enqueued, got %v", got)
	}
	if string(h.storage.objects[sub.DocumentID]) != string(content) {
		t.Fatalf("content not stored under document id")
	}

	rec, err := h.uc.GetStatus(context.Background(), sub.ProcessingID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if rec.Document.MimeType != "text/plain" || rec.Document.Filename != "visit_1.txt" || rec.Document.SizeBytes != int64(len(content)) {
		t.Fatalf("unexpected document %+v", rec.Document)
	}
}

func TestSubmitDuplicateWhileInFlightReturnsExistingRun(t *testing.T) {
	h := newSubmitHarness()
	content := []byte("same bytes")

	first, err := h.uc.Submit(context.Background(), content, "text/plain", "a.txt")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := h.uc.Submit(context.Background(), content, "text/plain", "b.txt")
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if !second.Duplicate || second.ProcessingID != first.ProcessingID {
		t.Fatalf("expected duplicate of %s, got %+v", first.ProcessingID, second)
	}
	if len(h.queue.enqueued()) != 1 {
		t.Fatalf("duplicate must not enqueue a second run")
	}

	h.finish(t, first.ProcessingID)
	third, err := h.uc.Submit(context.Background(), content, "text/plain", "a.txt")
	if err != nil {
		t.Fatalf("third Submit() error = %v", err)
	}
	if third.Duplicate || third.ProcessingID == first.ProcessingID {
		t.Fatalf("terminal run must allow a new attempt, got %+v", third)
	}
}

func TestConcurrentSubmitsStartOneRun(t *testing.T) {
	h := newSubmitHarness()
	content := []byte("racing")

	var wg sync.WaitGroup
	subs := make([]*domain.Submission, 8)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := h.uc.Submit(context.Background(), content, "text/plain", "")
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			subs[i] = sub
		}(i)
	}
	wg.Wait()

	if len(h.queue.enqueued()) != 1 {
		t.Fatalf("expected exactly one run, got %d", len(h.queue.enqueued()))
	}
	for _, sub := range subs {
		if sub == nil || sub.ProcessingID != subs[0].ProcessingID {
			t.Fatalf("all submissions must share one processing id: %+v", subs)
		}
	}
}

func TestSubmitEnqueueFailureFailsRecord(t *testing.T) {
	h := newSubmitHarness()
	h.queue.err = domain.WrapError(domain.ErrTemporary, "enqueue", errors.New("queue full"))
	content := []byte("payload")

	if _, err := h.uc.Submit(context.Background(), content, "text/plain", ""); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}

	history, err := h.uc.ListByDocument(context.Background(), DocumentID(content))
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one record, got %d (%v)", len(history), err)
	}
	if history[0].Status != domain.StatusFailed || history[0].FailureReason != domain.ReasonEnqueueFailed {
		t.Fatalf("expected enqueue_failed record, got %s/%s", history[0].Status, history[0].FailureReason)
	}

	h.queue.err = nil
	sub, err := h.uc.Submit(context.Background(), content, "text/plain", "")
	if err != nil || sub.Duplicate {
		t.Fatalf("retry after enqueue failure must start a new run, got %+v (%v)", sub, err)
	}
}

func TestSubmitStorageFailure(t *testing.T) {
	h := newSubmitHarness()
	h.storage.saveErr = errors.New("disk full")

	if _, err := h.uc.Submit(context.Background(), []byte("x"), "", ""); err == nil {
		t.Fatalf("expected storage error")
	}
	if len(h.queue.enqueued()) != 0 {
		t.Fatalf("nothing may be enqueued when storage fails")
	}
}

func TestCancelQueuedRunFinalisesImmediately(t *testing.T) {
	h := newSubmitHarness()
	sub, _ := h.uc.Submit(context.Background(), []byte("queued"), "text/plain", "")

	ok, err := h.uc.Cancel(context.Background(), sub.ProcessingID)
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	rec, _ := h.uc.GetStatus(context.Background(), sub.ProcessingID)
	if rec.Status != domain.StatusCancelled || !rec.CancelRequested {
		t.Fatalf("expected cancelled record, got %s", rec.Status)
	}

	ok, err = h.uc.Cancel(context.Background(), sub.ProcessingID)
	if err != nil || ok {
		t.Fatalf("cancel of terminal run must be refused, got %v, %v", ok, err)
	}
}

func TestCancelRunningRunSetsFlag(t *testing.T) {
	h := newSubmitHarness()
	sub, _ := h.uc.Submit(context.Background(), []byte("running"), "text/plain", "")
	rec, _ := h.store.Get(context.Background(), sub.ProcessingID)
	rec.StartStage(domain.StageExtraction, time.Now())
	rec.SetStatus(domain.StatusExtracting, time.Now())
	_ = h.store.Save(context.Background(), rec)

	ok, err := h.uc.Cancel(context.Background(), sub.ProcessingID)
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	rec, _ = h.uc.GetStatus(context.Background(), sub.ProcessingID)
	if rec.Status != domain.StatusExtracting || !rec.CancelRequested {
		t.Fatalf("running record must keep its status with the flag set, got %s/%v", rec.Status, rec.CancelRequested)
	}
}

// staleRun submits content and rewinds the record to a stage that last
// checkpointed an hour ago.
func (h *submitHarness) staleRun(t *testing.T, content string, stage domain.StageName, status domain.DocumentStatus) string {
	t.Helper()
	sub, err := h.uc.Submit(context.Background(), []byte(content), "text/plain", "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec, _ := h.store.Get(context.Background(), sub.ProcessingID)
	old := time.Now().UTC().Add(-time.Hour)
	rec.StartStage(stage, old)
	rec.SetStatus(status, old)
	if err := h.store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return sub.ProcessingID
}

func TestCancelAbandonedRunFinalisesRecord(t *testing.T) {
	h := newSubmitHarness()
	id := h.staleRun(t, "abandoned", domain.StageSummarization, domain.StatusSummarizing)

	ok, err := h.uc.Cancel(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	rec, _ := h.uc.GetStatus(context.Background(), id)
	if rec.Status != domain.StatusCancelled || rec.FailedStage != domain.StageSummarization {
		t.Fatalf("abandoned run must be finalised, got %s at %s", rec.Status, rec.FailedStage)
	}
	if rec.Stage(domain.StageSummarization).Status != domain.StageSkipped {
		t.Fatalf("running stage must be skipped, got %s", rec.Stage(domain.StageSummarization).Status)
	}

	again, err := h.uc.Submit(context.Background(), []byte("abandoned"), "text/plain", "")
	if err != nil || again.Duplicate {
		t.Fatalf("document must accept a new run after cancel, got %+v (%v)", again, err)
	}
}

func TestCancelRunOwnedByThisProcessOnlySetsFlag(t *testing.T) {
	h := newSubmitHarness()
	locks := NewDocumentLocks()
	h.uc = NewSubmitDocumentUseCase(h.store, h.storage, h.queue, locks, nil)
	id := h.staleRun(t, "long stage", domain.StageSummarization, domain.StatusSummarizing)
	locks.claimRun(id)
	defer locks.releaseRun(id)

	ok, err := h.uc.Cancel(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	rec, _ := h.uc.GetStatus(context.Background(), id)
	if rec.Status != domain.StatusSummarizing || !rec.CancelRequested {
		t.Fatalf("live run must be left to its owner, got %s/%v", rec.Status, rec.CancelRequested)
	}
}

func TestRecoverRequeuesAbandonedRuns(t *testing.T) {
	h := newSubmitHarness()
	locks := NewDocumentLocks()
	h.uc = NewSubmitDocumentUseCase(h.store, h.storage, h.queue, locks, nil, WithOrphanAfter(time.Minute))

	stale := h.staleRun(t, "stale extraction", domain.StageExtraction, domain.StatusExtracting)
	flagged := h.staleRun(t, "stale flagged", domain.StageClassification, domain.StatusClassifying)
	if _, err := h.store.RequestCancel(context.Background(), flagged); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	owned := h.staleRun(t, "owned here", domain.StageEntities, domain.StatusExtractingEntities)
	locks.claimRun(owned)
	defer locks.releaseRun(owned)
	fresh, _ := h.uc.Submit(context.Background(), []byte("just queued"), "text/plain", "")

	queue := &queueFake{}
	n, err := h.uc.Recover(context.Background(), queue)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if got := queue.enqueued(); n != 1 || len(got) != 1 || got[0] != stale {
		t.Fatalf("expected only %s requeued, got %d %v", stale, n, got)
	}

	rec, _ := h.uc.GetStatus(context.Background(), flagged)
	if rec.Status != domain.StatusCancelled || rec.FailedStage != domain.StageClassification {
		t.Fatalf("flagged abandoned run must be cancelled, got %s at %s", rec.Status, rec.FailedStage)
	}
	for _, id := range []string{owned, fresh.ProcessingID, stale} {
		if rec, _ := h.uc.GetStatus(context.Background(), id); rec.Status.Terminal() {
			t.Fatalf("run %s must stay in flight, got %s", id, rec.Status)
		}
	}
}

func TestRecoverKeepsGoingWhenQueueIsFull(t *testing.T) {
	h := newSubmitHarness()
	h.uc = NewSubmitDocumentUseCase(h.store, h.storage, h.queue, NewDocumentLocks(), nil, WithOrphanAfter(0))
	first := h.staleRun(t, "one", domain.StageExtraction, domain.StatusExtracting)
	h.staleRun(t, "two", domain.StageExtraction, domain.StatusExtracting)

	n, err := h.uc.Recover(context.Background(), &queueFake{err: errors.New("queue full")})
	if err != nil || n != 0 {
		t.Fatalf("Recover() = %d, %v", n, err)
	}
	if rec, _ := h.uc.GetStatus(context.Background(), first); rec.Status != domain.StatusExtracting {
		t.Fatalf("unqueued run must be left for the next pass, got %s", rec.Status)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	h := newSubmitHarness()
	if _, err := h.uc.Cancel(context.Background(), "nope"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.uc.GetStatus(context.Background(), " "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReprocessAppendsNewAttempt(t *testing.T) {
	h := newSubmitHarness()
	first, _ := h.uc.Submit(context.Background(), []byte("history"), "text/plain", "h.txt")

	dup, err := h.uc.Reprocess(context.Background(), first.DocumentID)
	if err != nil || !dup.Duplicate || dup.ProcessingID != first.ProcessingID {
		t.Fatalf("reprocess while in flight must be a no-op, got %+v (%v)", dup, err)
	}

	h.finish(t, first.ProcessingID)
	second, err := h.uc.Reprocess(context.Background(), first.DocumentID)
	if err != nil {
		t.Fatalf("Reprocess() error = %v", err)
	}
	if second.Duplicate || second.ProcessingID == first.ProcessingID {
		t.Fatalf("expected a new attempt, got %+v", second)
	}

	history, _ := h.uc.ListByDocument(context.Background(), first.DocumentID)
	if len(history) != 2 || history[0].Status != domain.StatusCompleted || history[1].Document.Filename != "h.txt" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestReprocessUnknownDocument(t *testing.T) {
	h := newSubmitHarness()
	if _, err := h.uc.Reprocess(context.Background(), "deadbeef"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDocumentLocksReleaseEntries(t *testing.T) {
	locks := NewDocumentLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("doc")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 || locks.size() != 0 {
		t.Fatalf("counter=%d entries=%d", counter, locks.size())
	}
}
