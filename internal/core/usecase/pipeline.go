package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// Stages groups the stateless stage implementations shared by every run.
type Stages struct {
	Extractor  ports.TextExtractor
	Classifier ports.DocumentClassifier
	Entities   ports.EntityExtractor
	Summarizer ports.Summarizer
}

type PipelineConfig struct {
	ExtractionTimeout   time.Duration
	StageTimeout        time.Duration
	ParallelStages      bool
	SummaryMaxSentences int
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.ExtractionTimeout <= 0 {
		c.ExtractionTimeout = 2 * time.Minute
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 30 * time.Second
	}
	if c.SummaryMaxSentences <= 0 {
		c.SummaryMaxSentences = 3
	}
	return c
}

var errRunCancelled = errors.New("run cancelled")

// checkpointTimeout bounds record writes made after the run context is gone.
const checkpointTimeout = 10 * time.Second

// ProcessDocumentUseCase drives one ProcessingRecord through the stage state
// machine, persisting it after every stage transition.
type ProcessDocumentUseCase struct {
	records ports.RecordStore
	storage ports.ObjectStorage
	stages  Stages
	locks   *DocumentLocks
	cfg     PipelineConfig
	metrics ports.PipelineMetrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewProcessDocumentUseCase(
	records ports.RecordStore,
	storage ports.ObjectStorage,
	stages Stages,
	locks *DocumentLocks,
	cfg PipelineConfig,
	metrics ports.PipelineMetrics,
	logger *slog.Logger,
) *ProcessDocumentUseCase {
	if locks == nil {
		locks = NewDocumentLocks()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessDocumentUseCase{
		records: records,
		storage: storage,
		stages:  stages,
		locks:   locks,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunByID executes or resumes the run. Stages already checkpointed as done are
// not repeated. A nil error means the record reached a terminal state, was
// already terminal or is executing elsewhere in this process. When ctx reaches
// its deadline the record is failed with ReasonRunTimeout; any other error
// means the run was interrupted, stays non-terminal and may be resumed.
func (uc *ProcessDocumentUseCase) RunByID(ctx context.Context, processingID string) error {
	if !uc.locks.claimRun(processingID) {
		uc.logger.Info("pipeline_run_already_active", "processing_id", processingID)
		return nil
	}
	defer uc.locks.releaseRun(processingID)

	rec, err := uc.records.Get(ctx, processingID)
	if err != nil {
		return fmt.Errorf("load processing record: %w", err)
	}
	if rec.Status.Terminal() {
		uc.logger.Info("pipeline_run_skipped", "processing_id", rec.ID, "status", rec.Status)
		return nil
	}

	run := &pipelineRun{uc: uc, rec: rec}
	start := time.Now()
	uc.metrics.RunStarted()
	uc.logger.Info("pipeline_run_started", "processing_id", rec.ID, "document_id", rec.Document.ID, "resumed", rec.Status != domain.StatusUploaded)

	err = run.execute(ctx)
	if err != nil && !errors.Is(err, errRunCancelled) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = run.expire(ctx, err)
	}
	status := run.status()
	uc.metrics.RunFinished(status, time.Since(start))

	switch {
	case err == nil, errors.Is(err, errRunCancelled):
		uc.logger.Info("pipeline_run_finished",
			"processing_id", rec.ID,
			"document_id", rec.Document.ID,
			"status", status,
			"failure_reason", run.failureReason(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	case domain.IsKind(err, domain.ErrConflict):
		// The record was finalised elsewhere, usually by a cancel of a queued run.
		uc.logger.Info("pipeline_run_superseded", "processing_id", rec.ID, "error", err)
		return nil
	default:
		uc.logger.Warn("pipeline_run_interrupted", "processing_id", rec.ID, "status", status, "error", err)
		return err
	}
}

type pipelineRun struct {
	uc  *ProcessDocumentUseCase
	rec *domain.ProcessingRecord
}

type stageOutcome struct {
	status   domain.StageStatus
	err      *domain.StageError
	degraded bool
	apply    func(*domain.ProcessingRecord)
}

func (r *pipelineRun) execute(ctx context.Context) error {
	text, err := r.extraction(ctx)
	if err != nil || r.terminal() {
		return err
	}

	var pending []domain.StageName
	for _, name := range domain.AnalysisStages {
		if !r.rec.Stage(name).Status.Done() {
			pending = append(pending, name)
		}
	}

	if r.uc.cfg.ParallelStages {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range pending {
			g.Go(func() error { return r.analysis(gctx, name, text) })
		}
		err = g.Wait()
	} else {
		for _, name := range pending {
			if err = r.analysis(ctx, name, text); err != nil {
				break
			}
		}
	}
	if errors.Is(err, errRunCancelled) {
		return r.finaliseCancel(ctx)
	}
	if err != nil {
		return err
	}

	return r.transition(ctx, func(rec *domain.ProcessingRecord) {
		rec.Complete(r.uc.now())
	})
}

// extraction returns the extracted text, reusing a checkpointed result when
// the run is resumed. A fatal failure finalises the record and returns nil.
func (r *pipelineRun) extraction(ctx context.Context) (string, error) {
	if st := r.rec.Stage(domain.StageExtraction); st.Status == domain.StageSucceeded && r.rec.Extraction != nil {
		r.uc.logger.Debug("stage_resumed", "processing_id", r.rec.ID, "stage", domain.StageExtraction)
		return r.rec.Extraction.Text, nil
	}

	if err := r.begin(ctx, domain.StageExtraction); err != nil {
		if errors.Is(err, errRunCancelled) {
			return "", r.finaliseCancel(ctx)
		}
		return "", err
	}
	started := time.Now()

	content, err := r.loadContent(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		r.uc.logger.Error("source_unavailable", "processing_id", r.rec.ID, "document_id", r.rec.Document.ID, "error", err)
		return "", r.fail(ctx, domain.StageExtraction, domain.ReasonSourceUnavailable, &domain.StageError{
			Kind:    domain.ErrorKindExtractionFailure,
			Reason:  domain.ReasonSourceUnavailable,
			Message: err.Error(),
		}, started)
	}

	stageCtx, cancel := context.WithTimeout(ctx, r.uc.cfg.ExtractionTimeout)
	result, err := runStage(stageCtx, domain.StageExtraction, func(stageCtx context.Context) (domain.ExtractionResult, error) {
		return r.uc.stages.Extractor.Extract(stageCtx, r.rec.Document, content)
	})
	cancel()
	if err == nil && strings.TrimSpace(result.Text) == "" {
		err = domain.WrapError(domain.ErrExtractionFailed, "extract text", errors.New("empty text"))
	}

	if ctx.Err() != nil {
		return "", fmt.Errorf("extraction interrupted: %w", ctx.Err())
	}
	if err != nil {
		stageErr := domain.StageErrorFrom(err)
		reason := domain.ReasonNoEngineProducedText
		if domain.IsKind(err, domain.ErrStageTimeout) {
			reason = domain.ReasonStageTimeout
		} else {
			stageErr.Kind = domain.ErrorKindExtractionFailure
			stageErr.Reason = reason
		}
		return "", r.fail(ctx, domain.StageExtraction, reason, stageErr, started)
	}

	if result.Degraded {
		r.uc.metrics.Degraded(domain.StageExtraction)
	}
	err = r.finish(ctx, domain.StageExtraction, stageOutcome{
		status:   domain.StageSucceeded,
		degraded: result.Degraded,
		apply: func(rec *domain.ProcessingRecord) {
			res := result
			rec.Extraction = &res
		},
	}, started)
	if errors.Is(err, errRunCancelled) {
		return "", r.finaliseCancel(ctx)
	}
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (r *pipelineRun) loadContent(ctx context.Context) ([]byte, error) {
	src, err := r.uc.storage.Open(ctx, r.rec.Document.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open stored document: %w", err)
	}
	defer src.Close()
	content, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read stored document: %w", err)
	}
	return content, nil
}

// analysis runs one independent stage. Stage failures are recorded, not
// returned; only cancellation, interruption and checkpoint errors propagate.
func (r *pipelineRun) analysis(ctx context.Context, name domain.StageName, text string) error {
	if err := r.begin(ctx, name); err != nil {
		return err
	}
	started := time.Now()

	stageCtx, cancel := context.WithTimeout(ctx, r.uc.cfg.StageTimeout)
	outcome := r.invoke(stageCtx, name, text)
	cancel()

	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", name, ctx.Err())
	}
	if outcome.degraded {
		r.uc.metrics.Degraded(name)
	}
	return r.finish(ctx, name, outcome, started)
}

func (r *pipelineRun) invoke(ctx context.Context, name domain.StageName, text string) stageOutcome {
	outcome, err := runStage(ctx, name, func(ctx context.Context) (stageOutcome, error) {
		switch name {
		case domain.StageClassification:
			return r.classify(ctx, text)
		case domain.StageEntities:
			return r.extractEntities(ctx, text)
		case domain.StageSummarization:
			return r.summarize(ctx, text)
		default:
			return stageOutcome{}, fmt.Errorf("unknown stage %q", name)
		}
	})
	if err != nil {
		r.uc.logger.Warn("pipeline_stage_failed", "processing_id", r.rec.ID, "stage", name, "error", err)
		return stageOutcome{status: domain.StageFailed, err: domain.StageErrorFrom(err)}
	}
	return outcome
}

func (r *pipelineRun) classify(ctx context.Context, text string) (stageOutcome, error) {
	cls, err := r.uc.stages.Classifier.Classify(ctx, text)
	if err != nil {
		return stageOutcome{}, err
	}
	cls.Confidence = domain.ClampConfidence(cls.Confidence)
	if !cls.DocumentType.Valid() {
		cls.DocumentType = domain.TypeOther
		cls.LowConfidence = true
	}
	sort.SliceStable(cls.Alternatives, func(i, j int) bool {
		return cls.Alternatives[i].Confidence > cls.Alternatives[j].Confidence
	})

	outcome := stageOutcome{
		status:   domain.StageSucceeded,
		degraded: cls.Degraded,
		apply: func(rec *domain.ProcessingRecord) {
			res := cls
			rec.Classification = &res
		},
	}
	if cls.LowConfidence {
		outcome.status = domain.StagePartial
		outcome.err = &domain.StageError{
			Kind:    domain.ErrorKindLowConfidence,
			Message: fmt.Sprintf("best confidence %.2f, labelled %s for review", cls.Confidence, cls.DocumentType),
		}
	}
	return outcome, nil
}

func (r *pipelineRun) extractEntities(ctx context.Context, text string) (stageOutcome, error) {
	bundle, err := r.uc.stages.Entities.ExtractEntities(ctx, text)
	if err != nil {
		return stageOutcome{}, err
	}
	outcome := stageOutcome{
		status: domain.StageSucceeded,
		apply: func(rec *domain.ProcessingRecord) {
			res := bundle
			rec.Entities = &res
		},
	}
	if bundle.Partial() {
		failed := make([]string, 0, len(bundle.Failures))
		for entityType := range bundle.Failures {
			failed = append(failed, entityType)
		}
		sort.Strings(failed)
		outcome.status = domain.StagePartial
		outcome.err = &domain.StageError{
			Kind:    domain.ErrorKindPartialEntityFailure,
			Message: "detectors failed: " + strings.Join(failed, ", "),
		}
	}
	return outcome, nil
}

func (r *pipelineRun) summarize(ctx context.Context, text string) (stageOutcome, error) {
	summary, err := r.uc.stages.Summarizer.Summarize(ctx, text, r.uc.cfg.SummaryMaxSentences)
	if err != nil {
		return stageOutcome{}, err
	}
	return stageOutcome{
		status: domain.StageSucceeded,
		apply: func(rec *domain.ProcessingRecord) {
			res := summary
			rec.Summary = &res
		},
	}, nil
}

// begin marks the stage running unless cancellation was requested.
func (r *pipelineRun) begin(ctx context.Context, name domain.StageName) error {
	unlock := r.uc.locks.Lock(r.rec.Document.ID)
	defer unlock()

	if r.cancelRequested(ctx) {
		return errRunCancelled
	}
	now := r.uc.now()
	r.rec.StartStage(name, now)
	r.rec.SetStatus(r.documentStatus(), now)
	return r.checkpoint(ctx)
}

// finish records the stage outcome. Results arriving after a cancel request
// are discarded.
func (r *pipelineRun) finish(ctx context.Context, name domain.StageName, outcome stageOutcome, started time.Time) error {
	unlock := r.uc.locks.Lock(r.rec.Document.ID)
	defer unlock()

	if r.cancelRequested(ctx) {
		return errRunCancelled
	}
	now := r.uc.now()
	if outcome.apply != nil {
		outcome.apply(r.rec)
	}
	r.rec.FinishStage(name, outcome.status, outcome.err, now)
	r.rec.SetStatus(r.documentStatus(), now)

	duration := time.Since(started)
	r.uc.metrics.StageFinished(name, outcome.status, duration)
	r.uc.logger.Info("pipeline_stage_finished",
		"processing_id", r.rec.ID,
		"stage", name,
		"outcome", outcome.status,
		"degraded", outcome.degraded,
		"duration_ms", duration.Milliseconds(),
	)
	return r.checkpoint(ctx)
}

func (r *pipelineRun) fail(ctx context.Context, name domain.StageName, reason string, stageErr *domain.StageError, started time.Time) error {
	duration := time.Since(started)
	err := r.transition(ctx, func(rec *domain.ProcessingRecord) {
		now := r.uc.now()
		rec.FinishStage(name, domain.StageFailed, stageErr, now)
		rec.Fail(name, reason, now)
	})
	r.uc.metrics.StageFinished(name, domain.StageFailed, duration)
	r.uc.logger.Warn("pipeline_stage_failed",
		"processing_id", r.rec.ID,
		"stage", name,
		"reason", reason,
		"duration_ms", duration.Milliseconds(),
	)
	return err
}

func (r *pipelineRun) finaliseCancel(ctx context.Context) error {
	err := r.transition(ctx, func(rec *domain.ProcessingRecord) {
		rec.CancelRequested = true
		rec.Cancel(rec.ActiveStage(), r.uc.now())
	})
	if err != nil {
		return err
	}
	return errRunCancelled
}

// expire finalises a run whose overall deadline passed. Stages still running
// are failed as timed out so the document does not stay in flight.
func (r *pipelineRun) expire(ctx context.Context, cause error) error {
	r.uc.logger.Warn("pipeline_run_timed_out", "processing_id", r.rec.ID, "error", cause)
	if r.cancelRequested(context.WithoutCancel(ctx)) {
		return r.finaliseCancel(ctx)
	}
	err := r.transition(ctx, func(rec *domain.ProcessingRecord) {
		now := r.uc.now()
		stage := rec.ActiveStage()
		for _, name := range append([]domain.StageName{domain.StageExtraction}, domain.AnalysisStages...) {
			if rec.Stage(name).Status == domain.StageRunning {
				rec.FinishStage(name, domain.StageFailed, &domain.StageError{
					Kind:    domain.ErrorKindStageTimeout,
					Reason:  domain.ReasonRunTimeout,
					Message: cause.Error(),
				}, now)
			}
		}
		rec.Fail(stage, domain.ReasonRunTimeout, now)
	})
	if err != nil {
		return fmt.Errorf("finalise timed out run: %w", err)
	}
	return nil
}

func (r *pipelineRun) transition(ctx context.Context, mutate func(*domain.ProcessingRecord)) error {
	unlock := r.uc.locks.Lock(r.rec.Document.ID)
	defer unlock()

	mutate(r.rec)
	return r.checkpoint(ctx)
}

// checkpoint persists the record. It survives cancellation of the run context
// so a shutdown still records the last transition.
func (r *pipelineRun) checkpoint(ctx context.Context) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()
	if err := r.uc.records.Save(saveCtx, r.rec); err != nil {
		return fmt.Errorf("checkpoint %s: %w", r.rec.ID, err)
	}
	return nil
}

func (r *pipelineRun) cancelRequested(ctx context.Context) bool {
	if r.rec.CancelRequested {
		return true
	}
	requested, err := r.uc.records.CancelRequested(ctx, r.rec.ID)
	if err != nil {
		r.uc.logger.Warn("cancel_flag_unreadable", "processing_id", r.rec.ID, "error", err)
		return false
	}
	if requested {
		r.rec.CancelRequested = true
	}
	return requested
}

// documentStatus reports extraction, then the earliest analysis stage still
// running. With nothing running the current status is kept.
func (r *pipelineRun) documentStatus() domain.DocumentStatus {
	if r.rec.Stage(domain.StageExtraction).Status == domain.StageRunning {
		return domain.StatusExtracting
	}
	for _, name := range domain.AnalysisStages {
		if r.rec.Stage(name).Status == domain.StageRunning {
			return name.DocumentStatus()
		}
	}
	return r.rec.Status
}

func (r *pipelineRun) terminal() bool {
	unlock := r.uc.locks.Lock(r.rec.Document.ID)
	defer unlock()
	return r.rec.Status.Terminal()
}

func (r *pipelineRun) status() domain.DocumentStatus {
	unlock := r.uc.locks.Lock(r.rec.Document.ID)
	defer unlock()
	return r.rec.Status
}

func (r *pipelineRun) failureReason() string {
	unlock := r.uc.locks.Lock(r.rec.Document.ID)
	defer unlock()
	return r.rec.FailureReason
}

// runStage calls fn in its own goroutine so a stage that ignores ctx still
// loses its slot at the deadline. Panics become errors.
func runStage[T any](ctx context.Context, name domain.StageName, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res.err = fmt.Errorf("stage %s panicked: %v", name, p)
			}
			done <- res
		}()
		res.value, res.err = fn(ctx)
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !domain.IsKind(res.err, domain.ErrStageTimeout) {
			return zero, domain.WrapError(domain.ErrStageTimeout, string(name), res.err)
		}
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, domain.WrapError(domain.ErrStageTimeout, string(name), ctx.Err())
		}
		return zero, domain.WrapError(domain.ErrCancelled, string(name), ctx.Err())
	}
}
