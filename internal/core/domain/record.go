package domain

import "time"

type StageName string

const (
	StageExtraction     StageName = "extraction"
	StageClassification StageName = "classification"
	StageEntities       StageName = "entities"
	StageSummarization  StageName = "summarization"
)

// AnalysisStages run once extracted text is available, in this order when sequential.
var AnalysisStages = []StageName{StageClassification, StageEntities, StageSummarization}

// DocumentStatus reports the lifecycle status shown while the stage is running.
func (s StageName) DocumentStatus() DocumentStatus {
	switch s {
	case StageExtraction:
		return StatusExtracting
	case StageClassification:
		return StatusClassifying
	case StageEntities:
		return StatusExtractingEntities
	case StageSummarization:
		return StatusSummarizing
	default:
		return StatusUploaded
	}
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StagePartial   StageStatus = "partial"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Done reports whether the stage produced an outcome that a resumed run may reuse.
func (s StageStatus) Done() bool {
	return s == StageSucceeded || s == StagePartial || s == StageFailed
}

type StageState struct {
	Status     StageStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      *StageError `json:"error,omitempty"`
}

// ProcessingRecord is the aggregated outcome of one pipeline run. A new run
// always gets a new record; completed records are never rewritten.
type ProcessingRecord struct {
	ID              string                    `json:"id"`
	Document        Document                  `json:"document"`
	Status          DocumentStatus            `json:"status"`
	Stages          map[StageName]*StageState `json:"stages"`
	Extraction      *ExtractionResult         `json:"extraction,omitempty"`
	Classification  *ClassificationResult     `json:"classification,omitempty"`
	Entities        *EntityBundle             `json:"entities,omitempty"`
	Summary         *SummaryResult            `json:"summary,omitempty"`
	FailedStage     StageName                 `json:"failed_stage,omitempty"`
	FailureReason   string                    `json:"failure_reason,omitempty"`
	CancelRequested bool                      `json:"cancel_requested"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
}

func NewProcessingRecord(id string, doc Document, now time.Time) *ProcessingRecord {
	doc.Status = StatusUploaded
	rec := &ProcessingRecord{
		ID:        id,
		Document:  doc,
		Status:    StatusUploaded,
		Stages:    make(map[StageName]*StageState, 4),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, stage := range append([]StageName{StageExtraction}, AnalysisStages...) {
		rec.Stages[stage] = &StageState{Status: StagePending}
	}
	return rec
}

func (r *ProcessingRecord) Stage(name StageName) *StageState {
	if r.Stages == nil {
		r.Stages = make(map[StageName]*StageState, 4)
	}
	st, ok := r.Stages[name]
	if !ok {
		st = &StageState{Status: StagePending}
		r.Stages[name] = st
	}
	return st
}

func (r *ProcessingRecord) SetStatus(status DocumentStatus, now time.Time) {
	r.Status = status
	r.Document.Status = status
	r.UpdatedAt = now
}

func (r *ProcessingRecord) StartStage(name StageName, now time.Time) {
	st := r.Stage(name)
	st.Status = StageRunning
	st.StartedAt = &now
	st.FinishedAt = nil
	st.Error = nil
	r.UpdatedAt = now
}

func (r *ProcessingRecord) FinishStage(name StageName, status StageStatus, stageErr *StageError, now time.Time) {
	st := r.Stage(name)
	st.Status = status
	st.FinishedAt = &now
	st.Error = stageErr
	r.UpdatedAt = now
}

// Fail moves the record to Failed. Downstream results are dropped so a failed
// record never carries analysis output.
func (r *ProcessingRecord) Fail(stage StageName, reason string, now time.Time) {
	r.FailedStage = stage
	r.FailureReason = reason
	r.Classification = nil
	r.Entities = nil
	r.Summary = nil
	for _, name := range AnalysisStages {
		if st := r.Stage(name); !st.Status.Done() {
			st.Status = StageSkipped
		}
	}
	r.finish(StatusFailed, now)
}

func (r *ProcessingRecord) Complete(now time.Time) {
	r.finish(StatusCompleted, now)
}

func (r *ProcessingRecord) Cancel(stage StageName, now time.Time) {
	r.FailedStage = stage
	r.FailureReason = ReasonCancelled
	for _, st := range r.Stages {
		if st.Status == StagePending || st.Status == StageRunning {
			st.Status = StageSkipped
		}
	}
	r.finish(StatusCancelled, now)
}

// ActiveStage returns the first running stage, else the first pending one.
func (r *ProcessingRecord) ActiveStage() StageName {
	stages := append([]StageName{StageExtraction}, AnalysisStages...)
	for _, name := range stages {
		if r.Stage(name).Status == StageRunning {
			return name
		}
	}
	for _, name := range stages {
		if r.Stage(name).Status == StagePending {
			return name
		}
	}
	return ""
}

func (r *ProcessingRecord) finish(status DocumentStatus, now time.Time) {
	r.SetStatus(status, now)
	r.CompletedAt = &now
}

// Clone returns a deep copy so stores and callers never share mutable state.
func (r *ProcessingRecord) Clone() *ProcessingRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Stages = make(map[StageName]*StageState, len(r.Stages))
	for name, st := range r.Stages {
		copied := *st
		if st.Error != nil {
			e := *st.Error
			copied.Error = &e
		}
		out.Stages[name] = &copied
	}
	if r.Extraction != nil {
		ex := *r.Extraction
		ex.Attempts = append([]EngineAttempt(nil), r.Extraction.Attempts...)
		out.Extraction = &ex
	}
	if r.Classification != nil {
		cls := *r.Classification
		cls.ReasoningTokens = append([]string(nil), r.Classification.ReasoningTokens...)
		cls.Alternatives = append([]ClassificationCandidate(nil), r.Classification.Alternatives...)
		out.Classification = &cls
	}
	if r.Entities != nil {
		bundle := r.Entities.Clone()
		out.Entities = &bundle
	}
	if r.Summary != nil {
		sum := *r.Summary
		out.Summary = &sum
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
