package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

const uniqueViolation = "23505"

const recordColumns = `id, document, status, stages, extraction, classification, entities, summary,
	failed_stage, failure_reason, cancel_requested, created_at, updated_at, completed_at`

const terminalStatuses = `('completed','failed','cancelled')`

// RecordRepository stores one row per processing attempt. Stage results are
// JSONB columns so a checkpoint is a single-row update.
type RecordRepository struct {
	db       *sql.DB
	executor *resilience.Executor
}

// NewRecordRepository wraps writes in executor when it is non-nil.
func NewRecordRepository(db *sql.DB, executor *resilience.Executor) *RecordRepository {
	return &RecordRepository{db: db, executor: executor}
}

func (r *RecordRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS processing_records (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	document JSONB NOT NULL,
	status TEXT NOT NULL,
	stages JSONB NOT NULL DEFAULT '{}'::jsonb,
	extraction JSONB,
	classification JSONB,
	entities JSONB,
	summary JSONB,
	failed_stage TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_processing_records_active_document
	ON processing_records(document_id)
	WHERE status NOT IN ('completed','failed','cancelled');
CREATE INDEX IF NOT EXISTS idx_processing_records_document_created
	ON processing_records(document_id, created_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *RecordRepository) Create(ctx context.Context, rec *domain.ProcessingRecord) error {
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return r.execute(ctx, "postgres_create_record", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
INSERT INTO processing_records (
	id, document_id, document, status, stages, extraction, classification, entities, summary,
	failed_stage, failure_reason, cancel_requested, created_at, updated_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
			rec.ID, rec.Document.ID, cols.document, string(rec.Status), cols.stages,
			cols.extraction, cols.classification, cols.entities, cols.summary,
			string(rec.FailedStage), rec.FailureReason, rec.CancelRequested,
			rec.CreatedAt, rec.UpdatedAt, rec.CompletedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return domain.WrapError(domain.ErrAlreadyInFlight, "create record",
					fmt.Errorf("document %s: %s", rec.Document.ID, pgErr.ConstraintName))
			}
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	})
}

// Save checkpoints a non-terminal record. cancel_requested is owned by
// RequestCancel and never written here.
func (r *RecordRepository) Save(ctx context.Context, rec *domain.ProcessingRecord) error {
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return r.execute(ctx, "postgres_save_record", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `
UPDATE processing_records
SET document = $2, status = $3, stages = $4, extraction = $5, classification = $6, entities = $7,
	summary = $8, failed_stage = $9, failure_reason = $10, updated_at = $11, completed_at = $12
WHERE id = $1 AND status NOT IN `+terminalStatuses,
			rec.ID, cols.document, string(rec.Status), cols.stages,
			cols.extraction, cols.classification, cols.entities, cols.summary,
			string(rec.FailedStage), rec.FailureReason, rec.UpdatedAt, rec.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update record rows affected: %w", err)
		}
		if affected == 0 {
			return r.missingOrTerminal(ctx, "save record", rec.ID)
		}
		return nil
	})
}

func (r *RecordRepository) Get(ctx context.Context, id string) (*domain.ProcessingRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
FROM processing_records
WHERE id = $1
`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get record", fmt.Errorf("record %s", id))
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (r *RecordRepository) FindActiveByDocument(ctx context.Context, documentID string) (*domain.ProcessingRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
FROM processing_records
WHERE document_id = $1 AND status NOT IN `+terminalStatuses+`
LIMIT 1
`, documentID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "find active record", fmt.Errorf("document %s", documentID))
		}
		return nil, fmt.Errorf("find active record: %w", err)
	}
	return rec, nil
}

func (r *RecordRepository) ListByDocument(ctx context.Context, documentID string) ([]*domain.ProcessingRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+`
FROM processing_records
WHERE document_id = $1
ORDER BY created_at ASC, id ASC
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ProcessingRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (r *RecordRepository) ListActive(ctx context.Context) ([]*domain.ProcessingRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+`
FROM processing_records
WHERE status NOT IN `+terminalStatuses+`
ORDER BY created_at ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active records: %w", err)
	}
	return out, nil
}

func (r *RecordRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE processing_records
SET cancel_requested = TRUE, updated_at = $2
WHERE id = $1 AND status NOT IN `+terminalStatuses,
		id, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	err = r.missingOrTerminal(ctx, "request cancel", id)
	if domain.IsKind(err, domain.ErrConflict) {
		return false, nil
	}
	return false, err
}

func (r *RecordRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := r.db.QueryRowContext(ctx, `SELECT cancel_requested FROM processing_records WHERE id = $1`, id).Scan(&flagged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.WrapError(domain.ErrNotFound, "cancel requested", fmt.Errorf("record %s", id))
		}
		return false, fmt.Errorf("cancel requested: %w", err)
	}
	return flagged, nil
}

// missingOrTerminal explains a zero-row update: ErrNotFound when the record
// does not exist, ErrConflict when it is already terminal.
func (r *RecordRepository) missingOrTerminal(ctx context.Context, op, id string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM processing_records WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrNotFound, op, fmt.Errorf("record %s", id))
		}
		return fmt.Errorf("%s: lookup status: %w", op, err)
	}
	return domain.WrapError(domain.ErrConflict, op, fmt.Errorf("record %s is %s", id, status))
}

func (r *RecordRepository) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if r.executor == nil {
		return fn(ctx)
	}
	return r.executor.Execute(ctx, operation, fn, resilience.TransientClassifier)
}

type encodedRecord struct {
	document       []byte
	stages         []byte
	extraction     any
	classification any
	entities       any
	summary        any
}

func encodeRecord(rec *domain.ProcessingRecord) (encodedRecord, error) {
	var (
		out encodedRecord
		err error
	)
	if out.document, err = json.Marshal(rec.Document); err != nil {
		return out, fmt.Errorf("marshal document: %w", err)
	}
	if out.stages, err = json.Marshal(rec.Stages); err != nil {
		return out, fmt.Errorf("marshal stages: %w", err)
	}
	if out.extraction, err = jsonColumn(rec.Extraction); err != nil {
		return out, fmt.Errorf("marshal extraction: %w", err)
	}
	if out.classification, err = jsonColumn(rec.Classification); err != nil {
		return out, fmt.Errorf("marshal classification: %w", err)
	}
	if out.entities, err = jsonColumn(rec.Entities); err != nil {
		return out, fmt.Errorf("marshal entities: %w", err)
	}
	if out.summary, err = jsonColumn(rec.Summary); err != nil {
		return out, fmt.Errorf("marshal summary: %w", err)
	}
	return out, nil
}

// jsonColumn maps a nil result to SQL NULL.
func jsonColumn[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.ProcessingRecord, error) {
	var (
		rec                                                   domain.ProcessingRecord
		documentRaw, stagesRaw                                []byte
		extractionRaw, classificationRaw, entitiesRaw, sumRaw []byte
		status, failedStage                                   string
		completedAt                                           sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &documentRaw, &status, &stagesRaw, &extractionRaw, &classificationRaw, &entitiesRaw, &sumRaw,
		&failedStage, &rec.FailureReason, &rec.CancelRequested, &rec.CreatedAt, &rec.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	rec.Status = domain.DocumentStatus(status)
	rec.FailedStage = domain.StageName(failedStage)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if err := json.Unmarshal(documentRaw, &rec.Document); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	rec.Document.Status = rec.Status
	if err := json.Unmarshal(stagesRaw, &rec.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if rec.Extraction, err = decodeColumn[domain.ExtractionResult](extractionRaw); err != nil {
		return nil, fmt.Errorf("unmarshal extraction: %w", err)
	}
	if rec.Classification, err = decodeColumn[domain.ClassificationResult](classificationRaw); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	if rec.Entities, err = decodeColumn[domain.EntityBundle](entitiesRaw); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	if rec.Summary, err = decodeColumn[domain.SummaryResult](sumRaw); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &rec, nil
}

func decodeColumn[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
