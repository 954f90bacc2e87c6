package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-pipeline/internal/config"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
	"github.com/kirillkom/document-pipeline/internal/core/usecase"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/capability"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/classification"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/entities"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction/htmltext"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction/pdftext"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction/plaintext"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction/spreadsheet"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction/tesseract"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/queue/workerpool"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/summarization"
	"github.com/kirillkom/document-pipeline/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Capabilities *capability.Registry
	Records      ports.RecordStore
	Submit       *usecase.SubmitDocumentUseCase
	Process      *usecase.ProcessDocumentUseCase
	Pool         *workerpool.Pool
	Metrics      *metrics.PipelineMetrics

	// Consumer is set when runs are delivered through an external broker.
	Consumer ports.JobConsumer

	closers []func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	executor := resilience.NewExecutor(resilienceConfig(resilience.DefaultConfig(), cfg), logger)
	storeExecutor := resilience.NewExecutor(resilienceConfig(resilience.CheckpointConfig(), cfg), logger)

	registry := capability.NewRegistry(logger)
	app.Capabilities = registry
	stages, err := buildStages(ctx, cfg, registry, executor, logger)
	if err != nil {
		return nil, err
	}

	records, err := app.openRecordStore(ctx, cfg, storeExecutor)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Records = records

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	app.Metrics = metrics.NewPipelineMetrics("document-pipeline")
	locks := usecase.NewDocumentLocks()
	app.Process = usecase.NewProcessDocumentUseCase(
		records,
		storage,
		stages,
		locks,
		usecase.PipelineConfig{
			ExtractionTimeout:   cfg.ExtractionTimeout(),
			StageTimeout:        cfg.StageTimeout(),
			ParallelStages:      cfg.PipelineParallelStages,
			SummaryMaxSentences: cfg.SummaryMaxSentences,
		},
		app.Metrics,
		logger,
	)

	app.Pool = workerpool.New(app.Process, logger,
		workerpool.WithWorkers(cfg.WorkerPoolSize),
		workerpool.WithQueueSize(cfg.WorkerQueueSize),
		workerpool.WithRunTimeout(cfg.RunTimeout()),
		workerpool.WithMetrics(app.Metrics),
	)
	app.closers = append(app.closers, func() {
		app.Pool.Shutdown(context.Background())
	})

	var queue ports.JobQueue = app.Pool
	switch cfg.QueueDriver {
	case config.QueueInline:
	case config.QueueNATS:
		if cfg.StoreDriver == config.StoreMemory {
			logger.Warn("memory_store_with_external_queue", "hint", "records are not shared between api and worker processes")
		}
		broker, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.closers = append(app.closers, broker.Close)
		queue = broker
		app.Consumer = broker
	default:
		app.Close()
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}

	app.Submit = usecase.NewSubmitDocumentUseCase(records, storage, queue, locks, logger,
		usecase.WithOrphanAfter(cfg.RunTimeout()+orphanGrace),
	)

	logger.Info("bootstrap_complete",
		"store", cfg.StoreDriver,
		"queue", cfg.QueueDriver,
		"workers", cfg.WorkerPoolSize,
		"parallel_stages", cfg.PipelineParallelStages,
	)
	return app, nil
}

// A run past its deadline is finalised by its owner, so a record untouched for
// longer than the run timeout plus this grace has no live owner.
const orphanGrace = 30 * time.Second

// Recover requeues abandoned runs on the local pool. Only the process that
// executes runs should call it.
func (a *App) Recover(ctx context.Context) (int, error) {
	n, err := a.Submit.Recover(ctx, a.Pool)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.Logger.Info("recovery_pass_complete", "requeued", n)
	}
	return n, nil
}

// StartRecovery runs Recover now and then every interval until ctx is done.
func (a *App) StartRecovery(ctx context.Context, interval time.Duration) {
	if _, err := a.Recover(ctx); err != nil {
		a.Logger.Warn("recovery_pass_failed", "error", err)
	}
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.Recover(ctx); err != nil {
					a.Logger.Warn("recovery_pass_failed", "error", err)
				}
			}
		}
	}()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openRecordStore(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.RecordStore, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return memory.NewRecordRepository(), nil
	case config.StorePostgres:
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { closeDB(db, a.Logger) })
		repo := postgres.NewRecordRepository(db, executor)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func buildStages(
	ctx context.Context,
	cfg config.Config,
	registry *capability.Registry,
	executor *resilience.Executor,
	logger *slog.Logger,
) (usecase.Stages, error) {
	for _, name := range []string{
		domain.CapabilityPlaintext,
		domain.CapabilityHTML,
		domain.CapabilityPDFText,
		domain.CapabilitySpreadsheet,
	} {
		registry.Register(name, true, "built-in")
	}

	var model *classification.Model
	registry.Probe(ctx,
		capability.BinaryProbe(domain.CapabilityTesseract, cfg.TesseractPath),
		capability.BinaryProbe(domain.CapabilityPDFRasterizer, cfg.PDFToPPMPath),
		capability.FileProbe(domain.CapabilityClassifierML, cfg.ClassifierModelPath, func(path string) error {
			loaded, err := classification.LoadModel(path)
			if err != nil {
				return err
			}
			model = loaded
			return nil
		}),
	)

	engines := []extraction.Engine{
		plaintext.NewEngine(),
		htmltext.NewEngine(),
		pdftext.NewEngine(cfg.OCRMaxPages),
		spreadsheet.NewEngine(0),
		tesseract.NewEngine(tesseract.Config{
			Tesseract:    cfg.TesseractPath,
			Pdftoppm:     cfg.PDFToPPMPath,
			Lang:         cfg.TesseractLang,
			DPI:          cfg.OCRDPI,
			MaxPages:     cfg.OCRMaxPages,
			RasterizePDF: registry.Available(domain.CapabilityPDFRasterizer),
		}, logger),
	}

	if cfg.OllamaEnabled {
		vision := ollama.NewVisionEngine(ollama.New(cfg.OllamaURL, cfg.OllamaVisionModel, executor))
		registry.Probe(ctx, capability.Probe{Name: domain.CapabilityOllamaVision, Check: vision.Probe})
		engines = append(engines, vision)
	} else {
		registry.Register(domain.CapabilityOllamaVision, false, "disabled")
	}

	rules := classification.DefaultRules()
	if cfg.ClassifierRulesPath != "" {
		loaded, err := classification.LoadRules(cfg.ClassifierRulesPath)
		if err != nil {
			return usecase.Stages{}, fmt.Errorf("load classifier rules: %w", err)
		}
		rules = loaded
	}
	classifier, err := classification.New(classification.Config{
		ModelFloor: cfg.ClassifierModelFloor,
		Floor:      cfg.ClassifierFloor,
		TopK:       cfg.ClassifierTopK,
		Saturation: cfg.ClassifierKeywordSaturation,
	}, model, rules, logger)
	if err != nil {
		return usecase.Stages{}, fmt.Errorf("init classifier: %w", err)
	}

	return usecase.Stages{
		Extractor:  extraction.NewExtractor(registry, cfg.ExtractionConfidenceThreshold, logger, engines...),
		Classifier: classifier,
		Entities:   entities.New(logger, entities.DefaultDetectors()...),
		Summarizer: summarization.New(cfg.SummaryMaxChars),
	}, nil
}

func resilienceConfig(rc resilience.Config, cfg config.Config) resilience.Config {
	if cfg.ResilienceRetryMaxAttempts > 0 {
		rc.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	}
	rc.BreakerEnabled = cfg.ResilienceBreakerEnabled
	return rc
}

func closeDB(db *sql.DB, logger *slog.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("postgres_close_failed", "error", err)
	}
}
