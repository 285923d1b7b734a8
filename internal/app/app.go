// Package app builds the service's components from configuration. The API
// and worker binaries share it so both run the same pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dvloznov/billscan/internal/blobstore"
	"github.com/dvloznov/billscan/internal/config"
	"github.com/dvloznov/billscan/internal/extraction"
	infraBQ "github.com/dvloznov/billscan/internal/infra/bigquery"
	"github.com/dvloznov/billscan/internal/intake"
	"github.com/dvloznov/billscan/internal/jobs"
	"github.com/dvloznov/billscan/internal/jobs/inmemory"
	"github.com/dvloznov/billscan/internal/jobs/rabbitmq"
	"github.com/dvloznov/billscan/internal/normalize"
	"github.com/dvloznov/billscan/internal/pipeline"
	"github.com/dvloznov/billscan/internal/predict"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/dvloznov/billscan/internal/store/memory"
	"github.com/dvloznov/billscan/internal/store/sqlite"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	Repository store.Repository
	JobStore   jobs.JobStore
	Blobs      blobstore.Store
	Intake     *intake.Service
	Processor  *pipeline.Processor

	// exports is nil when BigQuery export is disabled.
	exports exportCounter

	closers []func() error
	log     zerolog.Logger
}

type exportCounter interface {
	ExportedCount(ctx context.Context, documentID string) (int64, error)
}

// New wires storage, blobs, extraction, prediction and export.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(); err != nil {
		return nil, err
	}

	if err := a.openBlobs(ctx); err != nil {
		return nil, err
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	predictor, err := newPredictor(cfg, log)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Documents:    a.Repository,
		Transactions: a.Repository,
		Blobs:        a.Blobs,
		Extractor:    extraction.NewEngine(backend, cfg.ExtractTimeout, log),
		Normalizer:   normalize.New(),
		Predictor:    predictor,
		Log:          log,
	}

	if cfg.ExportEnabled() {
		exporter, err := infraBQ.NewExporter(ctx, cfg.BigQueryProject, cfg.BigQueryDataset, log, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("create BigQuery exporter: %w", err)
		}
		a.closers = append(a.closers, exporter.Close)
		a.exports = exporter
		deps.Exporter = exporter
	}

	a.Intake = intake.NewService(a.Blobs, a.Repository, cfg.MaxUploadBytes, log)
	a.Processor = pipeline.NewProcessor(deps)

	log.Info().
		Str("store", cfg.StoreBackend).
		Str("blobs", cfg.BlobBackend).
		Str("extractor", backend.Name()).
		Str("model_version", predictor.ModelVersion()).
		Bool("export", cfg.ExportEnabled()).
		Msg("Components initialized")

	return a, nil
}

func (a *App) openStore() error {
	switch a.Config.StoreBackend {
	case "memory":
		mem := memory.New()
		a.Repository = mem
		a.JobStore = inmemory.NewStore()
	default:
		db, err := sqlite.Open(a.Config.SQLiteDBPath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Repository = db
		a.JobStore = db
	}
	return nil
}

func (a *App) openBlobs(ctx context.Context) error {
	switch a.Config.BlobBackend {
	case "gcs":
		gcs, err := blobstore.NewGCSStore(ctx, a.Config.GCSBucket, clientOptions(a.Config)...)
		if err != nil {
			return fmt.Errorf("create GCS blob store: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		a.Blobs = gcs
	default:
		local, err := blobstore.NewLocalStore(a.Config.BlobLocalDir)
		if err != nil {
			return fmt.Errorf("create local blob store: %w", err)
		}
		a.Blobs = local
	}
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config) (extraction.Backend, error) {
	switch cfg.Extractor {
	case "pdftext":
		return extraction.NewPDFTextBackend(), nil
	default:
		gemini, err := extraction.NewGeminiBackend(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("create Gemini backend: %w", err)
		}
		return gemini, nil
	}
}

func newPredictor(cfg *config.Config, log zerolog.Logger) (*predict.Predictor, error) {
	var (
		examples []predict.Example
		err      error
	)
	if cfg.TrainingDataPath != "" {
		f, openErr := os.Open(cfg.TrainingDataPath)
		if openErr != nil {
			return nil, fmt.Errorf("open training data: %w", openErr)
		}
		examples, err = predict.LoadExamples(f)
		f.Close()
	} else {
		examples, err = predict.DefaultExamples()
	}
	if err != nil {
		return nil, fmt.Errorf("load training data: %w", err)
	}

	classifier, err := predict.NewBayesClassifier(examples)
	if err != nil {
		return nil, fmt.Errorf("train classifier: %w", err)
	}

	return predict.New(classifier, predict.Options{
		Threshold: cfg.ConfidenceThreshold,
		Timeout:   cfg.ClassifyTimeout,
		Log:       log,
	}), nil
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.GoogleCredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.GoogleCredentialsFile)}
}

// Queue is both ends of the job queue.
type Queue interface {
	jobs.Publisher
	jobs.Consumer
}

// NewQueue connects the configured job queue. The in-memory queue only
// reaches workers in the same process.
func (a *App) NewQueue() (Queue, error) {
	switch a.Config.QueueBackend {
	case "rabbitmq":
		client, err := rabbitmq.NewClient(rabbitmq.Options{
			URL:          a.Config.AMQPURL,
			ExchangeName: a.Config.AMQPExchange,
			QueueName:    a.Config.AMQPQueue,
			WorkerCount:  a.Config.WorkerCount,
			Store:        a.JobStore,
			Log:          a.log,
		})
		if err != nil {
			return nil, fmt.Errorf("connect job queue: %w", err)
		}
		return client, nil
	default:
		return inmemory.NewQueue(100, a.Config.WorkerCount, a.JobStore).WithLogger(a.log), nil
	}
}

// JobHandler runs a process-document job through the pipeline.
func (a *App) JobHandler() jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		processJob, ok := job.(*jobs.ProcessDocumentJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}

		log := a.log.With().
			Str("job_id", processJob.JobID).
			Str("document_id", processJob.DocumentID).
			Logger()

		log.Info().Msg("Processing document job")

		summary, err := a.Processor.Process(ctx, processJob.DocumentID)
		if err != nil {
			// The document is already marked failed; anything else points at
			// the job itself.
			if pipeline.IsDocumentFailure(err) {
				log.Warn().Err(err).Msg("Document failed")
			} else {
				log.Error().Err(err).Msg("Document job failed")
			}
			return err
		}

		log.Info().
			Int("transactions", len(summary.Transactions)).
			Int("degraded", summary.Degraded).
			Msg("Document job completed")
		return nil
	}
}

// ExportedCount reports how many rows of documentID reached BigQuery. ok is
// false when export is disabled.
func (a *App) ExportedCount(ctx context.Context, documentID string) (n int64, ok bool, err error) {
	if a.exports == nil {
		return 0, false, nil
	}
	n, err = a.exports.ExportedCount(ctx, documentID)
	if err != nil {
		return 0, true, fmt.Errorf("ExportedCount: %w", err)
	}
	return n, true, nil
}

// Close releases every opened resource.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
