package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiverify/apigw-worker/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a versioned update lost a race with
	// another writer.
	ErrConflict = errors.New("document was modified concurrently")

	// ErrNotCancellable is returned when cancelling a document that has
	// already reached a terminal state.
	ErrNotCancellable = errors.New("document is not cancellable")
)

// Store provides persistence for reports, datasets and model files.
//
// Update methods are versioned: the write only applies when the stored
// version still equals the in-memory one, and the in-memory version is
// bumped on success. A lost race returns ErrConflict.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Reports and their tests.
	CreateReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	UpdateReport(ctx context.Context, report *Report) error
	UpdateTest(ctx context.Context, test *Test) error
	CancelReport(ctx context.Context, id string) (*Report, error)

	// Datasets.
	CreateDataset(ctx context.Context, dataset *Dataset) error
	GetDataset(ctx context.Context, id string) (*Dataset, error)
	UpdateDataset(ctx context.Context, dataset *Dataset) error
	CancelDataset(ctx context.Context, id string) (*Dataset, error)

	// Model files.
	CreateModelFile(ctx context.Context, model *ModelFile) error
	GetModelFile(ctx context.Context, id string) (*ModelFile, error)
	UpdateModelFile(ctx context.Context, model *ModelFile) error
	CancelModelFile(ctx context.Context, id string) (*ModelFile, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// A single connection keeps an in-memory SQLite database shared and
	// avoids SQLITE_BUSY under concurrent reconciliation.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Report{},
		&Test{},
		&Dataset{},
		&ModelFile{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// updateVersioned applies fields to the row with the given id only if its
// version still matches, bumping the version in the same statement.
func (s *store) updateVersioned(
	ctx context.Context,
	model any,
	id string,
	version int,
	fields map[string]any,
) error {
	fields["version"] = version + 1

	result := s.db.WithContext(ctx).
		Model(model).
		Where("id = ? AND version = ?", id, version).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrConflict
	}

	return nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

// --- Reports ---

func (s *store) CreateReport(ctx context.Context, report *Report) error {
	for i := range report.Tests {
		report.Tests[i].ReportID = report.ID
		report.Tests[i].Position = i

		if report.Tests[i].Status == "" {
			report.Tests[i].Status = TestPending
		}
	}

	if report.Status == "" {
		report.Status = ReportGenerating
	}

	if err := s.db.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("creating report: %w", err)
	}

	return nil
}

func (s *store) GetReport(ctx context.Context, id string) (*Report, error) {
	var report Report
	if err := s.db.WithContext(ctx).
		Preload("Tests", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("id = ?", id).
		First(&report).Error; err != nil {
		return nil, fmt.Errorf("getting report %s: %w", id, wrapNotFound(err))
	}

	return &report, nil
}

func (s *store) UpdateReport(ctx context.Context, report *Report) error {
	if err := s.updateVersioned(ctx, &Report{}, report.ID, report.Version,
		map[string]any{
			"status":     report.Status,
			"time_start": report.TimeStart,
			"time_taken": report.TimeTaken,
		},
	); err != nil {
		return fmt.Errorf("updating report %s: %w", report.ID, err)
	}

	report.Version++

	return nil
}

func (s *store) UpdateTest(ctx context.Context, test *Test) error {
	if err := s.updateVersioned(ctx, &Test{}, test.ID, test.Version,
		map[string]any{
			"status":         test.Status,
			"progress":       test.Progress,
			"time_start":     test.TimeStart,
			"time_taken":     test.TimeTaken,
			"log_file":       test.LogFile,
			"output":         test.Output,
			"error_messages": test.ErrorMessages,
		},
	); err != nil {
		return fmt.Errorf("updating test %s: %w", test.ID, err)
	}

	test.Version++

	return nil
}

// CancelReport marks every unfinished test of the report and the report
// itself as cancelled.
func (s *store) CancelReport(ctx context.Context, id string) (*Report, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var report Report
		if err := tx.Where("id = ?", id).First(&report).Error; err != nil {
			return wrapNotFound(err)
		}

		if report.Status.Terminal() {
			return ErrNotCancellable
		}

		if err := tx.Model(&Test{}).
			Where("report_id = ? AND status IN ?", id,
				[]TestStatus{TestPending, TestRunning}).
			Updates(map[string]any{
				"status":  TestCancelled,
				"version": gorm.Expr("version + 1"),
			}).Error; err != nil {
			return err
		}

		return tx.Model(&Report{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":  ReportCancelled,
				"version": gorm.Expr("version + 1"),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("cancelling report %s: %w", id, err)
	}

	s.log.WithField("report_id", id).Info("Report cancelled")

	return s.GetReport(ctx, id)
}

// --- Datasets ---

func (s *store) CreateDataset(ctx context.Context, dataset *Dataset) error {
	if dataset.Status == "" {
		dataset.Status = ValidationCreated
	}

	if err := s.db.WithContext(ctx).Create(dataset).Error; err != nil {
		return fmt.Errorf("creating dataset: %w", err)
	}

	return nil
}

func (s *store) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	var dataset Dataset
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&dataset).Error; err != nil {
		return nil, fmt.Errorf("getting dataset %s: %w", id, wrapNotFound(err))
	}

	return &dataset, nil
}

func (s *store) UpdateDataset(ctx context.Context, dataset *Dataset) error {
	if err := s.updateVersioned(ctx, &Dataset{}, dataset.ID, dataset.Version,
		map[string]any{
			"status":         dataset.Status,
			"num_rows":       dataset.NumRows,
			"num_cols":       dataset.NumCols,
			"columns":        dataset.Columns,
			"serializer":     dataset.Serializer,
			"data_format":    dataset.DataFormat,
			"error_messages": dataset.ErrorMessages,
		},
	); err != nil {
		return fmt.Errorf("updating dataset %s: %w", dataset.ID, err)
	}

	dataset.Version++

	return nil
}

func (s *store) CancelDataset(ctx context.Context, id string) (*Dataset, error) {
	if err := s.cancelValidation(ctx, &Dataset{}, id); err != nil {
		return nil, fmt.Errorf("cancelling dataset %s: %w", id, err)
	}

	s.log.WithField("dataset_id", id).Info("Dataset validation cancelled")

	return s.GetDataset(ctx, id)
}

// --- Model files ---

func (s *store) CreateModelFile(ctx context.Context, model *ModelFile) error {
	if model.Status == "" {
		model.Status = ValidationCreated
	}

	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("creating model file: %w", err)
	}

	return nil
}

func (s *store) GetModelFile(ctx context.Context, id string) (*ModelFile, error) {
	var model ModelFile
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error; err != nil {
		return nil, fmt.Errorf("getting model file %s: %w", id, wrapNotFound(err))
	}

	return &model, nil
}

func (s *store) UpdateModelFile(ctx context.Context, model *ModelFile) error {
	if err := s.updateVersioned(ctx, &ModelFile{}, model.ID, model.Version,
		map[string]any{
			"status":         model.Status,
			"serializer":     model.Serializer,
			"model_format":   model.ModelFormat,
			"model_type":     model.ModelType,
			"error_messages": model.ErrorMessages,
		},
	); err != nil {
		return fmt.Errorf("updating model file %s: %w", model.ID, err)
	}

	model.Version++

	return nil
}

func (s *store) CancelModelFile(ctx context.Context, id string) (*ModelFile, error) {
	if err := s.cancelValidation(ctx, &ModelFile{}, id); err != nil {
		return nil, fmt.Errorf("cancelling model file %s: %w", id, err)
	}

	s.log.WithField("model_id", id).Info("Model validation cancelled")

	return s.GetModelFile(ctx, id)
}

// cancelValidation moves a dataset or model file that is still being
// validated to Cancelled.
func (s *store) cancelValidation(ctx context.Context, model any, id string) error {
	result := s.db.WithContext(ctx).
		Model(model).
		Where("id = ? AND status IN ?", id,
			[]ValidationStatus{ValidationCreated, ValidationValidating}).
		Updates(map[string]any{
			"status":  ValidationCancelled,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(model).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return err
	}

	if count == 0 {
		return ErrNotFound
	}

	return ErrNotCancellable
}
