package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/aiverify/apigw-worker/pkg/config"
	"github.com/aiverify/apigw-worker/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newReport() *store.Report {
	return &store.Report{
		ID:        "rep-1",
		ProjectID: "proj-1",
		Tests: []store.Test{
			{ID: "test-b", AlgorithmGID: "aiverify.stock.fairness_metrics_toolbox:fairness_metrics_toolbox"},
			{ID: "test-a", AlgorithmGID: "aiverify.stock.shap_toolbox:shap_toolbox"},
		},
	}
}

func TestStore_CreateAndGetReport(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateReport(ctx, newReport()))

	report, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)

	assert.Equal(t, store.ReportGenerating, report.Status)
	require.Len(t, report.Tests, 2)

	// Tests keep their creation order.
	assert.Equal(t, "test-b", report.Tests[0].ID)
	assert.Equal(t, "test-a", report.Tests[1].ID)
	assert.Equal(t, store.TestPending, report.Tests[0].Status)
	assert.Equal(t, "rep-1", report.Tests[1].ReportID)

	require.NotNil(t, report.Test("test-a"))
	assert.Nil(t, report.Test("missing"))
}

func TestStore_EmptyOutputEncodesAsNull(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateReport(ctx, newReport()))

	report, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)

	test := report.Test("test-a")
	require.NotNil(t, test)

	// Clearing the output writes NULL and reads back as JSON null.
	test.Output = nil
	require.NoError(t, s.UpdateTest(ctx, test))

	reloaded, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)

	raw, err := json.Marshal(reloaded.Test("test-a"))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "null", string(doc["output"]))
}

func TestStore_GetReportNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetReport(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_UpdateTestRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateReport(ctx, newReport()))

	report, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)

	started := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	test := report.Test("test-a")
	test.Status = store.TestSuccess
	test.Progress = 100
	test.TimeStart = &started
	test.TimeTaken = 12
	test.LogFile = "testlog.log"
	test.Output = datatypes.JSON(`{"score":0.9}`)

	require.NoError(t, s.UpdateTest(ctx, test))
	assert.Equal(t, 1, test.Version)

	reloaded, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)

	got := reloaded.Test("test-a")
	assert.Equal(t, store.TestSuccess, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 12, got.TimeTaken)
	assert.Equal(t, "testlog.log", got.LogFile)
	assert.JSONEq(t, `{"score":0.9}`, string(got.Output))
	require.NotNil(t, got.TimeStart)
	assert.True(t, started.Equal(*got.TimeStart))
	assert.Equal(t, 1, got.Version)
}

func TestStore_UpdateTestStaleVersionConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateReport(ctx, newReport()))

	first, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)

	second, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)

	winner := first.Test("test-a")
	winner.Status = store.TestRunning
	require.NoError(t, s.UpdateTest(ctx, winner))

	loser := second.Test("test-a")
	loser.Status = store.TestError
	err = s.UpdateTest(ctx, loser)
	require.ErrorIs(t, err, store.ErrConflict)

	reloaded, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, store.TestRunning, reloaded.Test("test-a").Status)
}

func TestStore_CancelReport(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateReport(ctx, newReport()))

	report, err := s.GetReport(ctx, "rep-1")
	require.NoError(t, err)

	done := report.Test("test-b")
	done.Status = store.TestSuccess
	require.NoError(t, s.UpdateTest(ctx, done))

	cancelled, err := s.CancelReport(ctx, "rep-1")
	require.NoError(t, err)

	assert.Equal(t, store.ReportCancelled, cancelled.Status)
	assert.Equal(t, store.TestSuccess, cancelled.Test("test-b").Status)
	assert.Equal(t, store.TestCancelled, cancelled.Test("test-a").Status)

	_, err = s.CancelReport(ctx, "rep-1")
	require.ErrorIs(t, err, store.ErrNotCancellable)

	_, err = s.CancelReport(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_DatasetLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDataset(ctx, &store.Dataset{
		ID:       "ds-1",
		Name:     "pickle_pandas_tabular_loan_testing.sav",
		FilePath: "/data/pickle_pandas_tabular_loan_testing.sav",
	}))

	dataset, err := s.GetDataset(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, store.ValidationCreated, dataset.Status)

	dataset.Status = store.ValidationValid
	dataset.NumRows = 500
	dataset.NumCols = 8
	dataset.Serializer = "pickle"
	dataset.DataFormat = "pandas"
	dataset.Columns = datatypes.JSON(`[{"name":"age","datatype":"int64"}]`)
	require.NoError(t, s.UpdateDataset(ctx, dataset))

	reloaded, err := s.GetDataset(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, store.ValidationValid, reloaded.Status)
	assert.Equal(t, 500, reloaded.NumRows)
	assert.Equal(t, 8, reloaded.NumCols)
	assert.Equal(t, "pandas", reloaded.DataFormat)
	assert.JSONEq(t, `[{"name":"age","datatype":"int64"}]`, string(reloaded.Columns))

	// Valid is terminal so it cannot be cancelled.
	_, err = s.CancelDataset(ctx, "ds-1")
	require.ErrorIs(t, err, store.ErrNotCancellable)

	_, err = s.GetDataset(ctx, "ds-2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_CancelValidation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDataset(ctx, &store.Dataset{
		ID:     "ds-1",
		Status: store.ValidationValidating,
	}))
	require.NoError(t, s.CreateModelFile(ctx, &store.ModelFile{ID: "mdl-1"}))

	dataset, err := s.CancelDataset(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, store.ValidationCancelled, dataset.Status)
	assert.Equal(t, 1, dataset.Version)

	model, err := s.CancelModelFile(ctx, "mdl-1")
	require.NoError(t, err)
	assert.Equal(t, store.ValidationCancelled, model.Status)

	_, err = s.CancelModelFile(ctx, "mdl-2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_UpdateModelFileConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateModelFile(ctx, &store.ModelFile{ID: "mdl-1"}))

	model, err := s.GetModelFile(ctx, "mdl-1")
	require.NoError(t, err)

	_, err = s.CancelModelFile(ctx, "mdl-1")
	require.NoError(t, err)

	// The cancel bumped the version, so the stale copy must not win.
	model.Status = store.ValidationValid
	require.ErrorIs(t, s.UpdateModelFile(ctx, model), store.ErrConflict)

	reloaded, err := s.GetModelFile(ctx, "mdl-1")
	require.NoError(t, err)
	assert.Equal(t, store.ValidationCancelled, reloaded.Status)
}
