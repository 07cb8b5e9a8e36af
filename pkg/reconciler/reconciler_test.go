package reconciler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiverify/apigw-worker/pkg/config"
	"github.com/aiverify/apigw-worker/pkg/events"
	"github.com/aiverify/apigw-worker/pkg/fastkv"
	"github.com/aiverify/apigw-worker/pkg/keyspace"
	"github.com/aiverify/apigw-worker/pkg/reconciler"
	"github.com/aiverify/apigw-worker/pkg/schema"
	"github.com/aiverify/apigw-worker/pkg/store"
)

const fairnessGID = "aiverify.stock.fairness_metrics_toolbox:fairness_metrics_toolbox"

type published struct {
	topic   string
	payload any
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []published
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, published{topic: topic, payload: payload})

	return p.err
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.topic)
	}

	return out
}

func (p *recordingPublisher) count(topic string) int {
	n := 0

	for _, t := range p.topics() {
		if t == topic {
			n++
		}
	}

	return n
}

func (p *recordingPublisher) first(topic string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.calls {
		if c.topic == topic {
			return c.payload, true
		}
	}

	return nil, false
}

type harness struct {
	rec       *reconciler.Reconciler
	store     store.Store
	kv        *fastkv.Memory
	publisher *recordingPublisher
	schemas   *schema.Registry
}

func setup(t *testing.T) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	h := &harness{
		store:     st,
		kv:        fastkv.NewMemory(),
		publisher: &recordingPublisher{},
		schemas:   schema.NewRegistry(),
	}

	h.rec = reconciler.New(log, st, h.kv, h.schemas, h.publisher, nil)

	return h
}

func (h *harness) createReport(t *testing.T, tests ...store.Test) {
	t.Helper()

	if len(tests) == 0 {
		tests = []store.Test{{ID: "test1", AlgorithmGID: fairnessGID}}
	}

	require.NoError(t, h.store.CreateReport(context.Background(), &store.Report{
		ID:        "rep1",
		ProjectID: "proj1",
		Tests:     tests,
	}))
}

func (h *harness) test(t *testing.T, id string) store.Test {
	t.Helper()

	report, err := h.store.GetReport(context.Background(), "rep1")
	require.NoError(t, err)

	test := report.Test(id)
	require.NotNil(t, test)

	return *test
}

// notify writes a hash and reconciles it, as a keyspace notification would.
func (h *harness) notify(t *testing.T, key string, fields map[string]string) error {
	t.Helper()

	ctx := context.Background()
	h.kv.HSet(ctx, key, fields)

	parsed, err := keyspace.DefaultPrefixes.ParseKey(key)
	require.NoError(t, err)

	return h.rec.Reconcile(ctx, parsed)
}

func (h *harness) exists(t *testing.T, key string) bool {
	t.Helper()

	ok, err := h.kv.Exists(context.Background(), key)
	require.NoError(t, err)

	return ok
}

func TestReconcile_TaskRunning(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	err := h.notify(t, "task:rep1-test1", map[string]string{
		"type":         "TaskResponse",
		"status":       "Running",
		"taskProgress": "0",
		"startTime":    "2023-06-01T00:00:00.000Z",
		"logFile":      "testlog.log",
	})
	require.NoError(t, err)

	test := h.test(t, "test1")
	assert.Equal(t, store.TestRunning, test.Status)
	assert.Equal(t, 0, test.Progress)
	assert.Equal(t, "testlog.log", test.LogFile)
	require.NotNil(t, test.TimeStart)
	assert.True(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC).Equal(*test.TimeStart))

	assert.Equal(t, 1, h.publisher.count(events.TopicTestTaskUpdated))

	body, ok := h.publisher.first(events.TopicTestTaskUpdated)
	require.True(t, ok)

	update, ok := body.(reconciler.TestTaskUpdated)
	require.True(t, ok)
	assert.Equal(t, "rep1", update.ReportID)
	assert.Equal(t, "test1", update.Test.ID)
	assert.Equal(t, store.TestRunning, update.Test.Status)

	// Report moves to RunningTests.
	report, err := h.store.GetReport(context.Background(), "rep1")
	require.NoError(t, err)
	assert.Equal(t, store.ReportRunning, report.Status)
	assert.Equal(t, 1, h.publisher.count(events.TopicReportStatusUpdated))

	assert.True(t, h.exists(t, "task:rep1-test1"), "running updates keep the hash")
}

func TestReconcile_TaskProgressClamped(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":         "TaskResponse",
		"status":       "Running",
		"taskProgress": "250",
	}))

	assert.Equal(t, 100, h.test(t, "test1").Progress)
}

func TestReconcile_TaskSuccess(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	err := h.notify(t, "task:rep1-test1", map[string]string{
		"type":        "TaskResponse",
		"status":      "Success",
		"elapsedTime": "12",
		"output":      `{"results": {"accuracy": 0.91}}`,
	})
	require.NoError(t, err)

	test := h.test(t, "test1")
	assert.Equal(t, store.TestSuccess, test.Status)
	assert.Equal(t, 100, test.Progress)
	assert.Equal(t, 12, test.TimeTaken)
	assert.JSONEq(t, `{"results":{"accuracy":0.91}}`, string(test.Output))
	assert.Empty(t, test.ErrorMessages)

	assert.False(t, h.exists(t, "task:rep1-test1"), "terminal updates delete the hash")

	report, err := h.store.GetReport(context.Background(), "rep1")
	require.NoError(t, err)
	assert.Equal(t, store.ReportGenerated, report.Status)

	body, ok := h.publisher.first(events.TopicReportStatusUpdated)
	require.True(t, ok)
	assert.Equal(t, store.ReportGenerated, body.(reconciler.ReportStatusUpdated).Status)
	assert.Equal(t, store.ReportGenerating, body.(reconciler.ReportStatusUpdated).PreviousStatus)
}

func TestReconcile_TaskSuccessWithBadOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{name: "empty object", output: "{}"},
		{name: "malformed", output: `{"results":`},
		{name: "missing", output: ""},
		{name: "not an object", output: "[1, 2]"},
		{name: "null", output: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t)
			h.createReport(t)

			fields := map[string]string{
				"type":        "TaskResponse",
				"status":      "Success",
				"elapsedTime": "5",
				"output":      tt.output,
				"logFile":     "run.log",
			}

			require.NoError(t, h.notify(t, "task:rep1-test1", fields))

			test := h.test(t, "test1")
			assert.Equal(t, store.TestError, test.Status)
			assert.Contains(t, test.ErrorMessages, "invalid output")
			assert.Contains(t, []string{"", "null"}, test.Output.String())

			// Other fields persist before the override.
			assert.Equal(t, 100, test.Progress)
			assert.Equal(t, 5, test.TimeTaken)
			assert.Equal(t, "run.log", test.LogFile)

			assert.False(t, h.exists(t, "task:rep1-test1"))
			assert.Equal(t, 1, h.publisher.count(events.TopicTestTaskUpdated))

			// Reprocessing the same payload yields the same outcome.
			require.NoError(t, h.notify(t, "task:rep1-test1", fields))

			again := h.test(t, "test1")
			assert.Equal(t, store.TestError, again.Status)
			assert.Equal(t, test.ErrorMessages, again.ErrorMessages)
		})
	}
}

func TestReconcile_TaskSuccessViolatesSchema(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	require.NoError(t, h.schemas.Register(fairnessGID, `{
		"type": "object",
		"required": ["results"],
		"properties": {"results": {"type": "object"}}
	}`))

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":   "TaskResponse",
		"status": "Success",
		"output": `{"score": 1}`,
	}))

	test := h.test(t, "test1")
	assert.Equal(t, store.TestError, test.Status)
	assert.Contains(t, test.ErrorMessages, "does not match schema")
}

func TestReconcile_TaskCancelledOnlyChangesStatus(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":         "TaskResponse",
		"status":       "Running",
		"taskProgress": "40",
		"logFile":      "a.log",
	}))

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":         "TaskResponse",
		"status":       "Cancelled",
		"taskProgress": "90",
		"logFile":      "b.log",
		"elapsedTime":  "30",
	}))

	test := h.test(t, "test1")
	assert.Equal(t, store.TestCancelled, test.Status)
	assert.Equal(t, 40, test.Progress)
	assert.Equal(t, "a.log", test.LogFile)
	assert.Equal(t, 0, test.TimeTaken)

	assert.Equal(t, 2, h.publisher.count(events.TopicTestTaskUpdated))
	assert.False(t, h.exists(t, "task:rep1-test1"))
}

func TestReconcile_TaskError(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":          "TaskResponse",
		"status":        "Error",
		"errorMessages": `[{"category":"SYSTEM_ERROR","code":"ETE","description":"algorithm crashed"}]`,
	}))

	test := h.test(t, "test1")
	assert.Equal(t, store.TestError, test.Status)
	assert.Equal(t, "algorithm crashed", test.ErrorMessages)

	report, err := h.store.GetReport(context.Background(), "rep1")
	require.NoError(t, err)
	assert.Equal(t, store.ReportError, report.Status)
}

func TestReconcile_TaskMalformedField(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":         "TaskResponse",
		"status":       "Running",
		"taskProgress": "halfway",
	}))

	test := h.test(t, "test1")
	assert.Equal(t, store.TestError, test.Status)
	assert.Contains(t, test.ErrorMessages, "taskProgress")
	assert.False(t, h.exists(t, "task:rep1-test1"))
}

func TestReconcile_TerminalTestNeverRegresses(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":   "TaskResponse",
		"status": "Success",
		"output": `{"ok": true}`,
	}))

	published := len(h.publisher.topics())

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":         "TaskResponse",
		"status":       "Running",
		"taskProgress": "10",
	}))

	test := h.test(t, "test1")
	assert.Equal(t, store.TestSuccess, test.Status)
	assert.Equal(t, 100, test.Progress)
	assert.Len(t, h.publisher.topics(), published, "discarded updates publish nothing")
	assert.False(t, h.exists(t, "task:rep1-test1"), "discarded updates still drop the hash")
}

func TestReconcile_TaskMissingHashIsNoop(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	key, err := keyspace.DefaultPrefixes.ParseKey("task:rep1-test1")
	require.NoError(t, err)

	require.NoError(t, h.rec.Reconcile(context.Background(), key))
	assert.Empty(t, h.publisher.topics())
	assert.Equal(t, store.TestPending, h.test(t, "test1").Status)
}

func TestReconcile_TaskNotFound(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	tests := []struct {
		name string
		key  string
	}{
		{name: "unknown report", key: "task:nope-test1"},
		{name: "unknown test", key: "task:rep1-nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.notify(t, tt.key, map[string]string{
				"type":   "TaskResponse",
				"status": "Running",
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, store.ErrNotFound))
			assert.True(t, h.exists(t, tt.key), "aborted notifications keep the hash")
		})
	}

	assert.Empty(t, h.publisher.topics())
}

func TestReconcile_PublishFailureDoesNotFail(t *testing.T) {
	h := setup(t)
	h.createReport(t)
	h.publisher.err = errors.New("bus down")

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":   "TaskResponse",
		"status": "Cancelled",
	}))

	assert.Equal(t, store.TestCancelled, h.test(t, "test1").Status)
	assert.False(t, h.exists(t, "task:rep1-test1"))
}

func TestReconcile_ConcurrentNotificationsWriteOnce(t *testing.T) {
	h := setup(t)
	h.createReport(t)

	ctx := context.Background()
	h.kv.HSet(ctx, "task:rep1-test1", map[string]string{
		"type":   "TaskResponse",
		"status": "Success",
		"output": `{"ok": true}`,
	})

	key, err := keyspace.DefaultPrefixes.ParseKey("task:rep1-test1")
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, h.rec.Reconcile(ctx, key))
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, h.publisher.count(events.TopicTestTaskUpdated))
	assert.Equal(t, store.TestSuccess, h.test(t, "test1").Status)
}

// stalledStore holds the first reads of a report until every reader has
// arrived, so concurrent reconciliations start from the same snapshot.
type stalledStore struct {
	store.Store
	readers  int32
	arrivals atomic.Int32
	ready    sync.WaitGroup
}

func newStalledStore(st store.Store, readers int) *stalledStore {
	s := &stalledStore{Store: st, readers: int32(readers)}
	s.ready.Add(readers)

	return s
}

func (s *stalledStore) GetReport(ctx context.Context, id string) (*store.Report, error) {
	if s.arrivals.Add(1) <= s.readers {
		s.ready.Done()
		s.ready.Wait()
	}

	return s.Store.GetReport(ctx, id)
}

func TestReconcile_ConcurrentTestsOfOneReportFinishReport(t *testing.T) {
	h := setup(t)
	h.createReport(t,
		store.Test{ID: "test1", AlgorithmGID: fairnessGID},
		store.Test{ID: "test2", AlgorithmGID: fairnessGID},
	)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	rec := reconciler.New(log, newStalledStore(h.store, 2), h.kv, h.schemas, h.publisher, nil)

	ctx := context.Background()

	var wg sync.WaitGroup

	for _, raw := range []string{"task:rep1-test1", "task:rep1-test2"} {
		h.kv.HSet(ctx, raw, map[string]string{
			"type":   "TaskResponse",
			"status": "Cancelled",
		})

		key, err := keyspace.DefaultPrefixes.ParseKey(raw)
		require.NoError(t, err)

		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, rec.Reconcile(ctx, key))
		}()
	}

	wg.Wait()

	assert.Equal(t, store.TestCancelled, h.test(t, "test1").Status)
	assert.Equal(t, store.TestCancelled, h.test(t, "test2").Status)

	report, err := h.store.GetReport(ctx, "rep1")
	require.NoError(t, err)
	assert.Equal(t, store.ReportCancelled, report.Status)
	assert.False(t, h.exists(t, "task:rep1-test1"))
	assert.False(t, h.exists(t, "task:rep1-test2"))
}

func TestReconcile_ReportFinishesWithLastTest(t *testing.T) {
	h := setup(t)
	h.createReport(t,
		store.Test{ID: "test1", AlgorithmGID: fairnessGID},
		store.Test{ID: "test2", AlgorithmGID: fairnessGID},
	)

	require.NoError(t, h.notify(t, "task:rep1-test1", map[string]string{
		"type":   "TaskResponse",
		"status": "Success",
		"output": `{"ok": true}`,
	}))

	report, err := h.store.GetReport(context.Background(), "rep1")
	require.NoError(t, err)
	assert.Equal(t, store.ReportRunning, report.Status)

	require.NoError(t, h.notify(t, "task:rep1-test2", map[string]string{
		"type":   "TaskResponse",
		"status": "Success",
		"output": `{"ok": true}`,
	}))

	report, err = h.store.GetReport(context.Background(), "rep1")
	require.NoError(t, err)
	assert.Equal(t, store.ReportGenerated, report.Status)
	assert.NotNil(t, report.TimeStart)
	assert.Equal(t, 2, h.publisher.count(events.TopicReportStatusUpdated))
}

func TestDeriveReportStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []store.TestStatus
		expected store.ReportStatus
	}{
		{name: "no tests", expected: store.ReportGenerating},
		{name: "all pending", statuses: []store.TestStatus{store.TestPending, store.TestPending}, expected: store.ReportGenerating},
		{name: "one running", statuses: []store.TestStatus{store.TestSuccess, store.TestRunning}, expected: store.ReportRunning},
		{name: "partly done", statuses: []store.TestStatus{store.TestSuccess, store.TestPending}, expected: store.ReportRunning},
		{name: "all success", statuses: []store.TestStatus{store.TestSuccess, store.TestSuccess}, expected: store.ReportGenerated},
		{name: "any error", statuses: []store.TestStatus{store.TestSuccess, store.TestError, store.TestCancelled}, expected: store.ReportError},
		{name: "cancelled", statuses: []store.TestStatus{store.TestSuccess, store.TestCancelled}, expected: store.ReportCancelled},
		{name: "error while others pending", statuses: []store.TestStatus{store.TestError, store.TestPending}, expected: store.ReportRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := make([]store.Test, 0, len(tt.statuses))
			for _, status := range tt.statuses {
				docs = append(docs, store.Test{Status: status})
			}

			assert.Equal(t, tt.expected, reconciler.DeriveReportStatus(docs))
		})
	}
}
