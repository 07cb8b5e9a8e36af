package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/aiverify/apigw-worker/pkg/events"
	"github.com/aiverify/apigw-worker/pkg/metrics"
	"github.com/aiverify/apigw-worker/pkg/payload"
	"github.com/aiverify/apigw-worker/pkg/store"
)

// TestTaskUpdated is the TEST_TASK_UPDATED payload.
type TestTaskUpdated struct {
	ReportID string     `json:"reportId"`
	Test     store.Test `json:"test"`
}

// ReportStatusUpdated is the REPORT_STATUS_UPDATED payload.
type ReportStatusUpdated struct {
	ReportID       string             `json:"reportId"`
	Status         store.ReportStatus `json:"status"`
	PreviousStatus store.ReportStatus `json:"previousStatus"`
	TimeTaken      int                `json:"timeTaken"`
}

// reconcileTest applies mutate to one test of a report. A test that has
// already finished is never changed again.
func (r *Reconciler) reconcileTest(
	ctx context.Context,
	key, reportID, testID string,
	mutate func(*store.Test),
) (string, error) {
	log := r.log.WithFields(logrus.Fields{
		"key":       key,
		"report_id": reportID,
		"test_id":   testID,
	})

	var test *store.Test

	for attempt := 1; ; attempt++ {
		report, err := r.store.GetReport(ctx, reportID)
		if err != nil {
			return notFoundOutcome(err), err
		}

		test = report.Test(testID)
		if test == nil {
			return metrics.OutcomeNotFound,
				fmt.Errorf("test %s of report %s: %w", testID, reportID, store.ErrNotFound)
		}

		if test.Status.Terminal() {
			log.WithField("status", test.Status).Debug("Test already finished, discarding update")
			r.cleanup(ctx, key)

			return metrics.OutcomeDiscarded, nil
		}

		mutate(test)

		err = r.store.UpdateTest(ctx, test)
		if err == nil {
			break
		}

		if !errors.Is(err, store.ErrConflict) || attempt >= maxAttempts {
			return metrics.OutcomeFailed, err
		}

		log.WithField("attempt", attempt).Debug("Test changed concurrently, retrying")
	}

	log.WithFields(logrus.Fields{
		"status":   test.Status,
		"progress": test.Progress,
	}).Debug("Test updated")

	r.publish(ctx, events.TopicTestTaskUpdated, TestTaskUpdated{
		ReportID: reportID,
		Test:     *test,
	})

	if err := r.syncReportStatus(ctx, reportID); err != nil {
		log.WithError(err).Warn("Failed to update report status")
	}

	if test.Status.Terminal() {
		r.cleanup(ctx, key)
	}

	return metrics.OutcomeApplied, nil
}

func (r *Reconciler) applyTask(test *store.Test, msg *payload.TaskResponse) {
	switch msg.Status {
	case payload.TaskPending:
		// Queued again on the engine side; a running test stays running.
		if msg.HasProgress {
			test.Progress = clampProgress(msg.Progress)
		}

	case payload.TaskRunning:
		test.Status = store.TestRunning
		test.Progress = clampProgress(msg.Progress)

		if msg.StartTime != nil {
			test.TimeStart = msg.StartTime
		}

		if msg.LogFile != "" {
			test.LogFile = msg.LogFile
		}

	case payload.TaskSuccess:
		test.Status = store.TestSuccess
		test.Progress = 100
		test.TimeTaken = msg.ElapsedTime

		if msg.StartTime != nil {
			test.TimeStart = msg.StartTime
		}

		if msg.LogFile != "" {
			test.LogFile = msg.LogFile
		}

		if err := r.schemas.ValidateOutput(test.AlgorithmGID, msg.Output); err != nil {
			test.Status = store.TestError
			test.Output = nil
			test.ErrorMessages = fmt.Sprintf("invalid output: %v", err)

			return
		}

		var compacted bytes.Buffer
		if err := json.Compact(&compacted, msg.Output); err != nil {
			test.Status = store.TestError
			test.Output = nil
			test.ErrorMessages = fmt.Sprintf("invalid output: %v", err)

			return
		}

		test.Output = datatypes.JSON(compacted.Bytes())
		test.ErrorMessages = ""

	case payload.TaskCancelled:
		test.Status = store.TestCancelled

	case payload.TaskError:
		test.Status = store.TestError
		test.ErrorMessages = msg.ErrorMessages
	}
}

func clampProgress(progress int) int {
	switch {
	case progress < 0:
		return 0
	case progress > 100:
		return 100
	default:
		return progress
	}
}

// syncReportStatus reloads the report after a test write, re-derives its
// status from the stored tests and persists it when it changed. Tests of
// one report are reconciled concurrently, so the derivation must see every
// test write committed before this one. A finished report is left alone.
func (r *Reconciler) syncReportStatus(ctx context.Context, reportID string) error {
	for attempt := 1; ; attempt++ {
		report, err := r.store.GetReport(ctx, reportID)
		if err != nil {
			return err
		}

		if report.Status.Terminal() {
			return nil
		}

		previous := report.Status

		next := DeriveReportStatus(report.Tests)
		if next == previous {
			return nil
		}

		now := time.Now().UTC()
		report.Status = next

		if report.TimeStart == nil && next != store.ReportGenerating {
			report.TimeStart = earliestStart(report.Tests, now)
		}

		if next.Terminal() && report.TimeStart != nil {
			report.TimeTaken = int(now.Sub(*report.TimeStart).Round(time.Second).Seconds())
		}

		err = r.store.UpdateReport(ctx, report)
		if err == nil {
			r.log.WithFields(logrus.Fields{
				"report_id": report.ID,
				"status":    next,
				"previous":  previous,
			}).Info("Report status changed")

			r.publish(ctx, events.TopicReportStatusUpdated, ReportStatusUpdated{
				ReportID:       report.ID,
				Status:         next,
				PreviousStatus: previous,
				TimeTaken:      report.TimeTaken,
			})

			return nil
		}

		if !errors.Is(err, store.ErrConflict) || attempt >= maxAttempts {
			return err
		}
	}
}

// DeriveReportStatus computes a report's status from its tests. Any error
// makes the report an Error, any cancellation a Cancelled report, once
// every test has finished.
func DeriveReportStatus(tests []store.Test) store.ReportStatus {
	var (
		started   bool
		finished  = len(tests) > 0
		errored   bool
		cancelled bool
	)

	for _, test := range tests {
		switch test.Status {
		case store.TestRunning:
			return store.ReportRunning
		case store.TestError:
			errored = true
		case store.TestCancelled:
			cancelled = true
		case store.TestSuccess:
		default:
			finished = false

			continue
		}

		started = true
	}

	switch {
	case finished && errored:
		return store.ReportError
	case finished && cancelled:
		return store.ReportCancelled
	case finished:
		return store.ReportGenerated
	case started:
		return store.ReportRunning
	default:
		return store.ReportGenerating
	}
}

func earliestStart(tests []store.Test, fallback time.Time) *time.Time {
	var earliest *time.Time

	for _, test := range tests {
		if test.TimeStart != nil && (earliest == nil || test.TimeStart.Before(*earliest)) {
			earliest = test.TimeStart
		}
	}

	if earliest == nil {
		return &fallback
	}

	t := *earliest

	return &t
}
