package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aiverify/apigw-worker/pkg/events"
	"github.com/aiverify/apigw-worker/pkg/reconciler"
	"github.com/aiverify/apigw-worker/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeStoreError maps store sentinel errors onto HTTP statuses.
func (s *server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})
	case errors.Is(err, store.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, errorResponse{"already finished"})
	default:
		s.log.WithError(err).Error("Store request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

func (s *server) publish(r *http.Request, topic string, body any) {
	if err := s.bus.Publish(r.Context(), topic, body); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("Failed to publish event")
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleCancelReport cancels every unfinished test of a report and
// announces the cancellation on the bus.
func (s *server) handleCancelReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	before, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	report, err := s.store.CancelReport(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	for i := range report.Tests {
		prev := before.Test(report.Tests[i].ID)
		if prev != nil && prev.Status != report.Tests[i].Status {
			s.publish(r, events.TopicTestTaskUpdated, reconciler.TestTaskUpdated{
				ReportID: report.ID,
				Test:     report.Tests[i],
			})
		}
	}

	s.publish(r, events.TopicReportStatusUpdated, reconciler.ReportStatusUpdated{
		ReportID:       report.ID,
		Status:         report.Status,
		PreviousStatus: before.Status,
		TimeTaken:      report.TimeTaken,
	})

	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	dataset, err := s.store.GetDataset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, dataset)
}

func (s *server) handleCancelDataset(w http.ResponseWriter, r *http.Request) {
	dataset, err := s.store.CancelDataset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	s.publish(r, events.TopicValidateDatasetStatusUpdated, dataset)
	writeJSON(w, http.StatusOK, dataset)
}

func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := s.store.GetModelFile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, model)
}

func (s *server) handleCancelModel(w http.ResponseWriter, r *http.Request) {
	model, err := s.store.CancelModelFile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	s.publish(r, events.TopicValidateModelStatusUpdated, model)
	writeJSON(w, http.StatusOK, model)
}
