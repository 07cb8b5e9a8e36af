package reconciler

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/aiverify/apigw-worker/pkg/events"
	"github.com/aiverify/apigw-worker/pkg/metrics"
	"github.com/aiverify/apigw-worker/pkg/payload"
	"github.com/aiverify/apigw-worker/pkg/store"
)

func (r *Reconciler) reconcileDataset(ctx context.Context, msg *payload.DatasetValidation) (string, error) {
	log := r.log.WithFields(logrus.Fields{
		"key":        msg.Key,
		"dataset_id": msg.DatasetID,
	})

	for attempt := 1; ; attempt++ {
		dataset, err := r.store.GetDataset(ctx, msg.DatasetID)
		if err != nil {
			return notFoundOutcome(err), err
		}

		if outcome, done := r.guardValidation(ctx, log, msg.Key, dataset.Status); done {
			return outcome, nil
		}

		applyDataset(dataset, msg)

		err = r.store.UpdateDataset(ctx, dataset)
		if err == nil {
			log.WithField("status", dataset.Status).Info("Dataset validation updated")
			r.publish(ctx, events.TopicValidateDatasetStatusUpdated, dataset)

			if msg.Done() {
				r.cleanup(ctx, msg.Key)
			}

			return metrics.OutcomeApplied, nil
		}

		if !errors.Is(err, store.ErrConflict) || attempt >= maxAttempts {
			return metrics.OutcomeFailed, err
		}

		log.WithField("attempt", attempt).Debug("Dataset changed concurrently, retrying")
	}
}

func (r *Reconciler) reconcileModel(ctx context.Context, msg *payload.ModelValidation) (string, error) {
	log := r.log.WithFields(logrus.Fields{
		"key":      msg.Key,
		"model_id": msg.ModelFileID,
	})

	for attempt := 1; ; attempt++ {
		model, err := r.store.GetModelFile(ctx, msg.ModelFileID)
		if err != nil {
			return notFoundOutcome(err), err
		}

		if outcome, done := r.guardValidation(ctx, log, msg.Key, model.Status); done {
			return outcome, nil
		}

		applyModel(model, msg)

		err = r.store.UpdateModelFile(ctx, model)
		if err == nil {
			log.WithField("status", model.Status).Info("Model validation updated")
			r.publish(ctx, events.TopicValidateModelStatusUpdated, model)

			if msg.Done() {
				r.cleanup(ctx, msg.Key)
			}

			return metrics.OutcomeApplied, nil
		}

		if !errors.Is(err, store.ErrConflict) || attempt >= maxAttempts {
			return metrics.OutcomeFailed, err
		}

		log.WithField("attempt", attempt).Debug("Model changed concurrently, retrying")
	}
}

// guardValidation decides whether a validation result may still be
// applied. A cancelled entity swallows the result and keeps the hash; an
// already concluded one drops it.
func (r *Reconciler) guardValidation(
	ctx context.Context,
	log logrus.FieldLogger,
	key string,
	status store.ValidationStatus,
) (string, bool) {
	switch status {
	case store.ValidationCancelled:
		log.Debug("Validation was cancelled, discarding result")

		return metrics.OutcomeDiscarded, true
	case store.ValidationValid, store.ValidationInvalid:
		log.WithField("status", status).Debug("Validation already concluded, discarding result")
		r.cleanup(ctx, key)

		return metrics.OutcomeDiscarded, true
	default:
		return "", false
	}
}

func applyDataset(dataset *store.Dataset, msg *payload.DatasetValidation) {
	switch {
	case !msg.Done():
		dataset.Status = store.ValidationValidating
	case msg.Result == payload.ResultValid && msg.ColumnsErr != nil:
		// Unreadable columns turn a valid result into Invalid.
		dataset.Status = store.ValidationInvalid
		dataset.ErrorMessages = msg.ColumnsErr.Error()
	case msg.Result == payload.ResultValid:
		dataset.Status = store.ValidationValid
		dataset.NumRows = msg.NumRows
		dataset.NumCols = msg.NumCols
		dataset.Serializer = msg.Serializer
		dataset.DataFormat = msg.DataFormat
		dataset.ErrorMessages = ""

		if len(msg.Columns) > 0 {
			dataset.Columns = datatypes.JSON(msg.Columns)
		}
	default:
		dataset.Status = store.ValidationInvalid
		dataset.ErrorMessages = msg.ErrorMessages
	}
}

func applyModel(model *store.ModelFile, msg *payload.ModelValidation) {
	switch {
	case !msg.Done():
		model.Status = store.ValidationValidating
	case msg.Result == payload.ResultValid:
		model.Status = store.ValidationValid
		model.Serializer = msg.Serializer
		model.ModelFormat = msg.ModelFormat
		model.ErrorMessages = ""

		if msg.ModelType != "" {
			model.ModelType = msg.ModelType
		}
	default:
		model.Status = store.ValidationInvalid
		model.ErrorMessages = msg.ErrorMessages
	}
}
