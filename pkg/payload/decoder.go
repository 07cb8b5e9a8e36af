package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aiverify/apigw-worker/pkg/fastkv"
	"github.com/aiverify/apigw-worker/pkg/keyspace"
)

var (
	// ErrNoPayload means the hash is gone, usually because an earlier
	// notification for the same key already consumed it.
	ErrNoPayload = errors.New("no payload at key")

	// ErrUnknownPayload is returned for an unrecognised type/serviceType.
	ErrUnknownPayload = errors.New("unknown payload type")

	// ErrInvalidField is returned when a field cannot be coerced.
	ErrInvalidField = errors.New("invalid payload field")
)

var taskStatuses = map[string]struct{}{
	TaskPending:   {},
	TaskRunning:   {},
	TaskSuccess:   {},
	TaskError:     {},
	TaskCancelled: {},
}

// Decoder reads transient hashes and decodes them.
type Decoder struct {
	kv fastkv.HashStore
}

// NewDecoder creates a Decoder reading from kv.
func NewDecoder(kv fastkv.HashStore) *Decoder {
	return &Decoder{kv: kv}
}

// Decode reads the full hash at key and decodes it.
func (d *Decoder) Decode(ctx context.Context, key keyspace.Key) (Message, error) {
	fields, err := d.kv.HGetAll(ctx, key.Raw)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	if len(fields) == 0 {
		return nil, ErrNoPayload
	}

	return Parse(key, fields)
}

// Parse decodes the fields of a hash read from key.
func Parse(key keyspace.Key, fields map[string]string) (Message, error) {
	typ := fields["type"]

	switch {
	case typ == TypeTaskResponse && key.Kind == keyspace.KindTask:
		return parseTask(key, fields)
	case typ == TypeServiceResponse && key.Kind == keyspace.KindService:
		switch service := fields["serviceType"]; service {
		case ServiceValidateDataset:
			return parseDataset(key, fields)
		case ServiceValidateModel:
			return parseModel(key, fields)
		default:
			return nil, fmt.Errorf("%w: serviceType %q", ErrUnknownPayload, service)
		}
	default:
		return nil, fmt.Errorf("%w: type %q on %s key", ErrUnknownPayload, typ, key.Kind)
	}
}

func parseTask(key keyspace.Key, fields map[string]string) (*TaskResponse, error) {
	msg := &TaskResponse{
		Key:      key.Raw,
		ReportID: key.ReportID,
		TestID:   key.TestID,
		Status:   fields["status"],
		LogFile:  fields["logFile"],
		Output:   []byte(fields["output"]),
	}

	if _, ok := taskStatuses[msg.Status]; !ok {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidField, msg.Status)
	}

	if raw := strings.TrimSpace(fields["taskProgress"]); raw != "" {
		progress, err := parseNumber("taskProgress", raw)
		if err != nil {
			return nil, err
		}

		msg.Progress = progress
		msg.HasProgress = true
	}

	if raw := strings.TrimSpace(fields["elapsedTime"]); raw != "" {
		elapsed, err := parseNumber("elapsedTime", raw)
		if err != nil {
			return nil, err
		}

		msg.ElapsedTime = elapsed
	}

	if raw := strings.TrimSpace(fields["startTime"]); raw != "" {
		started, err := parseTime(raw)
		if err != nil {
			return nil, err
		}

		msg.StartTime = &started
	}

	msg.ErrorMessages = describeErrors(fields["errorMessages"])

	return msg, nil
}

func parseDataset(key keyspace.Key, fields map[string]string) (*DatasetValidation, error) {
	id, err := entityID(key, "datasetId", fields["datasetId"])
	if err != nil {
		return nil, err
	}

	msg := &DatasetValidation{
		Key:        key.Raw,
		DatasetID:  id,
		Status:     fields["status"],
		Result:     fields["validationResult"],
		Serializer: fields["serializer"],
		DataFormat: fields["dataFormat"],
	}

	if msg.NumRows, err = parseOptionalInt("numRows", fields["numRows"]); err != nil {
		return nil, err
	}

	if msg.NumCols, err = parseOptionalInt("numCols", fields["numCols"]); err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(fields["columns"]); raw != "" {
		var columns []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &columns); err != nil {
			msg.ColumnsErr = fmt.Errorf("%w: columns: %v", ErrInvalidField, err)
		} else {
			msg.Columns = []byte(raw)
		}
	}

	if err := checkResult(msg.Status, msg.Result); err != nil {
		return nil, err
	}

	msg.ErrorMessages = describeErrors(fields["errorMessages"])

	return msg, nil
}

func parseModel(key keyspace.Key, fields map[string]string) (*ModelValidation, error) {
	id, err := entityID(key, "modelFileId", fields["modelFileId"])
	if err != nil {
		return nil, err
	}

	msg := &ModelValidation{
		Key:         key.Raw,
		ModelFileID: id,
		Status:      fields["status"],
		Result:      fields["validationResult"],
		Serializer:  fields["serializer"],
		ModelFormat: fields["modelFormat"],
		ModelType:   fields["modelType"],
	}

	if err := checkResult(msg.Status, msg.Result); err != nil {
		return nil, err
	}

	msg.ErrorMessages = describeErrors(fields["errorMessages"])

	return msg, nil
}

// checkResult requires a known validationResult once the service is done.
func checkResult(status, result string) error {
	if status != ServiceStatusDone {
		return nil
	}

	if result != ResultValid && result != ResultInvalid {
		return fmt.Errorf("%w: validationResult %q", ErrInvalidField, result)
	}

	return nil
}

// parseNumber accepts integers and decimals, rounding the latter.
func parseNumber(field, raw string) (int, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidField, field, raw)
	}

	return int(math.Round(f)), nil
}

func parseOptionalInt(field, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidField, field, raw)
	}

	return n, nil
}

// parseTime accepts RFC 3339 timestamps or unix seconds.
func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: startTime %q", ErrInvalidField, raw)
	}

	whole, frac := math.Modf(secs)

	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

// describeErrors unwraps the description of the first error object in a
// JSON array such as [{"category":"...","code":"...","description":"X"}].
// Text that is not such an array is returned as is.
func describeErrors(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var entries []struct {
		Description string `json:"description"`
	}

	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return raw
	}

	if len(entries) == 0 {
		return ""
	}

	return entries[0].Description
}

// entityID returns the id carried by a service key. An id field in the
// hash is optional but must match the key.
func entityID(key keyspace.Key, field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" && value != key.EntityID {
		return "", fmt.Errorf("%w: %s %q does not match key %s", ErrInvalidField, field, value, key.Raw)
	}

	return key.EntityID, nil
}
