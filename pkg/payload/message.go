// Package payload decodes transient task and service hashes into a closed
// set of message variants.
package payload

import "time"

// Hash field values identifying the payload family.
const (
	TypeTaskResponse    = "TaskResponse"
	TypeServiceResponse = "ServiceResponse"

	ServiceValidateDataset = "validateDataset"
	ServiceValidateModel   = "validateModel"

	ResultValid   = "valid"
	ResultInvalid = "invalid"

	// ServiceStatusDone marks a service response carrying a final result.
	ServiceStatusDone = "done"
)

// Task statuses reported by the test engine.
const (
	TaskPending   = "Pending"
	TaskRunning   = "Running"
	TaskSuccess   = "Success"
	TaskError     = "Error"
	TaskCancelled = "Cancelled"
)

// Message is one of *TaskResponse, *DatasetValidation or *ModelValidation.
type Message interface {
	// HashKey is the transient hash the message was read from.
	HashKey() string
	isMessage()
}

// TaskResponse is a test-engine update for one test of a report.
type TaskResponse struct {
	Key      string
	ReportID string
	TestID   string
	Status   string

	// Progress is only meaningful when HasProgress is set.
	Progress    int
	HasProgress bool

	StartTime   *time.Time
	ElapsedTime int
	LogFile     string

	// Output is the raw algorithm output as written by the engine. It is
	// validated by the reconciler, where a bad output becomes an Error.
	Output []byte

	ErrorMessages string
}

// DatasetValidation is a validateDataset service response.
type DatasetValidation struct {
	Key        string
	DatasetID  string
	Status     string
	Result     string
	NumRows    int
	NumCols    int
	Columns    []byte
	Serializer string
	DataFormat string

	// ColumnsErr is set when columns was present but not a JSON array.
	// The reconciler marks such a dataset Invalid.
	ColumnsErr error

	ErrorMessages string
}

// ModelValidation is a validateModel service response.
type ModelValidation struct {
	Key         string
	ModelFileID string
	Status      string
	Result      string
	Serializer  string
	ModelFormat string
	ModelType   string

	ErrorMessages string
}

func (m *TaskResponse) HashKey() string      { return m.Key }
func (m *DatasetValidation) HashKey() string { return m.Key }
func (m *ModelValidation) HashKey() string   { return m.Key }

func (*TaskResponse) isMessage()      {}
func (*DatasetValidation) isMessage() {}
func (*ModelValidation) isMessage()   {}

// Done reports whether the validation service has finished.
func (m *DatasetValidation) Done() bool { return m.Status == ServiceStatusDone }

// Done reports whether the validation service has finished.
func (m *ModelValidation) Done() bool { return m.Status == ServiceStatusDone }
