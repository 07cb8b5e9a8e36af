package store

import (
	"time"

	"gorm.io/datatypes"
)

// TestStatus is the lifecycle state of a single algorithm execution.
type TestStatus string

// Test statuses.
const (
	TestPending   TestStatus = "Pending"
	TestRunning   TestStatus = "Running"
	TestSuccess   TestStatus = "Success"
	TestError     TestStatus = "Error"
	TestCancelled TestStatus = "Cancelled"
)

// Terminal reports whether no further update may change the test.
func (s TestStatus) Terminal() bool {
	return s == TestSuccess || s == TestError || s == TestCancelled
}

// ReportStatus is the aggregate state of a report's tests.
type ReportStatus string

// Report statuses.
const (
	ReportGenerating ReportStatus = "GeneratingReport"
	ReportRunning    ReportStatus = "RunningTests"
	ReportGenerated  ReportStatus = "ReportGenerated"
	ReportError      ReportStatus = "Error"
	ReportCancelled  ReportStatus = "Cancelled"
)

// Terminal reports whether the report has finished.
func (s ReportStatus) Terminal() bool {
	return s == ReportGenerated || s == ReportError || s == ReportCancelled
}

// ValidationStatus is the lifecycle state of an uploaded dataset or model.
type ValidationStatus string

// Validation statuses.
const (
	ValidationCreated    ValidationStatus = "Created"
	ValidationValidating ValidationStatus = "Validating"
	ValidationValid      ValidationStatus = "Valid"
	ValidationInvalid    ValidationStatus = "Invalid"
	ValidationCancelled  ValidationStatus = "Cancelled"
)

// Terminal reports whether validation has concluded or was cancelled.
func (s ValidationStatus) Terminal() bool {
	return s == ValidationValid || s == ValidationInvalid || s == ValidationCancelled
}

// Report aggregates the tests of one project's test run.
type Report struct {
	ID        string       `gorm:"primaryKey" json:"id"`
	ProjectID string       `gorm:"index;not null" json:"projectId"`
	Status    ReportStatus `gorm:"not null" json:"status"`
	Tests     []Test       `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE" json:"tests"`
	TimeStart *time.Time   `json:"timeStart,omitempty"`
	TimeTaken int          `json:"timeTaken"`
	Version   int          `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Test returns the test with the given id, or nil.
func (r *Report) Test(id string) *Test {
	for i := range r.Tests {
		if r.Tests[i].ID == id {
			return &r.Tests[i]
		}
	}

	return nil
}

// Test is one algorithm execution within a report.
type Test struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	ReportID      string         `gorm:"index;not null" json:"reportId"`
	Position      int            `gorm:"not null;default:0" json:"-"`
	AlgorithmGID  string         `gorm:"column:algorithm_gid" json:"algorithmGID"`
	Status        TestStatus     `gorm:"not null" json:"status"`
	Progress      int            `json:"progress"`
	TimeStart     *time.Time     `json:"timeStart,omitempty"`
	TimeTaken     int            `json:"timeTaken"`
	LogFile       string         `json:"logFile,omitempty"`
	Output        datatypes.JSON `json:"output"`
	ErrorMessages string         `gorm:"type:text" json:"errorMessages,omitempty"`
	Version       int            `gorm:"not null;default:0" json:"-"`
}

// Dataset is an uploaded dataset undergoing validation.
type Dataset struct {
	ID            string           `gorm:"primaryKey" json:"id"`
	Name          string           `json:"name"`
	FilePath      string           `json:"filePath"`
	Status        ValidationStatus `gorm:"not null" json:"status"`
	NumRows       int              `json:"numRows"`
	NumCols       int              `json:"numCols"`
	Columns       datatypes.JSON   `json:"dataColumns"`
	Serializer    string           `json:"serializer,omitempty"`
	DataFormat    string           `json:"dataFormat,omitempty"`
	ErrorMessages string           `gorm:"type:text" json:"errorMessages,omitempty"`
	Version       int              `gorm:"not null;default:0" json:"-"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// ModelFile is an uploaded model undergoing validation.
type ModelFile struct {
	ID            string           `gorm:"primaryKey" json:"id"`
	Name          string           `json:"name"`
	FilePath      string           `json:"filePath"`
	Status        ValidationStatus `gorm:"not null" json:"status"`
	Serializer    string           `json:"serializer,omitempty"`
	ModelFormat   string           `json:"modelFormat,omitempty"`
	ModelType     string           `json:"modelType,omitempty"`
	ErrorMessages string           `gorm:"type:text" json:"errorMessages,omitempty"`
	Version       int              `gorm:"not null;default:0" json:"-"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
