package model

import "time"

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Output kind constants. An ExecutionResult carries exactly one dominant kind.
const (
	KindText     = "text"
	KindImage    = "image"
	KindDocument = "document"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ExecutionResult is the typed outcome of a single execute call.
//
// Error being non-empty means the guest code failed, even when Text or Image
// hold output captured before the failure point.
type ExecutionResult struct {
	Kind   string   `json:"kind"`
	Text   string   `json:"text"`
	Image  string   `json:"image,omitempty"`
	Images []string `json:"images,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Failed reports whether the guest code raised.
func (r ExecutionResult) Failed() bool {
	return r.Error != ""
}

// Execution is a persisted record of a snippet submitted through the async API.
type Execution struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Code       string     `json:"code"`
	Wrap       bool       `json:"wrap"`
	Backend    string     `json:"backend,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	Text       string     `json:"text,omitempty"`
	Image      string     `json:"image,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Event types published for an async execution.
const (
	EventStatus = "status"
	EventResult = "result"
)

// Event is one entry in an execution's event stream. Data is a JSON document
// whose shape depends on Type.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Type        string    `json:"type"`
	Data        string    `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}
