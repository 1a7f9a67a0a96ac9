// Package schema holds the payloads published on the event bus.
package schema

// GenerationStage is the lifecycle point an event reports.
type GenerationStage string

const (
	StageCompleted GenerationStage = "completed"
	StageFailed    GenerationStage = "failed"
)

// FailureType tells consumers whether the job may still finish remotely.
type FailureType string

const (
	FailureTypePermanent FailureType = "permanent"
	FailureTypeUnknown   FailureType = "unknown"
)

// GenerationEvent is published when a try-on generation reaches an outcome.
type GenerationEvent struct {
	JobID          string          `json:"job_id"`
	OwnerID        string          `json:"owner_id"`
	Stage          GenerationStage `json:"stage"`
	OutputImageURL string          `json:"output_image_url,omitempty"`
	Error          string          `json:"error,omitempty"`
	FailureType    FailureType     `json:"failure_type,omitempty"`
	StartedAt      int64           `json:"started_at"`
	HappenedAt     int64           `json:"happened_at"`
}

// Subject returns the bus subject for an event under prefix.
func (e GenerationEvent) Subject(prefix string) string {
	return prefix + "." + string(e.Stage)
}
