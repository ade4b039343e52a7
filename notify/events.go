package notify

import (
	"context"
	"fmt"
)

const (
	EventProgress  = "job-progress"
	EventCompleted = "job-completed"
	EventFailed    = "job-failed"
)

// Publisher delivers an event to every listener of topic. Delivery is
// at-most-once.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload interface{}) error
}

// Topic is the channel a job's events go to.
func Topic(jobID uint) string {
	return fmt.Sprintf("job-%d", jobID)
}

type Progress struct {
	JobID           uint `json:"jobId"`
	TotalEmails     int  `json:"totalEmails"`
	ProcessedEmails int  `json:"processedEmails"`
	ValidEmails     int  `json:"validEmails"`
	InvalidEmails   int  `json:"invalidEmails"`
	RiskyEmails     int  `json:"riskyEmails"`
	UnknownEmails   int  `json:"unknownEmails"`
	Percentage      int  `json:"percentage"`
}

// Percent is processed/total rounded down; 100 once everything is done.
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return processed * 100 / total
}

type Completed struct {
	Progress
	ProcessingTimeSeconds float64 `json:"processingTimeSeconds"`
	// AverageSpeed is addresses per second.
	AverageSpeed float64 `json:"averageSpeed"`
}

type Failed struct {
	JobID uint   `json:"jobId"`
	Error string `json:"error"`
}

// Message is the envelope written to the wire.
type Message struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}
