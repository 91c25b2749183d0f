package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/failover-dialer/internal/domain"
)

// SubmissionEvent is published once per submission attempt. It reports what
// was handed to the switch, never how the call ended.
type SubmissionEvent struct {
	ID          uuid.UUID `json:"id"`
	Campaign    string    `json:"campaign"`
	CallID      uuid.UUID `json:"call_id"`
	Destination string    `json:"destination"`
	Identity    string    `json:"identity"`
	Status      string    `json:"status"`
	JobID       string    `json:"job_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewSubmissionEvent converts a submission record.
func NewSubmissionEvent(r domain.SubmissionRecord) SubmissionEvent {
	return SubmissionEvent{
		ID:          r.ID,
		Campaign:    r.Campaign,
		CallID:      r.CallID,
		Destination: string(r.Destination),
		Identity:    string(r.Identity),
		Status:      string(r.Status),
		JobID:       r.JobID,
		Error:       r.Error,
		DurationMs:  r.Duration.Milliseconds(),
		SubmittedAt: r.SubmittedAt,
	}
}

// Control actions accepted on the control topic.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
)

// ControlCommand asks the dialer to set or clear the pause marker. Campaign
// scopes the command; an empty value targets every dialer on the topic.
type ControlCommand struct {
	Action    string    `json:"action"`
	Campaign  string    `json:"campaign,omitempty"`
	Requester string    `json:"requester,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}
