package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of mutation an action performs. The set is closed;
// adding a kind means teaching the conflict detector about it as well.
type Kind string

const (
	KindClaimTask        Kind = "claim_task"
	KindUpdateTaskStatus Kind = "update_task_status"
	KindCompleteTask     Kind = "complete_task"
	KindUpdateProfile    Kind = "update_profile"
	KindUploadPhoto      Kind = "upload_photo"
	KindLocationUpdate   Kind = "location_update"
)

func (k Kind) Valid() bool {
	switch k {
	case KindClaimTask, KindUpdateTaskStatus, KindCompleteTask,
		KindUpdateProfile, KindUploadPhoto, KindLocationUpdate:
		return true
	}
	return false
}

// Priority orders actions within a drain pass. Higher priority always drains
// first; FIFO applies within a class.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// weight maps priorities onto a sortable scale.
func (p Priority) weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Status is the per-action state machine:
// pending -> processing -> completed | pending (retry) | failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// QueuedAction is one user-triggered mutation awaiting replay against the
// remote service. The queue is a log of intent: two actions are never merged,
// even when they target the same entity.
type QueuedAction struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Endpoint     string          `json:"endpoint"`
	Method       string          `json:"method"`
	RequiresAuth bool            `json:"requires_auth"`
	Priority     Priority        `json:"priority"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Seq          uint64          `json:"seq"`
}

// Draft is the caller-supplied part of an action; the queue fills in the
// identity and bookkeeping fields at enqueue time.
type Draft struct {
	Kind         Kind            `json:"kind"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Endpoint     string          `json:"endpoint"`
	Method       string          `json:"method"`
	RequiresAuth bool            `json:"requires_auth"`
	Priority     Priority        `json:"priority"`
}

// ClaimTaskPayload is the payload shape for KindClaimTask.
type ClaimTaskPayload struct {
	TaskID       string `json:"task_id"`
	ContractorID string `json:"contractor_id"`
}

// TaskStatusPayload is the payload shape for KindUpdateTaskStatus and
// KindCompleteTask.
type TaskStatusPayload struct {
	TaskID       string `json:"task_id"`
	TargetStatus string `json:"target_status"`
}

// ProfileUpdatePayload is the payload shape for KindUpdateProfile. Fields
// holds the profile attributes being changed; the conflict resolver merges
// them field by field against the remote snapshot.
type ProfileUpdatePayload struct {
	ContractorID string         `json:"contractor_id"`
	Fields       map[string]any `json:"fields"`
}

// DecodeClaimPayload decodes the action payload as a claim.
func (a *QueuedAction) DecodeClaimPayload() (*ClaimTaskPayload, error) {
	var p ClaimTaskPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid claim payload for action %s: %w", a.ID, err)
	}
	return &p, nil
}

// DecodeStatusPayload decodes the action payload as a status update.
func (a *QueuedAction) DecodeStatusPayload() (*TaskStatusPayload, error) {
	var p TaskStatusPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid status payload for action %s: %w", a.ID, err)
	}
	return &p, nil
}

// DecodeProfilePayload decodes the action payload as a profile update.
func (a *QueuedAction) DecodeProfilePayload() (*ProfileUpdatePayload, error) {
	var p ProfileUpdatePayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid profile payload for action %s: %w", a.ID, err)
	}
	return &p, nil
}

// Validate checks the caller-supplied fields of a draft.
func (d *Draft) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q", d.Kind)
	}
	if d.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if d.Method == "" {
		return fmt.Errorf("method is required")
	}
	switch d.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	case "":
		d.Priority = PriorityMedium
	default:
		return fmt.Errorf("unknown priority %q", d.Priority)
	}
	return nil
}
