package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cboydstun/bounce-v3-sub002/internal/queue"
)

// ConflictKind classifies what diverged between local intent and remote state.
type ConflictKind string

const (
	// ConflictData is a state mismatch on a task status update.
	ConflictData ConflictKind = "data_conflict"
	// ConflictVersion is a stale write against a newer remote entity.
	ConflictVersion ConflictKind = "version_conflict"
	// ConflictConcurrent is an entity already claimed by another actor.
	ConflictConcurrent ConflictKind = "concurrent_modification"
)

// Conflict is a detected mismatch between the assumption an action was built
// on and the current remote state. LocalData and RemoteData are the snapshots
// used for resolution and for a manual-resolution UI.
type Conflict struct {
	ID         string          `json:"id"`
	Kind       ConflictKind    `json:"kind"`
	ActionID   string          `json:"action_id"`
	ActionKind queue.Kind      `json:"action_kind"`
	LocalData  json.RawMessage `json:"local_data"`
	RemoteData json.RawMessage `json:"remote_data"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyServerWins Strategy = "server_wins"
	StrategyClientWins Strategy = "client_wins"
	StrategyMerge      Strategy = "merge"
)

// Decision is what the resolver tells the engine to do with the action.
type Decision int

const (
	// DecisionSkip drops the local action; the remote state stands.
	DecisionSkip Decision = iota
	// DecisionExecuteOriginal executes the action with its original payload.
	DecisionExecuteOriginal
	// DecisionExecuteMerged executes the action with a merged payload.
	DecisionExecuteMerged
)

// Resolution is the resolver's verdict for one conflict.
type Resolution struct {
	Decision Decision
	Strategy Strategy
	// Payload is the merged body when Decision is DecisionExecuteMerged.
	Payload json.RawMessage
}

// ActionError surfaces a single action's failure in a batch result.
type ActionError struct {
	ActionID string     `json:"action_id"`
	Kind     queue.Kind `json:"kind"`
	Message  string     `json:"message"`
}

// Result aggregates one drain pass for UI feedback ("3 of 4 changes synced").
type Result struct {
	Success int           `json:"success"`
	Failed  int           `json:"failed"`
	Errors  []ActionError `json:"errors,omitempty"`
}

func (r Result) String() string {
	return fmt.Sprintf("synced=%d failed=%d", r.Success, r.Failed)
}

// Canonical task workflow order. Position comparisons drive the
// client-wins/server-wins decision for status conflicts.
var workflowOrder = map[string]int{
	"published":   0,
	"assigned":    1,
	"in_progress": 2,
	"completed":   3,
	"cancelled":   3,
}

// workflowPosition returns the position of a status in the canonical
// workflow, or -1 for statuses outside it.
func workflowPosition(status string) int {
	pos, ok := workflowOrder[status]
	if !ok {
		return -1
	}
	return pos
}

// workflowPredecessor returns the expected predecessor of a target status.
func workflowPredecessor(target string) string {
	switch target {
	case "assigned":
		return "published"
	case "in_progress":
		return "assigned"
	case "completed", "cancelled":
		return "in_progress"
	default:
		return ""
	}
}
