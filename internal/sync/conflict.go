package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cboydstun/bounce-v3-sub002/internal/logger"
	"github.com/cboydstun/bounce-v3-sub002/internal/queue"
	"github.com/cboydstun/bounce-v3-sub002/internal/transport"
)

// remoteTask is the slice of the remote task representation the detector
// compares against.
type remoteTask struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	AssignedTo string    `json:"assigned_to"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Detector inspects remote state before a mutating action executes and
// reports whether the action's assumption still holds.
type Detector struct {
	transport transport.Transport
}

func NewDetector(t transport.Transport) *Detector {
	return &Detector{transport: t}
}

// Detect fetches the current remote representation of the action's entity and
// applies kind-specific rules. Creation-type and append-only kinds never
// conflict. A failed status fetch yields no conflict: absence of information
// is not treated as divergence.
func (d *Detector) Detect(ctx context.Context, action *queue.QueuedAction) *Conflict {
	switch action.Kind {
	case queue.KindClaimTask:
		return d.detectClaim(ctx, action)
	case queue.KindUpdateTaskStatus:
		return d.detectStatus(ctx, action)
	case queue.KindUpdateProfile:
		return d.detectProfile(ctx, action)
	default:
		return nil
	}
}

func (d *Detector) fetch(ctx context.Context, path string) (json.RawMessage, bool) {
	resp, err := d.transport.Execute(ctx, &transport.Request{
		Method:       http.MethodGet,
		Path:         path,
		RequiresAuth: true,
	})
	if err != nil {
		logger.Log.Debug("Conflict detection fetch failed, assuming no conflict",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, false
	}
	return resp.Body, true
}

func (d *Detector) detectClaim(ctx context.Context, action *queue.QueuedAction) *Conflict {
	payload, err := action.DecodeClaimPayload()
	if err != nil {
		return nil
	}

	body, ok := d.fetch(ctx, "/tasks/"+action.EntityID)
	if !ok {
		return nil
	}

	var task remoteTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil
	}

	if task.AssignedTo == "" || task.AssignedTo == payload.ContractorID {
		return nil
	}

	return newConflict(ConflictConcurrent, action, body)
}

func (d *Detector) detectStatus(ctx context.Context, action *queue.QueuedAction) *Conflict {
	payload, err := action.DecodeStatusPayload()
	if err != nil {
		return nil
	}

	body, ok := d.fetch(ctx, "/tasks/"+action.EntityID)
	if !ok {
		return nil
	}

	var task remoteTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil
	}

	// The remote status must be either the step this update departs from or
	// the target itself (the update already landed). Anything else diverged.
	expected := workflowPredecessor(payload.TargetStatus)
	if task.Status == expected || task.Status == payload.TargetStatus {
		return nil
	}

	return newConflict(ConflictData, action, body)
}

func (d *Detector) detectProfile(ctx context.Context, action *queue.QueuedAction) *Conflict {
	body, ok := d.fetch(ctx, "/contractors/"+action.EntityID)
	if !ok {
		return nil
	}

	var profile struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil
	}

	// A remote edit newer than this action's creation means the local write
	// was built on a stale snapshot.
	if !profile.UpdatedAt.After(action.CreatedAt) {
		return nil
	}

	return newConflict(ConflictVersion, action, body)
}

func newConflict(kind ConflictKind, action *queue.QueuedAction, remote json.RawMessage) *Conflict {
	return &Conflict{
		ID:         "conflict-" + action.ID,
		Kind:       kind,
		ActionID:   action.ID,
		ActionKind: action.Kind,
		LocalData:  action.Payload,
		RemoteData: remote,
		DetectedAt: time.Now(),
	}
}

// bookkeeping fields never overwritten by a merge
var mergeExcludedFields = map[string]bool{
	"updated_at": true,
	"updatedAt":  true,
	"version":    true,
}

// Resolver turns a detected conflict into the action actually executed.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve applies the default strategy for the conflict kind:
// concurrent claims go server-wins, status races compare workflow positions,
// stale profile writes merge field by field.
func (r *Resolver) Resolve(conflict *Conflict, action *queue.QueuedAction) (Resolution, error) {
	switch conflict.Kind {
	case ConflictConcurrent:
		return r.Apply(StrategyServerWins, conflict, action)
	case ConflictData:
		return r.resolveStatusRace(conflict, action)
	case ConflictVersion:
		return r.Apply(StrategyMerge, conflict, action)
	default:
		return Resolution{}, fmt.Errorf("unknown conflict kind %q", conflict.Kind)
	}
}

// Apply executes a specific strategy, for both the automatic defaults and
// on-demand manual resolution.
func (r *Resolver) Apply(strategy Strategy, conflict *Conflict, action *queue.QueuedAction) (Resolution, error) {
	switch strategy {
	case StrategyServerWins:
		return Resolution{Decision: DecisionSkip, Strategy: strategy}, nil
	case StrategyClientWins:
		return Resolution{Decision: DecisionExecuteOriginal, Strategy: strategy}, nil
	case StrategyMerge:
		merged, err := r.mergeProfile(conflict, action)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Decision: DecisionExecuteMerged, Strategy: strategy, Payload: merged}, nil
	default:
		return Resolution{}, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// resolveStatusRace compares the positions of the remote status and the local
// target within the canonical workflow. A remote already further along wins;
// otherwise the local update proceeds.
func (r *Resolver) resolveStatusRace(conflict *Conflict, action *queue.QueuedAction) (Resolution, error) {
	payload, err := action.DecodeStatusPayload()
	if err != nil {
		return Resolution{}, err
	}

	var task remoteTask
	if err := json.Unmarshal(conflict.RemoteData, &task); err != nil {
		return Resolution{}, fmt.Errorf("invalid remote snapshot for conflict %s: %w", conflict.ID, err)
	}

	if workflowPosition(task.Status) >= workflowPosition(payload.TargetStatus) {
		return r.Apply(StrategyServerWins, conflict, action)
	}
	return r.Apply(StrategyClientWins, conflict, action)
}

// mergeProfile starts from the remote snapshot and overlays every locally
// changed field except the bookkeeping ones, so a concurrent remote edit to a
// different field survives the local write.
func (r *Resolver) mergeProfile(conflict *Conflict, action *queue.QueuedAction) (json.RawMessage, error) {
	payload, err := action.DecodeProfilePayload()
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	if err := json.Unmarshal(conflict.RemoteData, &merged); err != nil {
		return nil, fmt.Errorf("invalid remote snapshot for conflict %s: %w", conflict.ID, err)
	}

	for field, value := range payload.Fields {
		if mergeExcludedFields[field] {
			continue
		}
		merged[field] = value
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return data, nil
}
