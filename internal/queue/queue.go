// Package queue holds the in-memory action queue and its durable mirror.
// The queue owns the action list exclusively: every mutation is followed by a
// full-list write to the store, and restarts rebuild the queue from storage.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cboydstun/bounce-v3-sub002/internal/logger"
)

// Store is the durable mirror of the action list. Save replaces the whole
// persisted list atomically; Load restores it at startup.
type Store interface {
	Load() ([]QueuedAction, error)
	Save(actions []QueuedAction) error
}

// StatusProvider reports whether the device currently has connectivity.
type StatusProvider interface {
	Online() bool
}

// Counts summarizes the queue for status reads.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// ActionQueue is the ordered collection of pending actions. It never merges
// two enqueued actions; ordering and replay preserve user intent as a log.
type ActionQueue struct {
	mu      sync.Mutex
	actions []*QueuedAction
	store   Store
	network StatusProvider
	drain   func()
	seq     uint64
}

// NewActionQueue restores the queue from the store. A load failure yields an
// empty queue rather than an error: losing the mirror must not block startup.
func NewActionQueue(store Store, network StatusProvider) *ActionQueue {
	q := &ActionQueue{
		store:   store,
		network: network,
	}

	loaded, err := store.Load()
	if err != nil {
		logger.Log.Warn("Failed to restore action queue, starting empty", zap.Error(err))
		return q
	}

	for i := range loaded {
		a := loaded[i]
		// Actions interrupted mid-execution by a restart go back to pending.
		if a.Status == StatusProcessing {
			a.Status = StatusPending
		}
		if a.Seq >= q.seq {
			q.seq = a.Seq + 1
		}
		q.actions = append(q.actions, &a)
	}

	if len(q.actions) > 0 {
		logger.Log.Info("Restored action queue", zap.Int("actions", len(q.actions)))
	}
	return q
}

// SetDrainTrigger wires the fire-and-forget callback used to kick a sync pass
// after an enqueue or a failed-action retry while online.
func (q *ActionQueue) SetDrainTrigger(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drain = fn
}

// Enqueue appends a new action and persists the list before returning. When
// the device is online it also triggers a drain asynchronously; callers never
// wait for the drain itself.
func (q *ActionQueue) Enqueue(d Draft) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid action: %w", err)
	}

	q.mu.Lock()
	action := &QueuedAction{
		ID:           uuid.New().String(),
		Kind:         d.Kind,
		EntityID:     d.EntityID,
		Payload:      d.Payload,
		Endpoint:     d.Endpoint,
		Method:       d.Method,
		RequiresAuth: d.RequiresAuth,
		Priority:     d.Priority,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
		Seq:          q.seq,
	}
	q.seq++
	q.actions = append(q.actions, action)
	q.persistLocked()
	drain := q.drain
	online := q.network != nil && q.network.Online()
	q.mu.Unlock()

	logger.Log.Debug("Enqueued action",
		zap.String("id", action.ID),
		zap.String("kind", string(action.Kind)),
		zap.String("priority", string(action.Priority)),
	)

	if online && drain != nil {
		go drain()
	}
	return action.ID, nil
}

// Status returns current queue counts.
func (q *ActionQueue) Status() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Counts{Total: len(q.actions)}
	for _, a := range q.actions {
		switch a.Status {
		case StatusPending:
			c.Pending++
		case StatusProcessing:
			c.Processing++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Get returns a copy of the action with the given id.
func (q *ActionQueue) Get(id string) (QueuedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, a := range q.actions {
		if a.ID == id {
			return *a, true
		}
	}
	return QueuedAction{}, false
}

// List returns a copy of every queued action.
func (q *ActionQueue) List() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedAction, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, *a)
	}
	return out
}

// ClearFailed removes permanently failed actions from the queue and returns
// how many were dropped.
func (q *ActionQueue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.actions[:0]
	removed := 0
	for _, a := range q.actions {
		if a.Status == StatusFailed {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
	if removed > 0 {
		q.persistLocked()
	}
	return removed
}

// Clear removes every action that has not reached processing. Used on logout;
// an action already mid-execution is left to finish its current attempt.
func (q *ActionQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.actions[:0]
	removed := 0
	for _, a := range q.actions {
		if a.Status == StatusProcessing {
			kept = append(kept, a)
			continue
		}
		removed++
	}
	q.actions = kept
	if removed > 0 {
		q.persistLocked()
	}
	return removed
}

// RetryFailed moves failed actions back to pending with a fresh retry budget
// and triggers a drain when online.
func (q *ActionQueue) RetryFailed() int {
	q.mu.Lock()
	count := 0
	for _, a := range q.actions {
		if a.Status == StatusFailed {
			a.Status = StatusPending
			a.RetryCount = 0
			a.LastError = ""
			count++
		}
	}
	if count > 0 {
		q.persistLocked()
	}
	drain := q.drain
	online := q.network != nil && q.network.Online()
	q.mu.Unlock()

	if count > 0 && online && drain != nil {
		go drain()
	}
	return count
}

// PendingSorted returns copies of all pending actions ordered by priority
// (high first) and FIFO within a priority class. This is the single ordering
// guarantee the queue makes.
func (q *ActionQueue) PendingSorted() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []QueuedAction
	for _, a := range q.actions {
		if a.Status == StatusPending {
			pending = append(pending, *a)
		}
	}

	sortActions(pending)
	return pending
}

func sortActions(actions []QueuedAction) {
	// Insertion sort keeps this dependency-free and stable; queue sizes here
	// are tens of actions, not thousands.
	for i := 1; i < len(actions); i++ {
		for j := i; j > 0 && before(&actions[j], &actions[j-1]); j-- {
			actions[j], actions[j-1] = actions[j-1], actions[j]
		}
	}
}

func before(a, b *QueuedAction) bool {
	if a.Priority.weight() != b.Priority.weight() {
		return a.Priority.weight() > b.Priority.weight()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// MarkProcessing transitions an action to processing.
func (q *ActionQueue) MarkProcessing(id string) {
	q.transition(id, func(a *QueuedAction) {
		a.Status = StatusProcessing
	})
}

// MarkCompleted transitions an action to completed (terminal success).
func (q *ActionQueue) MarkCompleted(id string) {
	q.transition(id, func(a *QueuedAction) {
		a.Status = StatusCompleted
		a.LastError = ""
	})
}

// Requeue puts an action back to pending after a retryable failure.
func (q *ActionQueue) Requeue(id string, reason string) {
	q.transition(id, func(a *QueuedAction) {
		a.Status = StatusPending
		a.RetryCount++
		a.LastError = reason
	})
}

// MarkFailed transitions an action to failed (terminal).
func (q *ActionQueue) MarkFailed(id string, reason string) {
	q.transition(id, func(a *QueuedAction) {
		a.Status = StatusFailed
		a.LastError = reason
	})
}

// MarkPending returns an action to plain pending, clearing any error.
func (q *ActionQueue) MarkPending(id string) {
	q.transition(id, func(a *QueuedAction) {
		a.Status = StatusPending
		a.LastError = ""
	})
}

// Remove deletes an action outright (used when a conflict resolution decides
// the action must not execute).
func (q *ActionQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			q.persistLocked()
			return
		}
	}
}

// PruneCompleted drops completed actions after a drain pass.
func (q *ActionQueue) PruneCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.actions[:0]
	removed := 0
	for _, a := range q.actions {
		if a.Status == StatusCompleted {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
	q.persistLocked()
	return removed
}

func (q *ActionQueue) transition(id string, fn func(*QueuedAction)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, a := range q.actions {
		if a.ID == id {
			fn(a)
			q.persistLocked()
			return
		}
	}
}

// persistLocked mirrors the full list to the store. A write failure is logged
// and accepted: the in-memory queue keeps working, at the cost of possibly
// losing queued actions across a restart.
func (q *ActionQueue) persistLocked() {
	snapshot := make([]QueuedAction, 0, len(q.actions))
	for _, a := range q.actions {
		snapshot = append(snapshot, *a)
	}

	if err := q.store.Save(snapshot); err != nil {
		logger.Log.Warn("Failed to persist action queue", zap.Error(err))
	}
}

// MarshalActions serializes an action list the way the store persists it.
func MarshalActions(actions []QueuedAction) ([]byte, error) {
	return json.Marshal(actions)
}

// UnmarshalActions restores an action list from its persisted form.
func UnmarshalActions(data []byte) ([]QueuedAction, error) {
	var actions []QueuedAction
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("failed to decode persisted queue: %w", err)
	}
	return actions, nil
}
