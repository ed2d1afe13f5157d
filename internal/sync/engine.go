// Package sync drains the offline action queue against the remote service,
// detecting and resolving conflicts along the way.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cboydstun/bounce-v3-sub002/internal/logger"
	"github.com/cboydstun/bounce-v3-sub002/internal/network"
	"github.com/cboydstun/bounce-v3-sub002/internal/queue"
	"github.com/cboydstun/bounce-v3-sub002/internal/transport"
)

// ResolutionMode selects whether detected conflicts are resolved
// automatically or parked for an explicit ResolveConflict call.
type ResolutionMode string

const (
	ResolutionAuto   ResolutionMode = "auto"
	ResolutionManual ResolutionMode = "manual"
)

// Options tune the engine.
type Options struct {
	// MaxRetries bounds retryable failures per action. Zero means the
	// default of 3 (4 attempts total).
	MaxRetries int
	// Mode selects automatic or manual conflict resolution.
	Mode ResolutionMode
}

// Engine owns the drain: it orders pending actions, runs conflict detection
// and resolution, executes through the transport, and applies the retry
// policy. It is the only component that transitions action status, and only
// while a drain is running.
type Engine struct {
	queue      *queue.ActionQueue
	transport  transport.Transport
	observer   *network.Observer
	detector   *Detector
	resolver   *Resolver
	maxRetries int
	mode       ResolutionMode

	mu                sync.Mutex
	draining          bool
	suspended         map[string]string // action ID -> conflict ID
	conflicts         map[string]*Conflict
	syncListeners     []func(*Result)
	conflictListeners []func([]*Conflict)
}

func NewEngine(q *queue.ActionQueue, t transport.Transport, obs *network.Observer, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Mode == "" {
		opts.Mode = ResolutionAuto
	}

	return &Engine{
		queue:      q,
		transport:  t,
		observer:   obs,
		detector:   NewDetector(t),
		resolver:   NewResolver(),
		maxRetries: opts.MaxRetries,
		mode:       opts.Mode,
		suspended:  make(map[string]string),
		conflicts:  make(map[string]*Conflict),
	}
}

// Bind wires the engine into the queue's drain trigger and the network
// observer's offline-to-online transition.
func (e *Engine) Bind() {
	e.queue.SetDrainTrigger(func() {
		e.ProcessQueue(context.Background())
	})

	wasOnline := e.observer.Online()
	e.observer.OnChange(func(status network.Status) {
		cameOnline := status.Online && !wasOnline
		wasOnline = status.Online
		if cameOnline {
			go e.ProcessQueue(context.Background())
		}
	})
}

// OnSync registers a listener for batch results.
func (e *Engine) OnSync(fn func(*Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncListeners = append(e.syncListeners, fn)
}

// OnConflict registers a listener invoked with the full unresolved-conflict
// list whenever it changes.
func (e *Engine) OnConflict(fn func([]*Conflict)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflictListeners = append(e.conflictListeners, fn)
}

// Conflicts returns the current unresolved conflicts.
func (e *Engine) Conflicts() []*Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflictListLocked()
}

func (e *Engine) conflictListLocked() []*Conflict {
	out := make([]*Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	return out
}

// ProcessQueue runs one drain pass. If a drain is already in flight or the
// device is offline it returns a zero-valued result immediately; the next
// enqueue or online transition re-triggers naturally, so drain requests are
// never queued.
func (e *Engine) ProcessQueue(ctx context.Context) *Result {
	e.mu.Lock()
	if e.draining || !e.observer.Online() {
		e.mu.Unlock()
		return &Result{}
	}
	e.draining = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	pending := e.queue.PendingSorted()
	if len(pending) == 0 {
		return &Result{}
	}

	logger.Log.Info("Draining action queue", zap.Int("pending", len(pending)))
	start := time.Now()
	result := &Result{}

	// Strictly sequential: resolution for one action can depend on the
	// server effects of an earlier action against the same entity.
	for i := range pending {
		action := pending[i]
		if e.isSuspended(action.ID) {
			continue
		}
		e.processAction(ctx, &action, result)
	}

	pruned := e.queue.PruneCompleted()

	logger.Log.Info("Drain complete",
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Int("pruned", pruned),
		zap.Duration("took", time.Since(start)),
	)

	e.emitSync(result)
	return result
}

func (e *Engine) isSuspended(actionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.suspended[actionID]
	return ok
}

func (e *Engine) processAction(ctx context.Context, action *queue.QueuedAction, result *Result) {
	e.queue.MarkProcessing(action.ID)

	conflict := e.detector.Detect(ctx, action)
	if conflict != nil {
		if e.mode == ResolutionManual {
			e.parkConflict(conflict, action)
			return
		}

		resolution, err := e.resolver.Resolve(conflict, action)
		if err != nil {
			// Unresolvable payloads will not self-heal; fail terminally.
			e.fail(action, result, fmt.Sprintf("conflict resolution: %v", err))
			return
		}
		e.applyResolution(ctx, resolution, conflict, action, result)
		return
	}

	if err := e.execute(ctx, action, action.Payload); err != nil {
		e.classifyFailure(action, result, err)
		return
	}

	e.queue.MarkCompleted(action.ID)
	result.Success++
}

// applyResolution carries out the resolver's verdict during a drain pass.
func (e *Engine) applyResolution(ctx context.Context, res Resolution, conflict *Conflict, action *queue.QueuedAction, result *Result) {
	logger.Log.Info("Conflict resolved",
		zap.String("conflict", conflict.ID),
		zap.String("kind", string(conflict.Kind)),
		zap.String("strategy", string(res.Strategy)),
	)

	switch res.Decision {
	case DecisionSkip:
		// The remote state stands; the local action is superseded, not failed.
		e.queue.MarkCompleted(action.ID)
		result.Success++
	case DecisionExecuteOriginal:
		if err := e.execute(ctx, action, action.Payload); err != nil {
			e.classifyFailure(action, result, err)
			return
		}
		e.queue.MarkCompleted(action.ID)
		result.Success++
	case DecisionExecuteMerged:
		if err := e.execute(ctx, action, res.Payload); err != nil {
			e.classifyFailure(action, result, err)
			return
		}
		e.queue.MarkCompleted(action.ID)
		result.Success++
	}
}

// parkConflict records a conflict for manual resolution. The action returns
// to pending but is suspended from future drains until resolved.
func (e *Engine) parkConflict(conflict *Conflict, action *queue.QueuedAction) {
	e.queue.MarkPending(action.ID)

	e.mu.Lock()
	e.conflicts[conflict.ID] = conflict
	e.suspended[action.ID] = conflict.ID
	listeners := make([]func([]*Conflict), len(e.conflictListeners))
	copy(listeners, e.conflictListeners)
	list := e.conflictListLocked()
	e.mu.Unlock()

	logger.Log.Warn("Conflict awaiting manual resolution",
		zap.String("conflict", conflict.ID),
		zap.String("kind", string(conflict.Kind)),
		zap.String("action", action.ID),
	)

	for _, fn := range listeners {
		fn(list)
	}
}

// ResolveConflict applies a strategy to a parked conflict on demand, executes
// whatever the strategy decides, and removes the conflict.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy Strategy) error {
	e.mu.Lock()
	conflict, ok := e.conflicts[conflictID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("conflict %s not found", conflictID)
	}

	action, ok := e.queue.Get(conflict.ActionID)
	if !ok {
		e.dropConflict(conflict)
		return fmt.Errorf("action %s for conflict %s no longer queued", conflict.ActionID, conflictID)
	}

	resolution, err := e.resolver.Apply(strategy, conflict, &action)
	if err != nil {
		return err
	}

	switch resolution.Decision {
	case DecisionSkip:
		e.queue.Remove(action.ID)
	case DecisionExecuteOriginal:
		if err := e.execute(ctx, &action, action.Payload); err != nil {
			return fmt.Errorf("failed to execute action %s: %w", action.ID, err)
		}
		e.queue.Remove(action.ID)
	case DecisionExecuteMerged:
		if err := e.execute(ctx, &action, resolution.Payload); err != nil {
			return fmt.Errorf("failed to execute merged action %s: %w", action.ID, err)
		}
		e.queue.Remove(action.ID)
	}

	e.dropConflict(conflict)
	return nil
}

func (e *Engine) dropConflict(conflict *Conflict) {
	e.mu.Lock()
	delete(e.conflicts, conflict.ID)
	delete(e.suspended, conflict.ActionID)
	listeners := make([]func([]*Conflict), len(e.conflictListeners))
	copy(listeners, e.conflictListeners)
	list := e.conflictListLocked()
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(list)
	}
}

func (e *Engine) execute(ctx context.Context, action *queue.QueuedAction, payload []byte) error {
	req := &transport.Request{
		Method:       action.Method,
		Path:         action.Endpoint,
		RequiresAuth: action.RequiresAuth,
	}
	if len(payload) > 0 {
		req.Body = json.RawMessage(payload)
	}

	_, err := e.transport.Execute(ctx, req)
	return err
}

// classifyFailure applies the retry policy to a failed execution: retries are
// bounded, payload-level 4xx errors are terminal immediately, and auth or
// server-side failures stay retryable.
func (e *Engine) classifyFailure(action *queue.QueuedAction, result *Result, err error) {
	if action.RetryCount >= e.maxRetries {
		e.fail(action, result, fmt.Sprintf("retry limit reached: %v", err))
		return
	}

	status := transport.StatusCode(err)
	if status >= 400 && status < 500 && status != 401 && status != 403 {
		e.fail(action, result, err.Error())
		return
	}

	// 401/403, 5xx, or no response at all: retryable on a later drain.
	e.queue.Requeue(action.ID, err.Error())
	result.Failed++
	result.Errors = append(result.Errors, ActionError{
		ActionID: action.ID,
		Kind:     action.Kind,
		Message:  err.Error(),
	})

	logger.Log.Warn("Action failed, will retry",
		zap.String("action", action.ID),
		zap.String("kind", string(action.Kind)),
		zap.Int("retry_count", action.RetryCount+1),
		zap.Error(err),
	)
}

func (e *Engine) fail(action *queue.QueuedAction, result *Result, reason string) {
	e.queue.MarkFailed(action.ID, reason)
	result.Failed++
	result.Errors = append(result.Errors, ActionError{
		ActionID: action.ID,
		Kind:     action.Kind,
		Message:  reason,
	})

	logger.Log.Error("Action failed permanently",
		zap.String("action", action.ID),
		zap.String("kind", string(action.Kind)),
		zap.String("reason", reason),
	)
}

func (e *Engine) emitSync(result *Result) {
	e.mu.Lock()
	listeners := make([]func(*Result), len(e.syncListeners))
	copy(listeners, e.syncListeners)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(result)
	}
}
