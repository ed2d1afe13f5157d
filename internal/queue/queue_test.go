package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
	fail  error
}

func (s *fakeStore) Load() ([]QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	if s.data == nil {
		return nil, nil
	}
	return UnmarshalActions(s.data)
}

func (s *fakeStore) Save(actions []QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	data, err := MarshalActions(actions)
	if err != nil {
		return err
	}
	s.data = data
	s.saves++
	return nil
}

type fakeNetwork struct {
	mu     sync.Mutex
	online bool
}

func (n *fakeNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNetwork) set(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.online = online
}

func testDraft(kind Kind, priority Priority) Draft {
	return Draft{
		Kind:     kind,
		EntityID: "task-1",
		Payload:  json.RawMessage(`{"task_id":"task-1","contractor_id":"c-1"}`),
		Endpoint: "/tasks/task-1/claim",
		Method:   "POST",
		Priority: priority,
	}
}

func TestEnqueue(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	id, err := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty action id")
	}

	action, ok := q.Get(id)
	if !ok {
		t.Fatal("expected action to be queued")
	}
	if action.Status != StatusPending {
		t.Errorf("expected pending status, got %s", action.Status)
	}
	if action.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", action.RetryCount)
	}
	if action.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	cases := []struct {
		name  string
		draft Draft
	}{
		{"unknown kind", Draft{Kind: "reticulate", Endpoint: "/x", Method: "POST"}},
		{"missing endpoint", Draft{Kind: KindClaimTask, Method: "POST"}},
		{"missing method", Draft{Kind: KindClaimTask, Endpoint: "/x"}},
		{"bad priority", Draft{Kind: KindClaimTask, Endpoint: "/x", Method: "POST", Priority: "urgent"}},
	}

	for _, tc := range cases {
		if _, err := q.Enqueue(tc.draft); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestEnqueuePersistsBeforeReturning(t *testing.T) {
	st := &fakeStore{}
	q := NewActionQueue(st, &fakeNetwork{})

	if _, err := q.Enqueue(testDraft(KindClaimTask, PriorityMedium)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	st.mu.Lock()
	saves := st.saves
	st.mu.Unlock()
	if saves != 1 {
		t.Errorf("expected 1 save before Enqueue returns, got %d", saves)
	}
}

func TestEnqueueOfflineDoesNotTriggerDrain(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{online: false})

	drained := make(chan struct{}, 1)
	q.SetDrainTrigger(func() { drained <- struct{}{} })

	if _, err := q.Enqueue(testDraft(KindClaimTask, PriorityMedium)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-drained:
		t.Fatal("drain must not fire while offline")
	case <-time.After(50 * time.Millisecond):
	}

	action := q.PendingSorted()
	if len(action) != 1 {
		t.Fatalf("expected action to stay pending, got %d pending", len(action))
	}
}

func TestEnqueueOnlineTriggersDrain(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{online: true})

	drained := make(chan struct{}, 1)
	q.SetDrainTrigger(func() { drained <- struct{}{} })

	if _, err := q.Enqueue(testDraft(KindClaimTask, PriorityMedium)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("expected drain to fire after online enqueue")
	}
}

func TestPendingSortedPriorityOrder(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	lowID, _ := q.Enqueue(testDraft(KindLocationUpdate, PriorityLow))
	highID, _ := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	medID, _ := q.Enqueue(testDraft(KindUpdateProfile, PriorityMedium))

	pending := q.PendingSorted()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending actions, got %d", len(pending))
	}
	if pending[0].ID != highID || pending[1].ID != medID || pending[2].ID != lowID {
		t.Errorf("wrong order: got %s, %s, %s", pending[0].Priority, pending[1].Priority, pending[2].Priority)
	}
}

func TestPendingSortedFIFOWithinPriority(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := q.Enqueue(testDraft(KindLocationUpdate, PriorityMedium))
		ids = append(ids, id)
	}

	pending := q.PendingSorted()
	for i, want := range ids {
		if pending[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, pending[i].ID)
		}
	}
}

func TestStatusCounts(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	a, _ := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	b, _ := q.Enqueue(testDraft(KindUpdateProfile, PriorityLow))
	q.Enqueue(testDraft(KindLocationUpdate, PriorityLow))

	q.MarkProcessing(a)
	q.MarkFailed(b, "boom")

	counts := q.Status()
	if counts.Pending != 1 || counts.Processing != 1 || counts.Failed != 1 || counts.Total != 3 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestRetryFailedResetsRetryCount(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	id, _ := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	q.Requeue(id, "first failure")
	q.Requeue(id, "second failure")
	q.MarkFailed(id, "gave up")

	if n := q.RetryFailed(); n != 1 {
		t.Fatalf("expected 1 retried action, got %d", n)
	}

	action, _ := q.Get(id)
	if action.Status != StatusPending {
		t.Errorf("expected pending, got %s", action.Status)
	}
	if action.RetryCount != 0 {
		t.Errorf("expected retry count reset to 0, got %d", action.RetryCount)
	}
}

func TestClearFailedRemovesActions(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	id, _ := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	keep, _ := q.Enqueue(testDraft(KindUpdateProfile, PriorityLow))
	q.MarkFailed(id, "boom")

	if n := q.ClearFailed(); n != 1 {
		t.Fatalf("expected 1 cleared action, got %d", n)
	}
	if _, ok := q.Get(id); ok {
		t.Error("expected failed action to be removed")
	}
	if _, ok := q.Get(keep); !ok {
		t.Error("expected pending action to survive")
	}
}

func TestClearSparesProcessing(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	pendingID, _ := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	failedID, _ := q.Enqueue(testDraft(KindUpdateProfile, PriorityLow))
	inFlightID, _ := q.Enqueue(testDraft(KindLocationUpdate, PriorityLow))
	q.MarkFailed(failedID, "boom")
	q.MarkProcessing(inFlightID)

	if n := q.Clear(); n != 2 {
		t.Fatalf("expected 2 cleared actions, got %d", n)
	}
	if _, ok := q.Get(pendingID); ok {
		t.Error("pending action should be cleared")
	}
	if _, ok := q.Get(failedID); ok {
		t.Error("failed action should be cleared")
	}
	if _, ok := q.Get(inFlightID); !ok {
		t.Error("in-flight action must be spared")
	}
}

func TestPruneCompleted(t *testing.T) {
	q := NewActionQueue(&fakeStore{}, &fakeNetwork{})

	done, _ := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	keep, _ := q.Enqueue(testDraft(KindUpdateProfile, PriorityLow))
	q.MarkCompleted(done)

	if n := q.PruneCompleted(); n != 1 {
		t.Fatalf("expected 1 pruned action, got %d", n)
	}
	if _, ok := q.Get(done); ok {
		t.Error("expected completed action to be pruned")
	}
	if _, ok := q.Get(keep); !ok {
		t.Error("expected pending action to survive")
	}
}

func TestRestartRestoresQueue(t *testing.T) {
	st := &fakeStore{}
	q := NewActionQueue(st, &fakeNetwork{})

	id, _ := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	q.MarkProcessing(id)

	// Simulated restart: a new queue over the same store.
	restored := NewActionQueue(st, &fakeNetwork{})
	action, ok := restored.Get(id)
	if !ok {
		t.Fatal("expected action to survive restart")
	}
	if action.Status != StatusPending {
		t.Errorf("interrupted action should be pending after restart, got %s", action.Status)
	}
}

func TestSeqContinuesAfterRestart(t *testing.T) {
	st := &fakeStore{}
	q := NewActionQueue(st, &fakeNetwork{})

	q.Enqueue(testDraft(KindLocationUpdate, PriorityMedium))
	lastID, _ := q.Enqueue(testDraft(KindLocationUpdate, PriorityMedium))
	last, _ := q.Get(lastID)

	restored := NewActionQueue(st, &fakeNetwork{})
	newID, _ := restored.Enqueue(testDraft(KindLocationUpdate, PriorityMedium))
	added, _ := restored.Get(newID)

	if added.Seq <= last.Seq {
		t.Errorf("expected seq to keep growing after restart: %d <= %d", added.Seq, last.Seq)
	}
}

func TestPersistenceFailureDoesNotBlockQueue(t *testing.T) {
	st := &fakeStore{fail: errors.New("disk full")}
	q := NewActionQueue(st, &fakeNetwork{})

	id, err := q.Enqueue(testDraft(KindClaimTask, PriorityHigh))
	if err != nil {
		t.Fatalf("Enqueue must tolerate a failing store: %v", err)
	}
	if _, ok := q.Get(id); !ok {
		t.Error("expected in-memory queue to advance despite store failure")
	}
}

func TestDecodePayloads(t *testing.T) {
	claim := QueuedAction{ID: "a", Payload: json.RawMessage(`{"task_id":"t1","contractor_id":"c1"}`)}
	p, err := claim.DecodeClaimPayload()
	if err != nil {
		t.Fatalf("DecodeClaimPayload failed: %v", err)
	}
	if p.TaskID != "t1" || p.ContractorID != "c1" {
		t.Errorf("unexpected claim payload: %+v", p)
	}

	status := QueuedAction{ID: "b", Payload: json.RawMessage(`{"task_id":"t1","target_status":"in_progress"}`)}
	sp, err := status.DecodeStatusPayload()
	if err != nil {
		t.Fatalf("DecodeStatusPayload failed: %v", err)
	}
	if sp.TargetStatus != "in_progress" {
		t.Errorf("unexpected status payload: %+v", sp)
	}

	bad := QueuedAction{ID: "c", Payload: json.RawMessage(`not json`)}
	if _, err := bad.DecodeProfilePayload(); err == nil {
		t.Error("expected error for malformed payload")
	}
}
