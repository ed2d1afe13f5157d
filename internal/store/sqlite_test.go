package store

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cboydstun/bounce-v3-sub002/internal/queue"
)

func testActions(n int) []queue.QueuedAction {
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	actions := make([]queue.QueuedAction, 0, n)
	for i := 0; i < n; i++ {
		actions = append(actions, queue.QueuedAction{
			ID:           string(rune('a' + i)),
			Kind:         queue.KindClaimTask,
			EntityID:     "task-1",
			Payload:      json.RawMessage(`{"task_id":"task-1","contractor_id":"c-1"}`),
			Endpoint:     "/tasks/task-1/claim",
			Method:       "POST",
			RequiresAuth: true,
			Priority:     queue.PriorityHigh,
			Status:       queue.StatusPending,
			RetryCount:   i,
			CreatedAt:    created.Add(time.Duration(i) * time.Second),
			Seq:          uint64(i),
		})
	}
	return actions
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	want := testActions(5)
	if err := st.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	st.Close()

	// Simulated process restart: reopen the same file.
	st2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()

	got, err := st2.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d actions, got %d", len(want), len(got))
	}

	wantJSON, _ := queue.MarshalActions(want)
	gotJSON, _ := queue.MarshalActions(got)
	if string(wantJSON) != string(gotJSON) {
		t.Errorf("round trip mismatch:\nwant %s\ngot  %s", wantJSON, gotJSON)
	}
}

func TestSQLiteSaveReplacesList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer st.Close()

	if err := st.Save(testActions(5)); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	if err := st.Save(testActions(2)); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected latest snapshot of 2 actions, got %d", len(got))
	}
}

func TestSQLiteLoadMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer st.Close()

	got, err := st.Load()
	if err != nil {
		t.Fatalf("Load on empty store must not error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty list, got %d actions", len(got))
	}
}

func TestSQLiteLoadCorruptData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := st.Save(testActions(1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	st.Close()

	// Corrupt the persisted value behind the store's back.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE kv_store SET value = ?`, []byte("{{{ not json")); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}
	db.Close()

	st2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()

	got, err := st2.Load()
	if err != nil {
		t.Fatalf("Load of corrupt data must not error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected corrupt data to yield empty list, got %d actions", len(got))
	}
}

func TestMemoryStoreFailWith(t *testing.T) {
	st := NewMemoryStore()

	if err := st.Save(testActions(1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	st.FailWith(sql.ErrConnDone)
	if err := st.Save(testActions(1)); err == nil {
		t.Error("expected scripted failure")
	}

	st.FailWith(nil)
	got, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed after recovery: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 action, got %d", len(got))
	}
}
