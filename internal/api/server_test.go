package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"scanflow/internal/domain"
	"scanflow/internal/queue"
	"scanflow/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	st := store.New(db)
	pq := queue.New(domain.SchedulerBoefje, 0, st, nil)
	return NewServer(st, pq), st
}

func queueTask(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.PushQueued(context.Background(), domain.Task{
		ID:           id,
		SchedulerID:  domain.SchedulerBoefje,
		Organisation: "org-a",
		Type:         domain.TaskTypeBoefje,
		Hash:         "hash-" + id,
		Priority:     2,
		Status:       domain.StatusQueued,
		Data:         json.RawMessage(`{"id":"` + id + `","boefje":{"id":"nmap"},"input_ooi":"Hostname|internet|example.com","organization":"org-a"}`),
	})
	if err != nil {
		t.Fatalf("queue task: %v", err)
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.ContentLength = int64(len(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPopDispatchesQueuedTask(t *testing.T) {
	h, st := newTestServer(t)
	queueTask(t, st, "task-1")

	w := do(t, h, http.MethodPost, "/queues/boefje/pop", `{"limit":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Results []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "task-1" {
		t.Fatalf("results = %+v, want task-1", resp.Results)
	}

	got, err := st.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDispatched {
		t.Errorf("status after pop = %s, want dispatched", got.Status)
	}
}

func TestPopUnknownQueue(t *testing.T) {
	h, _ := newTestServer(t)
	if w := do(t, h, http.MethodPost, "/queues/nope/pop", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestPatchTaskLifecycle(t *testing.T) {
	h, st := newTestServer(t)
	queueTask(t, st, "task-1")
	do(t, h, http.MethodPost, "/queues/boefje/pop", `{"limit":1}`)

	if w := do(t, h, http.MethodPatch, "/tasks/task-1", `{"status":"running"}`); w.Code != http.StatusNoContent {
		t.Fatalf("patch to running = %d, want 204: %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPatch, "/tasks/task-1", `{"status":"completed"}`); w.Code != http.StatusNoContent {
		t.Fatalf("patch to completed = %d, want 204: %s", w.Code, w.Body.String())
	}

	// Terminal states are final.
	if w := do(t, h, http.MethodPatch, "/tasks/task-1", `{"status":"running"}`); w.Code != http.StatusConflict {
		t.Errorf("patch after terminal = %d, want 409", w.Code)
	}
}

func TestPatchTaskRejectsInvalidStatus(t *testing.T) {
	h, st := newTestServer(t)
	queueTask(t, st, "task-1")

	if w := do(t, h, http.MethodPatch, "/tasks/task-1", `{"status":"queued"}`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a runner-forbidden transition", w.Code)
	}
	if w := do(t, h, http.MethodPatch, "/tasks/missing", `{"status":"running"}`); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for an unknown task", w.Code)
	}
}
