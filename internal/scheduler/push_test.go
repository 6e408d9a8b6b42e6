package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
)

func TestPushCreatesQueuedTaskAndSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.catalog.plugins["nmap|org-a"] = ptrPlugin(enabledPlugin("nmap", 2, "Hostname"))

	bt := domain.BoefjeTask{
		Boefje:       domain.Boefje{ID: "nmap"},
		InputOOI:     "Hostname|internet|example.com",
		Organisation: "org-a",
	}
	if err := env.sched.pushBoefjeTask(ctx, bt, true, "test"); err != nil {
		t.Fatalf("push: %v", err)
	}

	tasks := env.tasksByHash(t, bt.Hash())
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if tasks[0].Status != domain.StatusQueued {
		t.Errorf("status = %s, want queued", tasks[0].Status)
	}

	sch, err := env.store.ScheduleByHash(ctx, domain.SchedulerBoefje, bt.Hash())
	if err != nil {
		t.Fatalf("schedule by hash: %v", err)
	}
	if !sch.Enabled {
		t.Error("created schedule should be enabled")
	}
	if !sch.DeadlineAt.After(time.Now().Add(-time.Minute)) {
		t.Errorf("deadline %v should be in the future", sch.DeadlineAt)
	}

	full, err := env.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if full.ScheduleID == nil || *full.ScheduleID != sch.ID {
		t.Errorf("ScheduleID = %v, want %q", full.ScheduleID, sch.ID)
	}
}

func TestPushSkipsWhenAlreadyQueued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bt := domain.BoefjeTask{Boefje: domain.Boefje{ID: "nmap"}, InputOOI: "h1", Organisation: "org-a"}
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatalf("second push: %v", err)
	}
	if got := len(env.tasksByHash(t, bt.Hash())); got != 1 {
		t.Fatalf("got %d tasks, want 1", got)
	}
}

// N concurrent submissions of the same candidate must produce exactly one
// queued task.
func TestConcurrentDuplicateCandidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bt := domain.BoefjeTask{Boefje: domain.Boefje{ID: "nmap"}, InputOOI: "h1", Organisation: "org-a"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.sched.pushBoefjeTask(ctx, bt, false, "test")
		}()
	}
	wg.Wait()

	if got := env.countTasks(t, domain.StatusQueued); got != 1 {
		t.Fatalf("got %d queued tasks, want exactly 1", got)
	}
}

func TestGracePeriodSuppressesRepeatWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bt := domain.BoefjeTask{Boefje: domain.Boefje{ID: "nmap"}, InputOOI: "h1", Organisation: "org-a"}
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatal(err)
	}

	// The task ran and completed moments ago.
	first := env.tasksByHash(t, bt.Hash())[0]
	if err := env.store.UpdateTaskStatus(ctx, first.ID, domain.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	ended := time.Now().UTC()
	started := ended.Add(-time.Minute)
	env.results.runs["nmap|h1|org-a"] = &domain.RunState{ID: "run-1", StartedAt: &started, EndedAt: &ended}

	// Within the grace period: no new task.
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatalf("push inside grace period: %v", err)
	}
	if got := len(env.tasksByHash(t, bt.Hash())); got != 1 {
		t.Fatalf("got %d tasks inside grace period, want 1", got)
	}

	// After the grace period elapses: a second task is queued.
	env.sched.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatalf("push after grace period: %v", err)
	}
	if got := len(env.tasksByHash(t, bt.Hash())); got != 2 {
		t.Fatalf("got %d tasks after grace period, want 2", got)
	}
}

func TestStalledTaskRecovered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bt := domain.BoefjeTask{Boefje: domain.Boefje{ID: "nmap"}, InputOOI: "h1", Organisation: "org-a"}
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatal(err)
	}
	first := env.tasksByHash(t, bt.Hash())[0]
	if err := env.store.UpdateTaskStatus(ctx, first.ID, domain.StatusDispatched); err != nil {
		t.Fatal(err)
	}
	env.ageTask(t, first.ID, 2*time.Hour)

	ended := time.Now().UTC().Add(-3 * time.Hour)
	started := ended.Add(-time.Minute)
	env.results.runs["nmap|h1|org-a"] = &domain.RunState{ID: "run-1", StartedAt: &started, EndedAt: &ended}

	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatalf("push over stalled task: %v", err)
	}

	tasks := env.tasksByHash(t, bt.Hash())
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want stalled + fresh", len(tasks))
	}
	recovered, err := env.store.GetTask(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if recovered.Status != domain.StatusFailed {
		t.Errorf("stalled task status = %s, want failed", recovered.Status)
	}
	if got := env.countTasks(t, domain.StatusQueued); got != 1 {
		t.Errorf("got %d queued tasks, want 1 fresh replacement", got)
	}
}

// A task that claims completion with no run in the results store inside
// the grace window is a consistency violation, surfaced loudly.
func TestCompletedWithoutResultsIsFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Plugin with a short interval so the repeat-run check passes while
	// the global grace window is still open.
	plugin := enabledPlugin("nmap", 2, "Hostname")
	plugin.Interval = 1
	env.catalog.plugins["nmap|org-a"] = &plugin

	bt := domain.BoefjeTask{Boefje: domain.Boefje{ID: "nmap"}, InputOOI: "h1", Organisation: "org-a"}
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatal(err)
	}
	first := env.tasksByHash(t, bt.Hash())[0]
	if err := env.store.UpdateTaskStatus(ctx, first.ID, domain.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	env.ageTask(t, first.ID, 5*time.Minute)

	err := env.sched.pushBoefjeTask(ctx, bt, false, "test")
	if !errors.Is(err, ErrResultsInconsistent) {
		t.Fatalf("err = %v, want ErrResultsInconsistent", err)
	}
	if got := env.countTasks(t, domain.StatusQueued); got != 0 {
		t.Errorf("got %d queued tasks, want none after consistency violation", got)
	}
}

func TestCrossOrganisationFanOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plugin := enabledPlugin("nmap", 2, "Hostname")
	env.catalog.plugins["nmap|org-a"] = &plugin
	env.catalog.configs["nmap|org-a"] = []domain.BoefjeConfig{{
		BoefjeID:     "nmap",
		Organisation: "org-a",
		Enabled:      true,
		Duplicates: []domain.DuplicateConfig{
			{Organisation: "org-a"},
			{Organisation: "org-b"},
		},
	}}
	env.graph.clients["org-b"] = leveledOOI("Hostname|internet|shared.example", "Hostname", 2)

	bt := domain.BoefjeTask{
		ID:           "original-task",
		Boefje:       domain.Boefje{ID: "nmap"},
		InputOOI:     "Hostname|internet|shared.example",
		Organisation: "org-a",
	}
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatalf("push: %v", err)
	}

	rows, err := env.store.DB().Query(
		`SELECT organisation, deduplication_key FROM tasks WHERE status='queued'`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	keys := map[string]string{}
	for rows.Next() {
		var org, key string
		if err := rows.Scan(&org, &key); err != nil {
			t.Fatal(err)
		}
		keys[org] = key
	}
	if len(keys) != 2 {
		t.Fatalf("got tasks for %d organisations, want org-a and org-b", len(keys))
	}
	if keys["org-a"] != "original-task" || keys["org-b"] != "original-task" {
		t.Errorf("deduplication keys = %v, want both equal to the original task id", keys)
	}
}

func TestFanOutRespectsPermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plugin := enabledPlugin("nmap", 2, "Hostname")
	env.catalog.plugins["nmap|org-a"] = &plugin
	env.catalog.configs["nmap|org-a"] = []domain.BoefjeConfig{{
		BoefjeID:     "nmap",
		Organisation: "org-a",
		Enabled:      true,
		Duplicates:   []domain.DuplicateConfig{{Organisation: "org-b"}},
	}}
	// org-b's copy has insufficient clearance.
	env.graph.clients["org-b"] = leveledOOI("Hostname|internet|shared.example", "Hostname", 1)

	bt := domain.BoefjeTask{
		Boefje:       domain.Boefje{ID: "nmap"},
		InputOOI:     "Hostname|internet|shared.example",
		Organisation: "org-a",
	}
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := env.countTasks(t, domain.StatusQueued); got != 1 {
		t.Fatalf("got %d queued tasks, want only the org-a task", got)
	}
}

// A refused sibling push must be logged under the sibling's own
// fingerprint and organisation, not the originating candidate's.
func TestFanOutSkipNamesRefusedSibling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plugin := enabledPlugin("nmap", 2, "Hostname")
	env.catalog.plugins["nmap|org-a"] = &plugin
	env.catalog.configs["nmap|org-a"] = []domain.BoefjeConfig{{
		BoefjeID:     "nmap",
		Organisation: "org-a",
		Enabled:      true,
		Duplicates:   []domain.DuplicateConfig{{Organisation: "org-b"}},
	}}
	env.graph.clients["org-b"] = leveledOOI("Hostname|internet|shared.example", "Hostname", 2)

	// org-b already has an active task for the same content, so the
	// fan-out sibling will be refused.
	already := domain.BoefjeTask{
		Boefje:       domain.Boefje{ID: "nmap"},
		InputOOI:     "Hostname|internet|shared.example",
		Organisation: "org-b",
	}
	if err := env.sched.pushBoefjeTask(ctx, already, false, "test"); err != nil {
		t.Fatalf("seed org-b task: %v", err)
	}

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	bt := domain.BoefjeTask{
		Boefje:       domain.Boefje{ID: "nmap"},
		InputOOI:     "Hostname|internet|shared.example",
		Organisation: "org-a",
	}
	if err := env.sched.pushBoefjeTask(ctx, bt, false, "test"); err != nil {
		t.Fatalf("push: %v", err)
	}

	var skipLine string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "candidate task skipped") {
			skipLine = line
			break
		}
	}
	if skipLine == "" {
		t.Fatal("no skip was logged for the refused sibling")
	}
	if !strings.Contains(skipLine, `"organisation_id":"org-b"`) {
		t.Errorf("skip log names the wrong organisation: %s", skipLine)
	}
	if !strings.Contains(skipLine, already.Hash()) {
		t.Errorf("skip log names the wrong fingerprint: %s", skipLine)
	}
}

func ptrPlugin(p domain.Plugin) *domain.Plugin { return &p }
