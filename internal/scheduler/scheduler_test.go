package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"scanflow/internal/config"
	"scanflow/internal/domain"
	"scanflow/internal/queue"
	"scanflow/internal/store"
)

type fakeCatalog struct {
	orgs      []domain.Organisation
	orgsErr   error
	byTypeOrg map[string][]domain.Plugin // objectType|org
	newByOrg  map[string][]domain.Plugin
	plugins   map[string]*domain.Plugin // id|org
	pluginErr error
	configs   map[string][]domain.BoefjeConfig // boefjeID|org
}

func (f *fakeCatalog) BoefjesByTypeAndOrg(_ context.Context, objectType, org string) ([]domain.Plugin, error) {
	return f.byTypeOrg[objectType+"|"+org], nil
}

func (f *fakeCatalog) Organisations(context.Context) ([]domain.Organisation, error) {
	return f.orgs, f.orgsErr
}

func (f *fakeCatalog) NewBoefjesByOrg(_ context.Context, org string) ([]domain.Plugin, error) {
	return f.newByOrg[org], nil
}

func (f *fakeCatalog) BoefjeByIDAndOrg(_ context.Context, id, org string) (*domain.Plugin, error) {
	if f.pluginErr != nil {
		return nil, f.pluginErr
	}
	return f.plugins[id+"|"+org], nil
}

func (f *fakeCatalog) Configs(_ context.Context, boefjeID, org string, _, _ bool) ([]domain.BoefjeConfig, error) {
	return f.configs[boefjeID+"|"+org], nil
}

type fakeGraph struct {
	byType     map[string][]domain.OOI          // org
	objects    map[string]map[string]domain.OOI // org -> primary key
	objectsErr map[string]error                 // org
	clients    map[string]domain.OOI            // org
}

func (f *fakeGraph) ObjectsByType(_ context.Context, org string, _ []string, _ int) ([]domain.OOI, error) {
	return f.byType[org], nil
}

func (f *fakeGraph) Objects(_ context.Context, org string, refs []string) ([]domain.OOI, error) {
	if err := f.objectsErr[org]; err != nil {
		return nil, err
	}
	var out []domain.OOI
	for _, ref := range refs {
		if ooi, ok := f.objects[org][ref]; ok {
			out = append(out, ooi)
		}
	}
	return out, nil
}

func (f *fakeGraph) ObjectClients(_ context.Context, _ string, orgs []string, _ time.Time) (map[string]domain.OOI, error) {
	out := map[string]domain.OOI{}
	for _, org := range orgs {
		if ooi, ok := f.clients[org]; ok {
			out[org] = ooi
		}
	}
	return out, nil
}

type fakeResults struct {
	runs map[string]*domain.RunState // boefje|ooi|org
	err  error
}

func (f *fakeResults) LastRun(_ context.Context, boefjeID, inputOOI, org string) (*domain.RunState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.runs[boefjeID+"|"+inputOOI+"|"+org], nil
}

type testEnv struct {
	sched   *Scheduler
	store   *store.Store
	catalog *fakeCatalog
	graph   *fakeGraph
	results *fakeResults
}

func newTestEnv(t *testing.T) *testEnv {
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

	cfg := config.Default()
	cfg.GracePeriod = time.Hour
	cfg.PollInterval = time.Second
	cfg.Workers = 4
	cfg.QueueMaxSize = 0

	catalog := &fakeCatalog{
		byTypeOrg: map[string][]domain.Plugin{},
		newByOrg:  map[string][]domain.Plugin{},
		plugins:   map[string]*domain.Plugin{},
		configs:   map[string][]domain.BoefjeConfig{},
	}
	graph := &fakeGraph{
		byType:     map[string][]domain.OOI{},
		objects:    map[string]map[string]domain.OOI{},
		objectsErr: map[string]error{},
		clients:    map[string]domain.OOI{},
	}
	results := &fakeResults{runs: map[string]*domain.RunState{}}

	pq := queue.New(domain.SchedulerBoefje, cfg.QueueMaxSize, st, nil)
	sched := New(cfg, pq, st, catalog, graph, results)
	return &testEnv{sched: sched, store: st, catalog: catalog, graph: graph, results: results}
}

func intPtr(i int) *int { return &i }

func enabledPlugin(id string, scanLevel int, consumes ...string) domain.Plugin {
	return domain.Plugin{
		ID:        id,
		Type:      domain.TaskTypeBoefje,
		Enabled:   true,
		ScanLevel: intPtr(scanLevel),
		Consumes:  consumes,
	}
}

func leveledOOI(pk, objectType string, level int) domain.OOI {
	return domain.OOI{
		PrimaryKey:  pk,
		ObjectType:  objectType,
		ScanProfile: &domain.ScanProfile{Level: intPtr(level)},
	}
}

func (e *testEnv) tasksByHash(t *testing.T, hash string) []domain.Task {
	t.Helper()
	rows, err := e.store.DB().Query(
		`SELECT id, status FROM tasks WHERE hash=? ORDER BY created_at`, hash)
	if err != nil {
		t.Fatalf("query tasks: %v", err)
	}
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		var task domain.Task
		var status string
		if err := rows.Scan(&task.ID, &status); err != nil {
			t.Fatal(err)
		}
		task.Status = domain.TaskStatus(status)
		tasks = append(tasks, task)
	}
	return tasks
}

func (e *testEnv) countTasks(t *testing.T, status domain.TaskStatus) int {
	t.Helper()
	row := e.store.DB().QueryRow(`SELECT COUNT(*) FROM tasks WHERE status=?`, string(status))
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func (e *testEnv) ageTask(t *testing.T, id string, age time.Duration) {
	t.Helper()
	if _, err := e.store.DB().Exec(
		`UPDATE tasks SET modified_at=? WHERE id=?`,
		time.Now().UTC().Add(-age), id); err != nil {
		t.Fatal(err)
	}
}

func mustPayload(t *testing.T, bt domain.BoefjeTask) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(bt)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
