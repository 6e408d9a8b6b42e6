package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SchedulerBoefje is the scheduler id under which all boefje tasks are queued.
const SchedulerBoefje = "boefje"

// TaskTypeBoefje tags tasks whose payload is a BoefjeTask.
const TaskTypeBoefje = "boefje"

// MaxScanLevel is the highest clearance level an OOI can declare.
const MaxScanLevel = 4

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusQueued     TaskStatus = "queued"
	StatusDispatched TaskStatus = "dispatched"
	StatusRunning    TaskStatus = "running"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the task still occupies its hash slot: at most one
// task per (scheduler, hash) may be active at a time.
func (s TaskStatus) Active() bool {
	return s == StatusQueued || s == StatusDispatched || s == StatusRunning
}

// Task is the durable record of one unit of scan work.
type Task struct {
	ID               string
	SchedulerID      string
	Organisation     string
	Type             string
	Hash             string
	Priority         int
	Status           TaskStatus
	Data             json.RawMessage
	ScheduleID       *string
	DeduplicationKey *string
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// Boefje is the slim plugin reference embedded in a task payload.
type Boefje struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// BoefjeTask is the payload of a boefje Task. Its ID must equal the outer
// Task ID: the task runner relies on that equality.
type BoefjeTask struct {
	ID               string `json:"id"`
	Boefje           Boefje `json:"boefje"`
	InputOOI         string `json:"input_ooi,omitempty"`
	Organisation     string `json:"organization"`
	DeduplicationKey string `json:"deduplication_key,omitempty"`
}

// Hash is the content fingerprint used for deduplication. It covers the
// semantic payload only: boefje, input object and organisation.
func (t BoefjeTask) Hash() string {
	h := sha256.New()
	h.Write([]byte(t.Boefje.ID))
	h.Write([]byte{0})
	h.Write([]byte(t.InputOOI))
	h.Write([]byte{0})
	h.Write([]byte(t.Organisation))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

type RunOn string

const (
	RunOnCreate RunOn = "create"
	RunOnUpdate RunOn = "update"
)

// Plugin is the catalog's view of a scanner.
type Plugin struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Enabled   bool     `json:"enabled"`
	ScanLevel *int     `json:"scan_level"`
	Consumes  []string `json:"consumes"`
	Interval  int      `json:"interval,omitempty"` // minutes, 0 = unset
	Cron      string   `json:"cron,omitempty"`
	RunOn     []RunOn  `json:"run_on,omitempty"`
}

// ConsumesType reports whether the plugin accepts objects of the given type.
func (p Plugin) ConsumesType(objectType string) bool {
	for _, t := range p.Consumes {
		if t == objectType {
			return true
		}
	}
	return false
}

// RunsOn reports whether the plugin's run_on set contains the operation.
func (p Plugin) RunsOn(op MutationOperation) bool {
	for _, r := range p.RunOn {
		if (r == RunOnCreate && op == MutationCreate) || (r == RunOnUpdate && op == MutationUpdate) {
			return true
		}
	}
	return false
}

type ScanProfile struct {
	Level *int `json:"level"`
}

// OOI is a node in the object graph, identified by its primary key.
type OOI struct {
	PrimaryKey  string       `json:"primary_key"`
	ObjectType  string       `json:"object_type"`
	ScanProfile *ScanProfile `json:"scan_profile,omitempty"`
}

type MutationOperation string

const (
	MutationCreate MutationOperation = "create"
	MutationUpdate MutationOperation = "update"
	MutationDelete MutationOperation = "delete"
)

// ScanProfileMutation is one message on the mutation stream.
type ScanProfileMutation struct {
	Operation  MutationOperation `json:"operation"`
	PrimaryKey string            `json:"primary_key"`
	Value      *OOI              `json:"value"`
	ClientID   string            `json:"client_id"`
}

// Schedule drives the time-based rescheduling of a recurring task.
type Schedule struct {
	ID           string
	SchedulerID  string
	Organisation string
	Hash         string
	Data         json.RawMessage
	Enabled      bool
	CronExpr     string
	DeadlineAt   time.Time
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

type Organisation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RunState is the results store's record of a boefje execution.
type RunState struct {
	ID        string     `json:"id"`
	StartedAt *time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

// BoefjeConfig is a catalog config row linking a boefje setting across
// organisations; Duplicates lists the organisations sharing it.
type BoefjeConfig struct {
	ID           string            `json:"id"`
	BoefjeID     string            `json:"boefje_id"`
	Organisation string            `json:"organisation_id"`
	Enabled      bool              `json:"enabled"`
	Duplicates   []DuplicateConfig `json:"duplicates,omitempty"`
}

type DuplicateConfig struct {
	Organisation string `json:"organisation_id"`
}
