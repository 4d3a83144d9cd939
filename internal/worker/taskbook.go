package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-dispatch/internal/util"
)

// ErrTaskNotFound is returned for a task the book does not hold.
var ErrTaskNotFound = errors.New("local task not found")

// Local execution states.
const (
	StateOK    = "ok"
	StateError = "error"
)

// LocalTask is the worker's record of one assigned task.
type LocalTask struct {
	TaskID         int64     `yaml:"taskId"`
	ExecContextID  int64     `yaml:"execContextId"`
	Params         string    `yaml:"params"`
	FunctionCode   string    `yaml:"functionCode"`
	FunctionSigned bool      `yaml:"functionSigned,omitempty"`
	Inputs         []string  `yaml:"inputs,omitempty"`
	AssignedAt     time.Time `yaml:"assignedAt"`

	ReadyInputs   []string `yaml:"readyInputs,omitempty"`
	FunctionReady bool     `yaml:"functionReady,omitempty"`

	Completed   bool      `yaml:"completed,omitempty"`
	CompletedAt time.Time `yaml:"completedAt,omitempty"`
	State       string    `yaml:"state,omitempty"`
	Console     string    `yaml:"console,omitempty"`
	Error       string    `yaml:"error,omitempty"`

	Reported  bool `yaml:"reported,omitempty"`
	Delivered bool `yaml:"delivered,omitempty"`
	Uploaded  bool `yaml:"uploaded,omitempty"`
}

// InputsReady reports whether every declared input is on disk.
func (t *LocalTask) InputsReady() bool {
	ready := make(map[string]struct{}, len(t.ReadyInputs))
	for _, c := range t.ReadyInputs {
		ready[c] = struct{}{}
	}
	for _, c := range t.Inputs {
		if _, ok := ready[c]; !ok {
			return false
		}
	}
	return true
}

// Runnable reports whether the task can be handed to the executor.
func (t *LocalTask) Runnable() bool {
	return !t.Completed && t.FunctionReady && t.InputsReady()
}

// NeedsUpload reports whether the task produced an output not yet uploaded.
// Outputs go up only once the dispatcher has stored the result.
func (t *LocalTask) NeedsUpload() bool {
	return t.Completed && t.State == StateOK && t.Delivered && !t.Uploaded
}

// Finished reports whether the dispatcher has everything it needs.
func (t *LocalTask) Finished() bool {
	return t.Delivered && (t.Uploaded || t.State == StateError)
}

// TaskBook is the YAML-persisted set of tasks a worker holds with one
// dispatcher. Every change is written through.
type TaskBook struct {
	dir  string
	path string

	mu    sync.Mutex
	tasks map[int64]*LocalTask
}

type taskBookFile struct {
	Tasks []*LocalTask `yaml:"tasks"`
}

// OpenTaskBook loads dir/tasks.yaml, creating dir when needed.
func OpenTaskBook(dir string) (*TaskBook, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create task directory %s: %w", dir, err)
	}
	b := &TaskBook{
		dir:   dir,
		path:  filepath.Join(dir, "tasks.yaml"),
		tasks: make(map[int64]*LocalTask),
	}

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task book: %w", err)
	}
	var f taskBookFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse task book: %w", err)
	}
	for _, t := range f.Tasks {
		b.tasks[t.TaskID] = t
	}
	return b, nil
}

// TaskDir is the working directory of one task.
func (b *TaskBook) TaskDir(taskID int64) string {
	return filepath.Join(b.dir, "tasks", util.FormatID(taskID))
}

// ParamsPath is the file handed to the function as its first argument.
func (b *TaskBook) ParamsPath(taskID int64) string {
	return filepath.Join(b.TaskDir(taskID), "params.yaml")
}

// OutputPath is the file the function writes its output to.
func (b *TaskBook) OutputPath(taskID int64) string {
	return filepath.Join(b.TaskDir(taskID), "output")
}

// Create records a newly assigned task. An existing task with the same id is
// left untouched and false is returned.
func (b *TaskBook) Create(t LocalTask) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[t.TaskID]; ok {
		return false, nil
	}
	if t.AssignedAt.IsZero() {
		t.AssignedAt = time.Now().UTC()
	}
	b.tasks[t.TaskID] = &t
	return true, b.save()
}

// Get returns a copy of the task.
func (b *TaskBook) Get(taskID int64) (LocalTask, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return LocalTask{}, false
	}
	return *t, true
}

// List returns copies of every task ordered by id.
func (b *TaskBook) List() []LocalTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LocalTask, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Update applies fn to the task and persists the result.
func (b *TaskBook) Update(taskID int64, fn func(t *LocalTask)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	fn(t)
	return b.save()
}

// MarkFinishedWithError completes the task in the error state. Error states
// need no output upload.
func (b *TaskBook) MarkFinishedWithError(taskID int64, msg string) error {
	return b.Update(taskID, func(t *LocalTask) {
		if t.Completed {
			return
		}
		t.Completed = true
		t.CompletedAt = time.Now().UTC()
		t.State = StateError
		t.Error = msg
		t.Console = msg
	})
}

// Delete removes the task and its working directory.
func (b *TaskBook) Delete(taskID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	delete(b.tasks, taskID)
	if err := os.RemoveAll(b.TaskDir(taskID)); err != nil {
		return fmt.Errorf("remove task dir: %w", err)
	}
	return b.save()
}

// Clear drops every task, used when the dispatcher hands out a new worker id.
func (b *TaskBook) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.tasks {
		os.RemoveAll(b.TaskDir(id))
	}
	b.tasks = make(map[int64]*LocalTask)
	return b.save()
}

// HasInFlight reports whether any task is not yet finished.
func (b *TaskBook) HasInFlight() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tasks {
		if !t.Finished() {
			return true
		}
	}
	return false
}

// Len returns the number of tasks held.
func (b *TaskBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

func (b *TaskBook) save() error {
	f := taskBookFile{Tasks: make([]*LocalTask, 0, len(b.tasks))}
	for _, t := range b.tasks {
		f.Tasks = append(f.Tasks, t)
	}
	sort.Slice(f.Tasks, func(i, j int) bool { return f.Tasks[i].TaskID < f.Tasks[j].TaskID })

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal task book: %w", err)
	}
	if err := util.WriteFileAtomic(b.path, data); err != nil {
		return fmt.Errorf("save task book: %w", err)
	}
	return nil
}
