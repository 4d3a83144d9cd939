package assign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewCoordinator(store, WithClock(clock.Now)), store, clock
}

func mustCreate(t *testing.T, store Store, task Task) int64 {
	t.Helper()
	id, err := store.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return id
}

func TestAssignSingleTaskThenEmpty(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	id := mustCreate(t, store, Task{ExecContextID: 1, Params: "p", FunctionCode: "fn"})

	first, err := c.Assign(ctx, "w1", false)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if first == nil || first.ID != id {
		t.Fatalf("expected task %d, got %+v", id, first)
	}
	if first.WorkerID != "w1" {
		t.Errorf("expected worker w1, got %q", first.WorkerID)
	}

	second, err := c.Assign(ctx, "w2", false)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no task for second worker, got %+v", second)
	}
}

func TestAssignAtMostOneInFlightPerWorker(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})

	first, err := c.Assign(ctx, "w1", false)
	if err != nil || first == nil {
		t.Fatalf("expected a task, got %+v, %v", first, err)
	}

	again, err := c.Assign(ctx, "w1", false)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no second task while one is running, got %+v", again)
	}

	// Completing the first frees the worker for the next one.
	if _, err := c.StoreResults(ctx, "w1", []Result{{TaskID: first.ID, State: StateOK}}); err != nil {
		t.Fatalf("StoreResults failed: %v", err)
	}
	next, err := c.Assign(ctx, "w1", false)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if next == nil || next.ID == first.ID {
		t.Fatalf("expected the other task, got %+v", next)
	}
}

func TestAssignVerifiedOnlySkipsUnsigned(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "unsigned"})
	signed := mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "signed", FunctionSigned: true})

	got, err := c.Assign(ctx, "w1", true)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if got == nil || got.ID != signed {
		t.Fatalf("expected signed task %d, got %+v", signed, got)
	}
}

func TestAssignSkipsStoppedExecContext(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 7, FunctionCode: "fn"})
	if err := store.SetExecContextState(ctx, 7, ExecContextStopped); err != nil {
		t.Fatalf("SetExecContextState failed: %v", err)
	}

	got, err := c.Assign(ctx, "w1", false)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no task from a stopped exec context, got %+v", got)
	}
}

func TestAssignConcurrentWorkersNeverShareTask(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	const tasks = 10
	for i := 0; i < tasks; i++ {
		mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})
	}

	const workers = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		assigned = make(map[int64]string)
		dupes    []int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			task, err := c.Assign(ctx, worker, false)
			if err != nil {
				t.Errorf("Assign failed: %v", err)
				return
			}
			if task == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, ok := assigned[task.ID]; ok {
				dupes = append(dupes, task.ID)
			}
			assigned[task.ID] = worker
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()

	if len(dupes) > 0 {
		t.Fatalf("tasks assigned twice: %v", dupes)
	}
	if len(assigned) != tasks {
		t.Fatalf("expected %d assignments, got %d", tasks, len(assigned))
	}
}

type conflictStore struct {
	*MemoryStore
}

func (s *conflictStore) MarkAssigned(context.Context, int64, string, time.Time) error {
	return ErrLockConflict
}

func TestAssignLockConflictYieldsNoTask(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})
	c := NewCoordinator(store)

	got, err := c.Assign(ctx, "w1", false)
	if err != nil {
		t.Fatalf("expected no error on lock conflict, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected no task, got %+v", got)
	}
}

func TestStoreResultsAcknowledgesUnknownTasks(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})
	task, _ := c.Assign(ctx, "w1", false)

	delivered, err := c.StoreResults(ctx, "w1", []Result{
		{TaskID: task.ID, State: StateOK, Console: "done"},
		{TaskID: 999, State: StateOK},
	})
	if err != nil {
		t.Fatalf("StoreResults failed: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("expected both ids acknowledged, got %v", delivered)
	}

	stored, _ := store.Find(ctx, task.ID)
	if !stored.Completed || stored.Console != "done" || stored.ExecState != StateOK {
		t.Errorf("unexpected stored task: %+v", stored)
	}
	if stored.ResultReceived {
		t.Error("successful result must wait for its output upload")
	}
}

func TestStoreResultsErrorStateNeedsNoOutput(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})
	task, _ := c.Assign(ctx, "w1", false)

	if _, err := c.StoreResults(ctx, "w1", []Result{{TaskID: task.ID, State: StateError}}); err != nil {
		t.Fatalf("StoreResults failed: %v", err)
	}
	missing, err := c.MissingOutputs(ctx, "w1")
	if err != nil {
		t.Fatalf("MissingOutputs failed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("expected no missing outputs, got %v", missing)
	}
}

func TestReconcileResetsOnlyStaleAbsentTasks(t *testing.T) {
	ctx := context.Background()
	c, store, clock := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})
	task, _ := c.Assign(ctx, "w1", false)

	clock.Advance(DefaultReconcileGrace)
	reset, err := c.Reconcile(ctx, "w1", nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(reset) != 0 {
		t.Fatalf("task within grace must not be reset, got %v", reset)
	}

	clock.Advance(time.Second)
	reset, err = c.Reconcile(ctx, "w1", []int64{task.ID})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(reset) != 0 {
		t.Fatalf("task reported by worker must not be reset, got %v", reset)
	}

	reset, err = c.Reconcile(ctx, "w1", nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(reset) != 1 || reset[0] != task.ID {
		t.Fatalf("expected task %d reset, got %v", task.ID, reset)
	}

	stored, _ := store.Find(ctx, task.ID)
	if stored.Assigned() {
		t.Errorf("expected task unassigned after reset, got worker %q", stored.WorkerID)
	}
}

func TestMissingOutputsAndResend(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})

	a, _ := c.Assign(ctx, "w1", false)
	c.StoreResults(ctx, "w1", []Result{{TaskID: a.ID, State: StateOK}})
	b, _ := c.Assign(ctx, "w1", false)
	c.StoreResults(ctx, "w1", []Result{{TaskID: b.ID, State: StateOK}})

	missing, err := c.MissingOutputs(ctx, "w1")
	if err != nil {
		t.Fatalf("MissingOutputs failed: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing outputs, got %v", missing)
	}

	if err := c.ApplyResend(ctx, "w1", a.ID, ResendOutputMissing); err != nil {
		t.Fatalf("ApplyResend failed: %v", err)
	}
	if err := c.ApplyResend(ctx, "w1", b.ID, ResendOnExternalStorage); err != nil {
		t.Fatalf("ApplyResend failed: %v", err)
	}

	ta, _ := store.Find(ctx, a.ID)
	if ta.Assigned() || ta.Completed {
		t.Errorf("expected task %d reset, got %+v", a.ID, ta)
	}
	tb, _ := store.Find(ctx, b.ID)
	if !tb.ResultReceived {
		t.Errorf("expected task %d marked received", b.ID)
	}

	if err := c.ApplyResend(ctx, "w1", a.ID, "bogus"); err == nil {
		t.Error("expected error for unknown resend status")
	}
}

func TestCheckUpload(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 1, FunctionCode: "fn"})
	task, _ := c.Assign(ctx, "w1", false)

	if _, err := c.CheckUpload(ctx, "w1", task.ID); err != nil {
		t.Fatalf("CheckUpload failed: %v", err)
	}
	if _, err := c.CheckUpload(ctx, "w2", task.ID); !errors.Is(err, ErrTaskWasReset) {
		t.Errorf("expected ErrTaskWasReset, got %v", err)
	}
	if _, err := c.CheckUpload(ctx, "w1", 404); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestExecContextStatesIncludesUnknown(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCoordinator(t)
	mustCreate(t, store, Task{ExecContextID: 3, FunctionCode: "fn"})
	c.Assign(ctx, "w1", false)
	store.SetExecContextState(ctx, 3, ExecContextFinished)

	states, err := c.ExecContextStates(ctx, "w1")
	if err != nil {
		t.Fatalf("ExecContextStates failed: %v", err)
	}
	if len(states) != 1 || states[0].State != ExecContextFinished {
		t.Fatalf("unexpected states: %+v", states)
	}

	got, _ := store.ExecContextStates(ctx, []int64{42})
	if got[0].State != ExecContextUnknown {
		t.Errorf("expected unknown state, got %q", got[0].State)
	}
}

func TestLoadSeedApply(t *testing.T) {
	dir, err := os.MkdirTemp("", "seed-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "seed.yaml")
	doc := `
exec_contexts:
  - id: 1
    state: started
tasks:
  - exec_context_id: 1
    params: "a=1"
    function: sum
    function_signed: true
    output: out-1
    inputs: [data-a, data-b]
  - exec_context_id: 1
    function: sum
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed failed: %v", err)
	}
	store := NewMemoryStore()
	ids, err := seed.Apply(context.Background(), store)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 tasks, got %v", ids)
	}
	first, _ := store.Find(context.Background(), ids[0])
	if !first.FunctionSigned || first.OutputCode != "out-1" || first.FunctionCode != "sum" {
		t.Errorf("unexpected seeded task: %+v", first)
	}
	params, err := ParseTaskParams(first.Params)
	if err != nil {
		t.Fatalf("ParseTaskParams failed: %v", err)
	}
	if params.Args != "a=1" || params.Function.Code != "sum" || !params.Function.Signed || len(params.Inputs) != 2 {
		t.Errorf("unexpected params: %+v", params)
	}
}

func TestSeedApplyTwiceKeepsOneCopy(t *testing.T) {
	seed := &Seed{Tasks: []SeedTask{
		{ExecContextID: 1, Function: "sum", Output: "out-1"},
		{ExecContextID: 1, Function: "sum", Output: "out-1"},
		{Key: "named", ExecContextID: 2, Function: "max"},
	}}
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := seed.Apply(ctx, store)
	if err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	second, err := seed.Apply(ctx, store)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("second Apply returned %v, want %v", second, first)
	}
	if len(store.tasks) != 3 {
		t.Fatalf("expected 3 stored tasks, got %d", len(store.tasks))
	}

	// Identical entries at different positions stay distinct.
	if first[0] == first[1] {
		t.Errorf("identical seed entries collapsed into task %d", first[0])
	}
	named, err := store.Find(ctx, first[2])
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if named.SeedKey != "named" || named.FunctionCode != "max" {
		t.Errorf("unexpected named task: %+v", named)
	}
}

func TestLoadSeedRequiresFunction(t *testing.T) {
	dir, err := os.MkdirTemp("", "seed-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "seed.yaml")
	os.WriteFile(path, []byte("tasks:\n  - exec_context_id: 1\n"), 0644)
	if _, err := LoadSeed(path); err == nil {
		t.Fatal("expected error for task without function")
	}
}

func TestTaskParamsRequireFunction(t *testing.T) {
	if _, err := (TaskParams{Args: "x"}).Encode(); err == nil {
		t.Error("expected error encoding params without a function")
	}
	if _, err := ParseTaskParams("args: x\n"); err == nil {
		t.Error("expected error parsing params without a function")
	}
}
