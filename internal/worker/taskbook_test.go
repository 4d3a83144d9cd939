package worker

import (
	"errors"
	"os"
	"testing"
)

func TestTaskBookPersists(t *testing.T) {
	dir, err := os.MkdirTemp("", "taskbook-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	book, err := OpenTaskBook(dir)
	if err != nil {
		t.Fatalf("OpenTaskBook failed: %v", err)
	}
	created, err := book.Create(LocalTask{TaskID: 5, ExecContextID: 1, FunctionCode: "fn", Inputs: []string{"a"}})
	if err != nil || !created {
		t.Fatalf("Create failed: %v (%v)", err, created)
	}
	if created, _ := book.Create(LocalTask{TaskID: 5}); created {
		t.Fatal("duplicate create must be ignored")
	}
	if err := book.Update(5, func(lt *LocalTask) { lt.FunctionReady = true }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	reopened, err := OpenTaskBook(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok := reopened.Get(5)
	if !ok {
		t.Fatal("task lost across reopen")
	}
	if !got.FunctionReady || got.FunctionCode != "fn" || got.AssignedAt.IsZero() {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Runnable() {
		t.Error("task with a missing input must not be runnable")
	}
	reopened.Update(5, func(lt *LocalTask) { lt.ReadyInputs = []string{"a"} })
	got, _ = reopened.Get(5)
	if !got.Runnable() {
		t.Error("task with all assets must be runnable")
	}
}

func TestTaskBookLifecycleFlags(t *testing.T) {
	book, err := OpenTaskBook(t.TempDir())
	if err != nil {
		t.Fatalf("OpenTaskBook failed: %v", err)
	}
	book.Create(LocalTask{TaskID: 1, FunctionCode: "fn"})
	if !book.HasInFlight() {
		t.Fatal("new task must be in flight")
	}

	if err := book.MarkFinishedWithError(1, "asset gone"); err != nil {
		t.Fatalf("MarkFinishedWithError failed: %v", err)
	}
	got, _ := book.Get(1)
	if got.State != StateError || !got.Completed || got.NeedsUpload() {
		t.Errorf("unexpected error task: %+v", got)
	}
	if got.Finished() {
		t.Error("undelivered result must not be finished")
	}
	book.Update(1, func(lt *LocalTask) { lt.Delivered = true })
	if book.HasInFlight() {
		t.Error("delivered error task must not be in flight")
	}

	book.Create(LocalTask{TaskID: 2, FunctionCode: "fn"})
	book.Update(2, func(lt *LocalTask) {
		lt.Completed = true
		lt.State = StateOK
	})
	got, _ = book.Get(2)
	if got.NeedsUpload() {
		t.Error("output must wait for the result to be delivered")
	}
	book.Update(2, func(lt *LocalTask) { lt.Delivered = true })
	got, _ = book.Get(2)
	if !got.NeedsUpload() || got.Finished() {
		t.Errorf("delivered ok task needs upload: %+v", got)
	}
}

func TestTaskBookDeleteRemovesDir(t *testing.T) {
	book, err := OpenTaskBook(t.TempDir())
	if err != nil {
		t.Fatalf("OpenTaskBook failed: %v", err)
	}
	book.Create(LocalTask{TaskID: 3})
	os.MkdirAll(book.TaskDir(3), 0755)
	os.WriteFile(book.OutputPath(3), []byte("x"), 0644)

	if err := book.Delete(3); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(book.TaskDir(3)); !os.IsNotExist(err) {
		t.Error("task dir left behind")
	}
	if err := book.Delete(3); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDirName(t *testing.T) {
	if got := DirName("http://localhost:8080/"); got != "localhost_8080" {
		t.Errorf("unexpected dir name %q", got)
	}
	if got := DirName("https://dispatch.example.com/base"); got != "dispatch.example.com_base" {
		t.Errorf("unexpected dir name %q", got)
	}
}
