package metadata

import (
	"errors"
	"os"
	"testing"
)

func TestStorePersistsAcrossOpen(t *testing.T) {
	dir, err := os.MkdirTemp("", "metadata-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.Get("http://a"); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}

	if err := s.Set("http://a", "w-1", "s-1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set("http://b", "w-2", "s-2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set("http://a", "w-1", "s-3"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	id, err := reopened.Get("http://a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if id.WorkerID != "w-1" || id.SessionID != "s-3" {
		t.Errorf("unexpected identity: %+v", id)
	}
	if urls := reopened.URLs(); len(urls) != 2 || urls[0] != "http://a" {
		t.Errorf("unexpected urls: %v", urls)
	}
}

func TestStoreForget(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Forget("http://a"); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	s.Set("http://a", "w-1", "s-1")
	if err := s.Forget("http://a"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if len(reopened.URLs()) != 0 {
		t.Errorf("expected no identities after forget")
	}
}
