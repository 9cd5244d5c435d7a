package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/adsdev/ads/internal/store"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	repo, err := New(dbPath, Options{})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createTask(t *testing.T, repo *Repository, prompt string, now time.Time) *store.Task {
	t.Helper()
	task, err := repo.CreateTask(context.Background(), store.CreateTaskInput{Prompt: prompt}, now)
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func TestNew(t *testing.T) {
	repo := newTestRepository(t)

	if repo.db == nil {
		t.Error("expected writer to be initialized")
	}
	if repo.ro == nil {
		t.Error("expected reader to be initialized")
	}
}

func TestNew_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	repo, err := New(dbPath, Options{})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	task := createTask(t, repo, "persist me", time.Now().UTC())
	if err := repo.Close(); err != nil {
		t.Fatalf("failed to close repository: %v", err)
	}

	repo, err = New(dbPath, Options{})
	if err != nil {
		t.Fatalf("failed to reopen repository: %v", err)
	}
	defer repo.Close()

	got, err := repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("failed to load task after reopen: %v", err)
	}
	if got.Prompt != "persist me" {
		t.Errorf("expected prompt to survive reopen, got %q", got.Prompt)
	}
}

func TestRepository_Close(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	repo, err := New(dbPath, Options{})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Errorf("expected no error on close, got %v", err)
	}
}
