package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/store"
)

func addHistory(t *testing.T, repo *Repository, sessionID, role, text string) {
	t.Helper()
	err := repo.AddHistoryEntry(context.Background(), &store.HistoryEntry{
		Namespace: "web",
		SessionID: sessionID,
		Role:      role,
		Text:      text,
	})
	if err != nil {
		t.Fatalf("failed to add history entry: %v", err)
	}
}

func TestRepository_HistoryRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	addHistory(t, repo, "s1", "user", "hello")
	addHistory(t, repo, "s1", "ai", "hi there")
	addHistory(t, repo, "s1", "status", "agent switched")
	addHistory(t, repo, "s2", "user", "other session")

	got, err := repo.GetHistory(ctx, "web", "s1", 0)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	wantText := []string{"hello", "hi there", "agent switched"}
	wantRole := []string{"user", "ai", "status"}
	for i := range wantText {
		if got[i].Text != wantText[i] || got[i].Role != wantRole[i] {
			t.Errorf("entry %d: expected %s %q, got %s %q", i, wantRole[i], wantText[i], got[i].Role, got[i].Text)
		}
	}
	if got[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be defaulted")
	}
}

func TestRepository_HistoryRingCap(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	repo, err := New(dbPath, Options{MaxHistoryEntries: 5})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		addHistory(t, repo, "s1", "user", fmt.Sprintf("message %d", i))
	}

	got, err := repo.GetHistory(ctx, "web", "s1", 0)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected ring of 5 entries, got %d", len(got))
	}
	// Only the newest five survive, still in insert order.
	for i, entry := range got {
		want := fmt.Sprintf("message %d", 7+i)
		if entry.Text != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, entry.Text)
		}
	}
}

func TestRepository_HistoryTextTruncation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	repo, err := New(dbPath, Options{MaxHistoryTextLen: 10})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	ctx := context.Background()

	addHistory(t, repo, "s1", "user", strings.Repeat("a", 50))

	got, err := repo.GetHistory(ctx, "web", "s1", 0)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(got) != 1 || got[0].Text != strings.Repeat("a", 10) {
		t.Errorf("expected text cut to 10 runes, got %q", got[0].Text)
	}
}

func TestRepository_HistoryValidation(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	err := repo.AddHistoryEntry(ctx, &store.HistoryEntry{SessionID: "s1", Role: "user", Text: "x"})
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error without namespace, got %v", err)
	}
	err = repo.AddHistoryEntry(ctx, &store.HistoryEntry{Namespace: "web", SessionID: "s1", Role: "robot", Text: "x"})
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error for unknown role, got %v", err)
	}
	err = repo.AddHistoryEntry(ctx, &store.HistoryEntry{Namespace: "web", SessionID: "s1", Role: "user", Kind: "weird", Text: "x"})
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error for unknown kind, got %v", err)
	}
}

func TestRepository_SearchHistory(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	addHistory(t, repo, "s1", "user", "fix the parser bug")
	addHistory(t, repo, "s1", "ai", "parser fixed")
	addHistory(t, repo, "s1", "user", "unrelated request")

	got, err := repo.SearchHistory(ctx, "web", "s1", "parser", 10)
	if err != nil {
		t.Fatalf("failed to search history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	// Newest first.
	if got[0].Text != "parser fixed" {
		t.Errorf("expected newest match first, got %q", got[0].Text)
	}
}

func TestRepository_SearchHistory_EscapesPattern(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	addHistory(t, repo, "s1", "user", "literal 100% match")
	addHistory(t, repo, "s1", "user", "no percent here")

	got, err := repo.SearchHistory(ctx, "web", "s1", "100%", 10)
	if err != nil {
		t.Fatalf("failed to search history: %v", err)
	}
	if len(got) != 1 || got[0].Text != "literal 100% match" {
		t.Errorf("expected %% to match literally, got %v", got)
	}
}

func TestRepository_ClearHistory(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	addHistory(t, repo, "s1", "user", "gone soon")
	addHistory(t, repo, "s2", "user", "kept")

	if err := repo.ClearHistory(ctx, "web", "s1"); err != nil {
		t.Fatalf("failed to clear history: %v", err)
	}

	cleared, err := repo.GetHistory(ctx, "web", "s1", 0)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(cleared) != 0 {
		t.Errorf("expected s1 history to be empty, got %d entries", len(cleared))
	}

	kept, err := repo.GetHistory(ctx, "web", "s2", 0)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("expected s2 history to survive, got %d entries", len(kept))
	}
}

func TestRepository_GetHistory_Limit(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		addHistory(t, repo, "s1", "user", fmt.Sprintf("m%d", i))
	}

	got, err := repo.GetHistory(ctx, "web", "s1", 2)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(got) != 2 || got[0].Text != "m4" || got[1].Text != "m5" {
		t.Errorf("expected last two entries in order, got %v", got)
	}
}
