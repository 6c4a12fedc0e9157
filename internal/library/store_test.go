package library_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/config"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/library"
)

func newStore(t *testing.T) *library.Store {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.LibraryDir = t.TempDir()

	store, err := library.Open(&cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestAddAndList(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	book, err := store.Add(ctx, library.Book{Path: "/books/the_stand.mp3", Author: "Stephen King"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if book.ID == "" {
		t.Fatal("expected generated ID")
	}
	if book.Title != "The Stand" {
		t.Fatalf("Title = %q, want derived display title", book.Title)
	}
	if book.Format != "mp3" {
		t.Fatalf("Format = %q, want mp3", book.Format)
	}

	if _, err := store.Add(ctx, library.Book{Path: "/books/the_stand.mp3"}); err == nil {
		t.Fatal("duplicate path must be rejected")
	}

	books, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(books) != 1 {
		t.Fatalf("len = %d, want 1", len(books))
	}
}

func TestReplaceFileSwapsReference(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, library.Book{Path: "/books/old.mp3", Title: "Old"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	meta := map[string]string{"title": "New Title", "narrator": "A Reader"}
	if err := store.ReplaceFile(ctx, "/books/old.mp3", "/books/old.m4b", meta); err != nil {
		t.Fatalf("ReplaceFile: %v", err)
	}

	if _, err := store.GetByPath(ctx, "/books/old.mp3"); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("old path should be gone, got %v", err)
	}
	book, err := store.GetByPath(ctx, "/books/old.m4b")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if book.Title != "New Title" || book.Narrator != "A Reader" || book.Format != "m4b" {
		t.Fatalf("unexpected record: %+v", book)
	}
}

func TestReplaceFileIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, library.Book{Path: "/books/old.mp3"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.ReplaceFile(ctx, "/books/old.mp3", "/books/old.m4b", nil); err != nil {
			t.Fatalf("ReplaceFile call %d: %v", i+1, err)
		}
	}

	books, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(books) != 1 {
		t.Fatalf("len = %d, want 1 after repeated replace", len(books))
	}
	if books[0].Path != "/books/old.m4b" {
		t.Fatalf("Path = %q", books[0].Path)
	}
}

func TestReplaceFileCreatesRecordForUnknownSource(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.ReplaceFile(ctx, "/books/never_imported.mp3", "/books/never_imported.m4b", map[string]string{"author": "Anon"}); err != nil {
		t.Fatalf("ReplaceFile: %v", err)
	}

	book, err := store.GetByPath(ctx, "/books/never_imported.m4b")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if book.Author != "Anon" {
		t.Fatalf("Author = %q", book.Author)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LibraryDir = t.TempDir()
	ctx := context.Background()

	store, err := library.Open(&cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Add(ctx, library.Book{Path: "/books/persist.mp3"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reopened, err := library.Open(&cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	books, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(books) != 1 || books[0].Path != "/books/persist.mp3" {
		t.Fatalf("unexpected books after reopen: %+v", books)
	}

	// The library file itself is valid JSON on disk.
	if _, err := os.Stat(filepath.Join(cfg.Paths.LibraryDir, "library.json")); err != nil {
		t.Fatalf("library.json missing: %v", err)
	}
}

func TestDisplayTitle(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/books/the_wind-up.bird_chronicle.mp3", "The Wind Up Bird Chronicle"},
		{"/books/dune.m4b", "Dune"},
		{"/books/.mp3", "Untitled"},
	}
	for _, tt := range tests {
		if got := library.DisplayTitle(tt.path); got != tt.want {
			t.Errorf("DisplayTitle(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
