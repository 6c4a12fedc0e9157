// Package library manages the JSON-backed audiobook library file.
//
// The store follows a load-modify-save cycle under an advisory file lock so
// concurrent abman processes cannot interleave writes, and every save is an
// atomic temp-file rename so readers never observe a partial library.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/config"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/fileutil"
)

// Book is one library record.
type Book struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Author   string `json:"author,omitempty"`
	Narrator string `json:"narrator,omitempty"`
	// Path is the audio file the record points at.
	Path      string            `json:"path"`
	Format    string            `json:"format"`
	AddedAt   time.Time         `json:"added_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

type libraryFile struct {
	Version int    `json:"version"`
	Books   []Book `json:"books"`
}

const currentVersion = 1

// ErrNotFound reports a lookup that matched no record.
var ErrNotFound = errors.New("library: book not found")

// Store persists the library to library.json inside the library directory.
type Store struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// Open prepares a store rooted at the configured library directory.
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil || strings.TrimSpace(cfg.Paths.LibraryDir) == "" {
		return nil, errors.New("library directory not configured")
	}
	if err := os.MkdirAll(cfg.Paths.LibraryDir, 0o755); err != nil {
		return nil, fmt.Errorf("create library directory: %w", err)
	}
	path := filepath.Join(cfg.Paths.LibraryDir, "library.json")
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the library file location.
func (s *Store) Path() string {
	return s.path
}

// List returns all records sorted by title.
func (s *Store) List(ctx context.Context) ([]Book, error) {
	var books []Book
	err := s.withLock(ctx, func(file *libraryFile) (bool, error) {
		books = append([]Book(nil), file.Books...)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(books, func(i, j int) bool {
		return strings.ToLower(books[i].Title) < strings.ToLower(books[j].Title)
	})
	return books, nil
}

// GetByPath finds the record pointing at path.
func (s *Store) GetByPath(ctx context.Context, path string) (*Book, error) {
	var found *Book
	err := s.withLock(ctx, func(file *libraryFile) (bool, error) {
		for i := range file.Books {
			if file.Books[i].Path == path {
				book := file.Books[i]
				found = &book
				return false, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Add inserts a new record. The path must not already be claimed.
func (s *Store) Add(ctx context.Context, book Book) (*Book, error) {
	now := time.Now().UTC()
	book.ID = uuid.NewString()
	book.AddedAt = now
	book.UpdatedAt = now
	if book.Title == "" {
		book.Title = DisplayTitle(book.Path)
	}
	if book.Format == "" {
		book.Format = strings.TrimPrefix(filepath.Ext(book.Path), ".")
	}

	err := s.withLock(ctx, func(file *libraryFile) (bool, error) {
		for i := range file.Books {
			if file.Books[i].Path == book.Path {
				return false, fmt.Errorf("library: path already registered: %s", book.Path)
			}
		}
		file.Books = append(file.Books, book)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// ReplaceFile swaps the record referencing oldPath over to newPath, updating
// format and tags from meta (keys: title, author, narrator). When no record
// references oldPath a new one is created for newPath, so conversions of
// files that were never imported still land in the library.
//
// The operation is idempotent: a second call with the same arguments finds
// the record already on newPath and succeeds without modifying anything.
func (s *Store) ReplaceFile(ctx context.Context, oldPath, newPath string, meta map[string]string) error {
	if strings.TrimSpace(newPath) == "" {
		return errors.New("library: new path required")
	}
	now := time.Now().UTC()

	return s.withLock(ctx, func(file *libraryFile) (bool, error) {
		// Already swapped by a previous (possibly interrupted) run.
		for i := range file.Books {
			if file.Books[i].Path == newPath {
				return false, nil
			}
		}
		for i := range file.Books {
			if file.Books[i].Path == oldPath {
				book := &file.Books[i]
				book.Path = newPath
				book.Format = strings.TrimPrefix(filepath.Ext(newPath), ".")
				book.UpdatedAt = now
				applyMeta(book, meta)
				return true, nil
			}
		}

		book := Book{
			ID:        uuid.NewString(),
			Title:     DisplayTitle(newPath),
			Path:      newPath,
			Format:    strings.TrimPrefix(filepath.Ext(newPath), "."),
			AddedAt:   now,
			UpdatedAt: now,
		}
		applyMeta(&book, meta)
		file.Books = append(file.Books, book)
		return true, nil
	})
}

func applyMeta(book *Book, meta map[string]string) {
	for key, value := range meta {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch key {
		case "title":
			book.Title = value
		case "author":
			book.Author = value
		case "narrator":
			book.Narrator = value
		default:
			if book.Meta == nil {
				book.Meta = map[string]string{}
			}
			book.Meta[key] = value
		}
	}
}

// withLock runs fn against the loaded library under both the in-process
// mutex and the cross-process flock, saving when fn reports a mutation.
func (s *Store) withLock(ctx context.Context, fn func(*libraryFile) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock library: %w", err)
	}
	if !locked {
		return errors.New("lock library: not acquired")
	}
	defer s.lock.Unlock() //nolint:errcheck

	file, err := s.load()
	if err != nil {
		return err
	}
	dirty, err := fn(file)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.save(file)
}

func (s *Store) load() (*libraryFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &libraryFile{Version: currentVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read library: %w", err)
	}
	var file libraryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse library: %w", err)
	}
	if file.Version == 0 {
		file.Version = currentVersion
	}
	return &file, nil
}

func (s *Store) save(file *libraryFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal library: %w", err)
	}
	if err := fileutil.WriteAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	return nil
}
