package server

import (
	"errors"
	"sync"
	"time"
)

var (
	errFileNotFound = errors.New("file not found")
	errFileExists   = errors.New("file already registered")
)

// File is the metadata record of an upload. The object key is the FileID.
type File struct {
	FileID    string
	UserID    string
	FileName  string
	FileType  string
	FileSize  int64
	UploadID  string
	// Completed is set once no completion call is outstanding: when the URL
	// is issued for a single part upload, after CompleteMultipart otherwise.
	Completed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry keeps file records in memory.
type Registry struct {
	mu    sync.RWMutex
	files map[string]File
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{files: make(map[string]File), now: time.Now}
}

func (r *Registry) Create(f File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[f.FileID]; ok {
		return errFileExists
	}
	now := r.now()
	f.CreatedAt, f.UpdatedAt = now, now
	r.files[f.FileID] = f
	return nil
}

func (r *Registry) Get(fileID string) (File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[fileID]
	if !ok {
		return File{}, errFileNotFound
	}
	return f, nil
}

func (r *Registry) MarkCompleted(fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok {
		return errFileNotFound
	}
	f.Completed = true
	f.UpdatedAt = r.now()
	r.files[fileID] = f
	return nil
}
