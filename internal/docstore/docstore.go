// Package docstore keeps uploaded KYC documents and hands out opaque references to them.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

// File is an uploaded document
type File struct {
	DriverID uuid.UUID
	Kind     model.DocumentKind
	Filename string
	Data     []byte
}

// Store persists documents
type Store interface {
	Put(ctx context.Context, f File) (ref string, err error)
	Open(ctx context.Context, ref string) ([]byte, error)
	// Delete removes a document; a missing document is not an error
	Delete(ctx context.Context, ref string) error
}

var extensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"application/pdf": ".pdf",
}

func extensionFor(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	return ".bin"
}

// Local stores documents below a root directory as <driver>/<kind>-<id><ext>
type Local struct {
	root        string
	contentType func([]byte) string
}

// NewLocal creates the root directory if needed. contentType picks the file extension.
func NewLocal(root string, contentType func([]byte) string) (*Local, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	return &Local{root: root, contentType: contentType}, nil
}

func (l *Local) Put(ctx context.Context, f File) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(l.root, f.DriverID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create driver dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s%s", f.Kind, uuid.NewString(), extensionFor(l.contentType(f.Data)))

	// write then rename so a reader never sees a partial file
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(f.Data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close document: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	return f.DriverID.String() + "/" + name, nil
}

// path maps a ref to a file below root, rejecting refs that escape it
func (l *Local) path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid document ref %q: %w", ref, apperr.ErrNotFound)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) Open(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("document %q: %w", ref, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Memory keeps documents in process memory
type Memory struct {
	mu    sync.RWMutex
	files map[string]File
	// Err, when set, is returned by Put
	Err error
	// FailAfter, when positive, makes Put fail once that many documents are stored
	FailAfter int
}

// NewMemory creates an empty Memory store
func NewMemory() *Memory {
	return &Memory{files: make(map[string]File)}
}

func (m *Memory) Put(_ context.Context, f File) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if m.FailAfter > 0 && len(m.files) >= m.FailAfter {
		return "", errors.New("document store full")
	}
	ref := fmt.Sprintf("mem://%s/%s/%s", f.DriverID, f.Kind, uuid.NewString())
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data
	m.files[ref] = f
	return ref, nil
}

func (m *Memory) Open(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[ref]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", ref, apperr.ErrNotFound)
	}
	return f.Data, nil
}

func (m *Memory) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, ref)
	return nil
}

// Len returns the number of stored documents
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}
