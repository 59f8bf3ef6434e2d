// Package workspace provides the project files the agent works on: a file
// provider rooted at the project, a document store tracking modification
// times, and notification sinks.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrOutsideRoot is returned for paths that escape the project root.
	ErrOutsideRoot = errors.New("path outside project root")

	// ErrReadOnly is returned when writing through a read-only provider.
	ErrReadOnly = errors.New("workspace is read-only")
)

// FileInfo represents file metadata.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Files reads and writes files under a project root.
type Files struct {
	root     string
	readOnly bool
}

// NewFiles creates a provider rooted at root, which must be a directory.
func NewFiles(root string, readOnly bool) (*Files, error) {
	if root == "" {
		return nil, fmt.Errorf("project root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project root does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root is not a directory")
	}
	return &Files{root: abs, readOnly: readOnly}, nil
}

// Root returns the absolute project root.
func (f *Files) Root() string {
	return f.root
}

// ResolvePath maps a project-relative or absolute path to an absolute path
// inside the root.
func (f *Files) ResolvePath(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(f.root, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(f.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return abs, nil
}

// Rel returns the cleaned project-relative form of path, used as the
// document key.
func (f *Files) Rel(path string) (string, error) {
	abs, err := f.ResolvePath(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Stat returns metadata for a file in the project.
func (f *Files) Stat(path string) (*FileInfo, error) {
	abs, err := f.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	rel, _ := f.Rel(abs)
	return &FileInfo{
		Name:    info.Name(),
		Path:    rel,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// ReadFile reads a file from the project.
func (f *Files) ReadFile(path string) ([]byte, error) {
	abs, err := f.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// WriteFile writes a file into the project, creating parent directories.
func (f *Files) WriteFile(path string, content []byte) error {
	if f.readOnly {
		return ErrReadOnly
	}
	abs, err := f.ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
