// Package storage provides sandboxed file operations for lowvideo outputs.
// All file operations are restricted to the configured output directory to
// prevent path traversal from names supplied over the job API.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ErrEscapesSandbox is returned for paths that resolve outside the sandbox.
var ErrEscapesSandbox = errors.New("path escapes sandbox")

// partialSuffix marks files a muxer is still writing.
const partialSuffix = ".partial"

// Sandbox provides sandboxed file operations within a base directory.
type Sandbox struct {
	baseDir string
}

// Output is a finished file in the sandbox.
type Output struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Age returns how long ago the output was last written.
func (o Output) Age(now time.Time) time.Duration { return now.Sub(o.ModTime) }

// NewSandbox creates a new Sandbox rooted at the given base directory.
// The base directory is created if it doesn't exist.
func NewSandbox(baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Sandbox{baseDir: absPath}, nil
}

// BaseDir returns the absolute path to the sandbox base directory.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// ResolvePath resolves a relative path within the sandbox.
// Returns an error if the path would escape the sandbox or is an absolute path.
func (s *Sandbox) ResolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: %s (absolute paths not allowed)", ErrEscapesSandbox, relativePath)
	}

	absPath, err := filepath.Abs(filepath.Join(s.baseDir, filepath.Clean(relativePath)))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}
	if !strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator)) && absPath != s.baseDir {
		return "", fmt.Errorf("%w: %s", ErrEscapesSandbox, relativePath)
	}
	return absPath, nil
}

// Contains reports whether an absolute path lies inside the sandbox.
func (s *Sandbox) Contains(absPath string) bool {
	rel, err := filepath.Rel(s.baseDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// PrepareOutput resolves name for a new output and creates its parent
// directory. It fails if a finished file already has that name.
func (s *Sandbox) PrepareOutput(name string) (string, error) {
	path, err := s.ResolvePath(name)
	if err != nil {
		return "", err
	}
	if path == s.baseDir {
		return "", fmt.Errorf("output name is empty")
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("output %s already exists", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("creating parent directory: %w", err)
	}
	return path, nil
}

// ListOutputs returns the finished files directly in the sandbox, oldest
// first. Files still being written are skipped.
func (s *Sandbox) ListOutputs() ([]Output, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	var outs []Output
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partialSuffix) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed since ReadDir
			continue
		}
		outs = append(outs, Output{
			Name:    e.Name(),
			Path:    filepath.Join(s.baseDir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortFunc(outs, func(a, b Output) int { return a.ModTime.Compare(b.ModTime) })
	return outs, nil
}

// Remove removes a file within the sandbox.
func (s *Sandbox) Remove(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	if path == s.baseDir {
		return fmt.Errorf("cannot remove sandbox base directory")
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// RemoveOlderThan deletes finished outputs whose age at now exceeds maxAge.
// keep is consulted for each candidate; outputs it returns true for stay.
// It returns the removed outputs.
func (s *Sandbox) RemoveOlderThan(maxAge time.Duration, now time.Time, keep func(Output) bool) ([]Output, error) {
	outs, err := s.ListOutputs()
	if err != nil {
		return nil, err
	}
	var removed []Output
	var errs []error
	for _, o := range outs {
		if o.Age(now) <= maxAge || (keep != nil && keep(o)) {
			continue
		}
		if err := os.Remove(o.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", o.Name, err))
			continue
		}
		removed = append(removed, o)
	}
	return removed, errors.Join(errs...)
}

// Stat returns file info for a path within the sandbox.
func (s *Sandbox) Stat(relativePath string) (os.FileInfo, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("getting file info: %w", err)
	}
	return info, nil
}
