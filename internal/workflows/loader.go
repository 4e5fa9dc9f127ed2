package workflows

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// File pairs a parsed Workflow with the manifest path it was loaded
// from (its WorkflowId) and the modification time observed at load
// time, so the driver loop can detect changes on its next poll.
type File struct {
	Path     WorkflowId
	Workflow *Workflow
	ModTime  time.Time
}

// LoadError records a manifest that failed to parse or validate; the
// registry logs it and continues with the remaining files.
type LoadError struct {
	Path string
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Loader discovers and parses workflow manifests from a directory. Fs
// is injected so tests can run against an in-memory filesystem instead
// of touching disk.
type Loader struct {
	Fs afero.Fs
}

func NewLoader(fs afero.Fs) *Loader {
	return &Loader{Fs: fs}
}

// LoadDir parses every *.yaml/*.yml file directly under dir (no
// recursion). A missing directory is not an error: it loads as empty,
// matching a host that has not created the user-workflows directory
// yet.
func (l *Loader) LoadDir(dir string) ([]File, []LoadError) {
	var files []File
	var errs []LoadError

	exists, err := afero.DirExists(l.Fs, dir)
	if err != nil || !exists {
		return files, errs
	}

	entries, err := afero.ReadDir(l.Fs, dir)
	if err != nil {
		errs = append(errs, LoadError{Path: dir, Err: err})
		return files, errs
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		wf, err := l.LoadFile(path)
		if err != nil {
			errs = append(errs, LoadError{Path: path, Err: err})
			continue
		}
		files = append(files, File{Path: path, Workflow: wf, ModTime: entry.ModTime()})
	}

	return files, errs
}

// LoadFile reads and parses a single manifest, returning a ParseError
// or SchemaError as raised by Parse.
func (l *Loader) LoadFile(path string) (*Workflow, error) {
	content, err := afero.ReadFile(l.Fs, path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return Parse(path, content)
}

// ModifiedSince filters LoadDir's scan to files whose modification
// time is strictly newer than since, for the driver's 60-second user
// workflow poll.
func (l *Loader) ModifiedSince(dir string, since time.Time) ([]File, []LoadError) {
	all, errs := l.LoadDir(dir)
	var fresh []File
	for _, f := range all {
		if f.ModTime.After(since) {
			fresh = append(fresh, f)
		}
	}
	return fresh, errs
}
