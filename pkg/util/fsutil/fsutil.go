// Package fsutil reads whole input files and writes output files, optionally
// atomically, on top of an afero.Fs.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const outputMode os.FileMode = 0o644

var ErrEmptyFile = errors.New("file is empty")

// ReadFile reads the whole file at path into memory. Directories and empty
// files are errors.
func ReadFile(fs afero.Fs, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if st.IsDir() {
		return nil, errors.Errorf("%s is a directory", path)
	}
	if st.Size() == 0 {
		return nil, errors.Wrap(ErrEmptyFile, path)
	}

	buf := make([]byte, st.Size())
	if _, err = io.ReadFull(f, buf); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return buf, nil
}

// Output is a file being written. Exactly one of Commit or Abort takes
// effect; calls after that are no-ops.
type Output interface {
	io.Writer
	Name() string
	// Commit makes the written content visible at the target path.
	Commit() error
	// Abort stops writing. Atomic outputs leave nothing behind, plain ones
	// keep whatever was written.
	Abort() error
}

// Create opens path for writing. With atomic set, data goes to a temporary
// file in the same directory that Commit renames over path.
func Create(fs afero.Fs, path string, atomic bool) (Output, error) {
	if atomic {
		return CreateAtomic(fs, path)
	}
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, outputMode)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", path)
	}
	return &plainFile{File: f}, nil
}

type plainFile struct {
	afero.File
	once sync.Once
	err  error
}

func (f *plainFile) close() error {
	f.once.Do(func() { f.err = f.File.Close() })
	return f.err
}

func (f *plainFile) Commit() error {
	if err := f.File.Sync(); err != nil {
		_ = f.close()
		return errors.Wrapf(err, "syncing %s", f.Name())
	}
	return f.close()
}

func (f *plainFile) Abort() error { return f.close() }

// AtomicFile is written under a temporary name and renamed into place on Commit.
type AtomicFile struct {
	afero.File
	fs   afero.Fs
	path string

	mu   sync.Mutex
	done bool
}

// CreateAtomic creates a temporary file next to path.
func CreateAtomic(fs afero.Fs, path string) (*AtomicFile, error) {
	f, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, errors.Wrapf(err, "creating temporary file for %s", path)
	}
	return &AtomicFile{File: f, fs: fs, path: path}, nil
}

// Path returns the final location of the file.
func (f *AtomicFile) Path() string { return f.path }

func (f *AtomicFile) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	f.done = true

	tmp := f.File.Name()
	if err := f.File.Sync(); err != nil {
		_ = f.File.Close()
		_ = f.fs.Remove(tmp)
		return errors.Wrapf(err, "syncing %s", tmp)
	}
	if err := f.File.Close(); err != nil {
		_ = f.fs.Remove(tmp)
		return errors.Wrapf(err, "closing %s", tmp)
	}
	if err := f.fs.Chmod(tmp, outputMode); err != nil {
		_ = f.fs.Remove(tmp)
		return errors.Wrapf(err, "chmod %s", tmp)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		_ = f.fs.Remove(tmp)
		return errors.Wrapf(err, "renaming %s to %s", tmp, f.path)
	}
	return nil
}

func (f *AtomicFile) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	f.done = true

	_ = f.File.Close()
	if err := f.fs.Remove(f.File.Name()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", f.File.Name())
	}
	return nil
}
