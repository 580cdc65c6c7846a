// Package fsio implements the filesystem operations the session state
// machine needs (open for read, open for write, rename, unlink, exists,
// readable) on top of github.com/spf13/afero, so the session state
// machine and event loop never import os directly and can be driven
// against an in-memory filesystem in tests.
package fsio

import (
	"os"

	"github.com/spf13/afero"

	"tftpd/internal/wire"
)

// FS is the narrow filesystem interface the session state machine
// consumes. Mode only distinguishes "binary" vs "text" open semantics;
// netascii CR/LF translation is out of scope here — Mode is threaded
// through purely so a given deployment's afero.Fs could honor the
// distinction (e.g. on an OS where text/binary open differs).
type FS interface {
	// OpenRead opens path for reading. Returns an error wrapping
	// os.ErrNotExist or os.ErrPermission so callers can map to
	// errcat.FileNotFound / errcat.AccessViolation.
	OpenRead(path string, mode wire.Mode) (afero.File, error)
	// OpenWrite creates (or truncates) path for writing.
	OpenWrite(path string, mode wire.Mode) (afero.File, error)
	// Rename replaces dst with src, atomically where the underlying
	// filesystem supports it.
	Rename(src, dst string) error
	// Remove deletes path. Not an error if path does not exist.
	Remove(path string) error
	// Exists reports whether path is present.
	Exists(path string) bool
	// Readable reports whether path exists and is readable by this
	// process.
	Readable(path string) bool
}

// OsFS is an FS backed by afero.NewOsFs, the production implementation.
type OsFS struct {
	fs afero.Fs
}

// NewOsFS returns an FS rooted at the real operating-system filesystem.
func NewOsFS() *OsFS {
	return &OsFS{fs: afero.NewOsFs()}
}

// NewMemFS returns an FS backed by an in-memory filesystem, for tests.
func NewMemFS() *OsFS {
	return &OsFS{fs: afero.NewMemMapFs()}
}

// Afero exposes the underlying afero.Fs, e.g. for tests that want to
// pre-seed files.
func (o *OsFS) Afero() afero.Fs { return o.fs }

func (o *OsFS) OpenRead(path string, _ wire.Mode) (afero.File, error) {
	return o.fs.OpenFile(path, os.O_RDONLY, 0)
}

func (o *OsFS) OpenWrite(path string, _ wire.Mode) (afero.File, error) {
	return o.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

func (o *OsFS) Rename(src, dst string) error {
	return o.fs.Rename(src, dst)
}

func (o *OsFS) Remove(path string) error {
	err := o.fs.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (o *OsFS) Exists(path string) bool {
	_, err := o.fs.Stat(path)
	return err == nil
}

func (o *OsFS) Readable(path string) bool {
	f, err := o.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
