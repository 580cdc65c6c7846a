// Package registry implements the per-filename reader/writer exclusion
// registry: the system's single source of truth for "who owns this
// filename" across concurrent sessions.
//
// Acquisition is non-blocking try-style and the registry is consulted
// only from the event loop goroutine (internal/server), so no internal
// locking is needed — the same reasoning applies here as to any
// single-goroutine-owned state: a mutex only earns its cost when more
// than one goroutine can reach the data.
package registry

import "fmt"

type entry struct {
	readers    uint
	writerHeld bool
}

// Registry tracks reader/writer exclusion per filename. Construct it with
// New; the zero value has no map and panics on the first acquire.
type Registry struct {
	files map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{files: make(map[string]*entry)}
}

// ErrInUse is returned by AcquireRead/AcquireWrite when the filename is
// held in a conflicting mode. Sessions map this to errcat.NotDefined,
// with ErrInUse's text appended to the catalog message.
var ErrInUse = fmt.Errorf("the file is currently in use")

// AcquireRead grants a read reservation on filename, succeeding
// whenever no writer holds it (any number of concurrent readers share).
func (r *Registry) AcquireRead(filename string) error {
	e, ok := r.files[filename]
	if !ok {
		r.files[filename] = &entry{readers: 1}
		return nil
	}
	if e.writerHeld {
		return ErrInUse
	}
	e.readers++
	return nil
}

// AcquireWrite grants an exclusive write reservation on filename,
// succeeding only when the filename has no entry at all (no readers,
// no writer).
func (r *Registry) AcquireWrite(filename string) error {
	if _, ok := r.files[filename]; ok {
		return ErrInUse
	}
	r.files[filename] = &entry{writerHeld: true}
	return nil
}

// ReleaseRead releases one read reservation, removing the entry once
// the reader count reaches zero.
func (r *Registry) ReleaseRead(filename string) {
	e, ok := r.files[filename]
	if !ok {
		return
	}
	if e.readers > 0 {
		e.readers--
	}
	if e.readers == 0 {
		delete(r.files, filename)
	}
}

// ReleaseWrite releases the write reservation, removing the entry.
func (r *Registry) ReleaseWrite(filename string) {
	delete(r.files, filename)
}

// ReaderCount reports the current reader count for filename (0 if
// absent or writer-held). Exposed for tests of invariant P1.
func (r *Registry) ReaderCount(filename string) uint {
	e, ok := r.files[filename]
	if !ok {
		return 0
	}
	return e.readers
}

// WriterHeld reports whether filename is currently writer-held.
// Exposed for tests of invariant P1.
func (r *Registry) WriterHeld(filename string) bool {
	e, ok := r.files[filename]
	if !ok {
		return false
	}
	return e.writerHeld
}
