// Package objecturl mints session-local "blob:" references for files the
// host hands to a viewer session, the server-side counterpart of
// URL.createObjectURL / URL.revokeObjectURL.
package objecturl

import (
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/keithlinneman/viewerboot/internal/viewer"
	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

const scheme = "blob:"

var (
	ErrNotFound = xerrors.New("objecturl: handle not found or already released")
	ErrNoOpener = xerrors.New("objecturl: file has no opener")
)

type entry struct {
	file viewer.File
}

// Registry holds live handles. The zero value is not usable; call New.
type Registry struct {
	origin string

	mu      sync.RWMutex
	entries map[string]entry

	created  uint64
	released uint64
}

// New returns a registry whose URLs look like blob:<origin>/<uuid>.
func New(origin string) *Registry {
	origin = strings.TrimSuffix(origin, "/")
	if origin == "" {
		origin = "viewerboot"
	}
	return &Registry{origin: origin, entries: make(map[string]entry)}
}

// Create registers f and returns its transient reference.
func (r *Registry) Create(f viewer.File) (viewer.ResourceRef, error) {
	if f.Open == nil {
		return viewer.ResourceRef{}, ErrNoOpener
	}
	u := scheme + r.origin + "/" + uuid.NewString()
	r.mu.Lock()
	r.entries[u] = entry{file: f}
	r.created++
	r.mu.Unlock()
	return viewer.ResourceRef{URL: u}, nil
}

// Release revokes ref. Releasing an unknown or already released ref is a no-op.
func (r *Registry) Release(ref viewer.ResourceRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[ref.URL]; ok {
		delete(r.entries, ref.URL)
		r.released++
	}
}

// Open returns a reader over the file behind url.
func (r *Registry) Open(url string) (io.ReadCloser, viewer.File, error) {
	r.mu.RLock()
	e, ok := r.entries[url]
	r.mu.RUnlock()
	if !ok {
		return nil, viewer.File{}, xerrors.Wrapf(ErrNotFound, "open %s", url)
	}
	rc, err := e.file.Open()
	if err != nil {
		return nil, e.file, xerrors.Wrapf(err, "open %s (%s)", url, e.file.Name)
	}
	return rc, e.file, nil
}

// Handles reports how many handles are live.
func (r *Registry) Handles() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats returns lifetime create/release counts.
func (r *Registry) Stats() (created, released uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.created, r.released
}

// Owns reports whether url was minted by this registry.
func (r *Registry) Owns(url string) bool {
	return strings.HasPrefix(url, scheme+r.origin+"/")
}
