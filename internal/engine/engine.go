package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/keithlinneman/viewerboot/internal/log"
	"github.com/keithlinneman/viewerboot/internal/viewer"
	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

// DefaultMaxObjectBytes bounds a single fetched resource.
const DefaultMaxObjectBytes = 256 << 20

var (
	ErrNoRenderContext    = errors.New("engine: surface has no rendering context")
	ErrUnsupportedSurface = errors.New("engine: container is not an engine surface")
	ErrUnknownExtension   = errors.New("engine: unknown extension")
	ErrEmptyResource      = errors.New("engine: resource is empty")
	ErrTooLarge           = errors.New("engine: resource too large")
)

type Options struct {
	Fetcher Fetcher
	Logger  log.Logger

	// Workers sizes the parse pool when worker offload is enabled.
	// Zero picks min(NumCPU, 4).
	Workers int

	MaxObjectBytes int64
}

// Engine creates headless instances. It is safe for concurrent use.
type Engine struct {
	fetcher  Fetcher
	logger   log.Logger
	workers  int
	maxBytes int64
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = min(runtime.NumCPU(), 4)
	}
	if opts.MaxObjectBytes <= 0 {
		opts.MaxObjectBytes = DefaultMaxObjectBytes
	}
	return &Engine{
		fetcher:  opts.Fetcher,
		logger:   opts.Logger.With("component", "engine"),
		workers:  opts.Workers,
		maxBytes: opts.MaxObjectBytes,
	}
}

// Init binds a new instance to c, which must be a Surface with a non-zero size.
func (e *Engine) Init(ctx context.Context, c viewer.Container, cfg viewer.Config) (viewer.Instance, error) {
	var surf Surface
	switch v := c.(type) {
	case Surface:
		surf = v
	case *Surface:
		if v == nil {
			return nil, ErrUnsupportedSurface
		}
		surf = *v
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSurface, c)
	}
	if !surf.hasContext() {
		return nil, fmt.Errorf("%w: %s", ErrNoRenderContext, surf)
	}
	if e.fetcher == nil {
		return nil, xerrors.New("engine: no fetcher configured")
	}

	inst := &Instance{
		surface:  surf,
		fetcher:  e.fetcher,
		verbose:  cfg.Verbose,
		maxBytes: e.maxBytes,
		logger:   e.logger.With("surface", surf.ID),
		exts:     make(map[viewer.ExtensionKind]bool),
	}
	if cfg.WorkerScriptPath != "" {
		inst.pool = newPool(e.workers)
		inst.workerScript = cfg.WorkerScriptPath
	}
	inst.logger.Info(ctx, "engine instance created",
		"width", surf.Width,
		"height", surf.Height,
		"workers", inst.poolSize(),
		"worker_script", cfg.WorkerScriptPath,
		"verbose", cfg.Verbose,
	)
	return inst, nil
}

// Object is one entry of the world tree.
type Object struct {
	URL      string    `json:"url"`
	Format   string    `json:"format"`
	Size     int       `json:"size"`
	SHA256   string    `json:"sha256"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Scene is a snapshot of an instance.
type Scene struct {
	Surface    Surface                `json:"surface"`
	Extensions []viewer.ExtensionKind `json:"extensions"`
	Workers    int                    `json:"workers"`
	Objects    []Object               `json:"objects"`
}

// Instance is a headless engine bound to one surface.
type Instance struct {
	surface      Surface
	fetcher      Fetcher
	verbose      bool
	maxBytes     int64
	logger       log.Logger
	pool         *pool
	workerScript string

	mu      sync.RWMutex
	exts    map[viewer.ExtensionKind]bool
	extList []viewer.ExtensionKind
	objects []Object
	closed  bool
}

// RegisterExtension enables a capability module. Registering twice is a no-op.
func (i *Instance) RegisterExtension(ctx context.Context, kind viewer.ExtensionKind) error {
	switch kind {
	case viewer.ExtensionCameraController, viewer.ExtensionMeasurements:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownExtension, kind)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return viewer.ErrEngineLost
	}
	if !i.exts[kind] {
		i.exts[kind] = true
		i.extList = append(i.extList, kind)
	}
	return nil
}

// Load fetches, parses and records ref.
func (i *Instance) Load(ctx context.Context, ref viewer.ResourceRef) error {
	if i.isClosed() {
		return fmt.Errorf("load %s: %w", ref.URL, viewer.ErrEngineLost)
	}

	rc, err := i.fetcher.Fetch(ctx, ref)
	if err != nil {
		return err
	}
	data, err := readLimited(rc, ref.URL, i.maxBytes)
	if err != nil {
		return err
	}

	var obj Object
	if i.pool != nil {
		obj, err = i.pool.parse(ctx, ref, data)
	} else {
		obj, err = parse(ref, data)
	}
	if err != nil {
		return err
	}
	obj.LoadedAt = time.Now().UTC()

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return fmt.Errorf("load %s: %w", ref.URL, viewer.ErrEngineLost)
	}
	i.objects = append(i.objects, obj)
	n := len(i.objects)
	i.mu.Unlock()

	kv := []any{"resource", ref.URL, "format", obj.Format, "size", obj.Size, "objects", n}
	if i.verbose {
		i.logger.Info(ctx, "object added to scene", kv...)
	} else {
		i.logger.Debug(ctx, "object added to scene", kv...)
	}
	return nil
}

// Scene returns a copy of the world tree.
func (i *Instance) Scene() Scene {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Scene{
		Surface:    i.surface,
		Extensions: append([]viewer.ExtensionKind{}, i.extList...),
		Workers:    i.poolSize(),
		Objects:    append([]Object{}, i.objects...),
	}
}

// Close stops the parse pool. Later loads fail with viewer.ErrEngineLost.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()
	if i.pool != nil {
		i.pool.stop()
	}
	return nil
}

func (i *Instance) isClosed() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.closed
}

func (i *Instance) poolSize() int {
	if i.pool == nil {
		return 0
	}
	return i.pool.size
}

func parse(ref viewer.ResourceRef, data []byte) (Object, error) {
	if len(data) == 0 {
		return Object{}, fmt.Errorf("%s: %w", ref.URL, ErrEmptyResource)
	}
	format, err := sniff(data)
	if err != nil {
		return Object{}, xerrors.Wrapf(err, "parse %s", ref.URL)
	}
	return Object{
		URL:    ref.URL,
		Format: format,
		Size:   len(data),
		SHA256: sha256hex(data),
	}, nil
}

func sha256hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
