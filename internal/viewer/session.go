package viewer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/viewerboot/internal/log"
	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

// Session owns one engine instance bound to one container.
type Session struct {
	container  Container
	engine     Engine
	resolver   Resolver
	handles    HandleStore
	cfg        Config
	extensions []ExtensionKind
	logger     log.Logger
	metrics    Metrics
	tracer     trace.Tracer

	mu          sync.Mutex
	state       State
	initStarted bool
	failure     error
	instance    Instance
	registered  []ExtensionKind
	queue       []*job

	wake       chan struct{}
	done       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once

	completed atomic.Int64
}

type job struct {
	ctx     context.Context
	id      string
	req     LoadRequest
	started bool
	reply   chan jobResult
}

type jobResult struct {
	report *Report
	err    error
}

// NewSession constructs a session in the Uninitialized state. It performs no
// I/O; call Initialize before submitting loads.
func NewSession(opts *Options) *Session {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	var m Metrics = nopMetrics{}
	if opts.Metrics != nil {
		m = opts.Metrics
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("viewerboot/viewer")
	}
	exts := DefaultExtensions()
	if opts.Extensions != nil {
		exts = append([]ExtensionKind(nil), opts.Extensions...)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = Passthrough()
	}

	containerID := ""
	if opts.Container != nil {
		containerID = opts.Container.ContainerID()
	}

	s := &Session{
		container:  opts.Container,
		engine:     opts.Engine,
		resolver:   resolver,
		handles:    opts.Handles,
		cfg:        opts.Config,
		extensions: exts,
		logger:     logger.With("component", "viewer", "container", containerID),
		metrics:    m,
		tracer:     tracer,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	s.metrics.SetSessionState(StateUninitialized.String())
	return s
}

// Start constructs and initializes a session. The session is returned even
// when initialization fails so the host can inspect its status.
func Start(ctx context.Context, opts *Options) (*Session, error) {
	s := NewSession(opts)
	if err := s.Initialize(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Passthrough returns a resolver that maps a URL to exactly one reference.
func Passthrough() Resolver {
	return ResolverFunc(func(_ context.Context, url, token string) ([]ResourceRef, error) {
		return []ResourceRef{{URL: url, Token: token}}, nil
	})
}

// Config returns the immutable session configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Instance returns the engine instance once Ready, or nil.
func (s *Session) Instance() Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

// ReadyErr returns nil when the session accepts loads.
func (s *Session) ReadyErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyErrLocked()
}

func (s *Session) readyErrLocked() error {
	switch s.state {
	case StateReady:
		return nil
	case StateFailed:
		return fmt.Errorf("%w (state %s): %w", ErrNotReady, s.state, s.failure)
	case StateClosed:
		return fmt.Errorf("%w (state %s): %w", ErrNotReady, s.state, ErrSessionClosed)
	default:
		return fmt.Errorf("%w (state %s)", ErrNotReady, s.state)
	}
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	s.metrics.SetSessionState(st.String())
}

// fail moves a live session to Failed. Terminal states are left alone.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.failure = err
	s.setStateLocked(StateFailed)
}

// diag logs per-resource diagnostics at info when verbose, debug otherwise.
func (s *Session) diag(ctx context.Context, L log.Logger, msg string, kv ...any) {
	if s.cfg.Verbose {
		L.Info(ctx, msg, kv...)
		return
	}
	L.Debug(ctx, msg, kv...)
}

// Initialize binds the engine to the container and registers extensions.
// It may be called once; later calls return ErrAlreadyInitialized.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.initStarted {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initStarted = true
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "viewer.initialize",
		trace.WithAttributes(
			attribute.Bool("viewer.verbose", s.cfg.Verbose),
			attribute.Bool("viewer.workers", s.cfg.WorkerScriptPath != ""),
		),
	)
	defer span.End()

	start := time.Now()
	inst, registered, err := s.initEngine(ctx)
	if err != nil {
		s.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, err, "viewer initialization failed")
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		closeInstance(inst)
		return ErrSessionClosed
	}
	s.instance = inst
	s.registered = registered
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	go s.run()

	s.logger.Info(ctx, "viewer initialized",
		"extensions", registered,
		"workers", s.cfg.WorkerScriptPath != "",
		"duration", time.Since(start).String(),
	)
	return nil
}

func (s *Session) initEngine(ctx context.Context) (Instance, []ExtensionKind, error) {
	if s.container == nil || s.container.ContainerID() == "" {
		return nil, nil, &InitializationError{Stage: "container", Err: ErrInvalidContainer}
	}
	if s.engine == nil {
		return nil, nil, &InitializationError{Stage: "engine", Err: xerrors.New("no engine configured")}
	}

	inst, err := s.engine.Init(ctx, s.container, s.cfg)
	if err != nil {
		return nil, nil, &InitializationError{Stage: "engine", Err: err}
	}
	if inst == nil {
		return nil, nil, &InitializationError{Stage: "engine", Err: xerrors.New("engine returned no instance")}
	}

	host, ok := inst.(ExtensionHost)
	if !ok {
		s.logger.Debug(ctx, "engine does not support extensions, skipping registration")
		return inst, nil, nil
	}
	registered := make([]ExtensionKind, 0, len(s.extensions))
	for _, kind := range s.extensions {
		if err := host.RegisterExtension(ctx, kind); err != nil {
			closeInstance(inst)
			return nil, nil, &InitializationError{
				Stage: "extension",
				Err:   xerrors.Wrapf(err, "register %s", kind),
			}
		}
		registered = append(registered, kind)
		s.diag(ctx, s.logger, "extension registered", "extension", string(kind))
	}
	return inst, registered, nil
}

// SubmitLoad queues a request behind any in-flight one and waits for its report.
//
// A nil report with ErrNotReady means nothing was attempted. A
// *ResolutionError means the request was rejected before any engine call.
// Per-resource failures do not produce an error: inspect Report.Results
// (or Report.Err). When ctx is cancelled after the request started, the
// reference already in progress is awaited and the partial report is
// returned together with ctx.Err(); the remaining references are listed in
// Report.Skipped.
func (s *Session) SubmitLoad(ctx context.Context, req LoadRequest) (*Report, error) {
	j := &job{
		ctx:   ctx,
		id:    uuid.NewString(),
		req:   req,
		reply: make(chan jobResult, 1),
	}

	s.mu.Lock()
	if err := s.readyErrLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.queue = append(s.queue, j)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case r := <-j.reply:
		return r.report, r.err
	case <-ctx.Done():
	}

	// cancelled: drop the job if the worker has not picked it up yet
	s.mu.Lock()
	if !j.started {
		s.removeLocked(j)
		depth := len(s.queue)
		s.mu.Unlock()
		s.metrics.SetQueueDepth(depth)
		return nil, ctx.Err()
	}
	s.mu.Unlock()
	r := <-j.reply
	return r.report, r.err
}

func (s *Session) removeLocked(j *job) {
	for i, q := range s.queue {
		if q == j {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// run is the single worker that serializes every engine load.
func (s *Session) run() {
	defer close(s.workerDone)
	for {
		j, ok := s.next()
		if !ok {
			return
		}
		rep, err := s.process(j)
		j.reply <- jobResult{report: rep, err: err}
	}
}

func (s *Session) next() (*job, bool) {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			j := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			j.started = true
			depth := len(s.queue)
			s.mu.Unlock()
			s.metrics.SetQueueDepth(depth)
			return j, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
		}
	}
}

func (s *Session) process(j *job) (*Report, error) {
	ctx, span := s.tracer.Start(j.ctx, "viewer.submit_load",
		trace.WithAttributes(
			attribute.String("viewer.request_id", j.id),
			attribute.String("viewer.request_kind", j.req.Kind.String()),
		),
	)
	defer span.End()

	L := s.logger.With("request_id", j.id, "kind", j.req.Kind.String())

	if err := s.ReadyErr(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	refs, release, err := s.resolve(ctx, j.req)
	if err != nil {
		s.metrics.IncResolution("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "load request resolution failed", "target", j.req.target())
		return nil, err
	}
	defer release()
	s.metrics.IncResolution("ok")
	span.SetAttributes(attribute.Int("viewer.resources", len(refs)))

	rep := &Report{
		RequestID: j.id,
		Kind:      j.req.Kind.String(),
		Results:   make([]Result, 0, len(refs)),
	}
	if len(refs) == 0 {
		s.completed.Add(1)
		L.Info(ctx, "load request resolved to no resources", "target", j.req.target())
		return rep, nil
	}
	s.diag(ctx, L, "load request resolved", "target", j.req.target(), "resources", len(refs))

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			rep.Skipped = append(rep.Skipped, refs[i:]...)
			L.Warn(ctx, "load request cancelled, skipping remaining resources",
				"attempted", len(rep.Results),
				"skipped", len(rep.Skipped),
			)
			return rep, err
		}
		if err := s.ReadyErr(); err != nil {
			rep.Skipped = append(rep.Skipped, refs[i:]...)
			L.Warn(ctx, "session left ready state, skipping remaining resources",
				"attempted", len(rep.Results),
				"skipped", len(rep.Skipped),
			)
			return rep, err
		}

		res := s.loadOne(ctx, L, i, ref)
		rep.Results = append(rep.Results, res)
		if res.Err != nil && res.Err.IsFatal() {
			s.fail(res.Err)
		}
	}

	s.completed.Add(1)
	if failed := rep.Failed(); len(failed) > 0 {
		span.SetStatus(codes.Error, "one or more resources failed to load")
		L.Warn(ctx, "load request completed with failures",
			"attempted", len(rep.Results),
			"failed", len(failed),
		)
	} else {
		L.Info(ctx, "load request completed", "loaded", len(rep.Results))
	}
	return rep, nil
}

func (s *Session) resolve(ctx context.Context, req LoadRequest) ([]ResourceRef, func(), error) {
	ctx, span := s.tracer.Start(ctx, "viewer.resolve")
	defer span.End()

	noop := func() {}
	switch req.Kind {
	case RequestFile:
		if req.File.Open == nil {
			return nil, noop, &ResolutionError{Target: req.File.Name, Err: xerrors.Wrap(ErrInvalidRequest, "file has no content")}
		}
		if s.handles == nil {
			return nil, noop, &ResolutionError{Target: req.File.Name, Err: xerrors.New("no handle store configured for file requests")}
		}
		ref, err := s.handles.Create(req.File)
		if err != nil {
			return nil, noop, &ResolutionError{Target: req.File.Name, Err: err}
		}
		s.metrics.AddTransientHandles(1)
		var once sync.Once
		release := func() {
			once.Do(func() {
				s.handles.Release(ref)
				s.metrics.AddTransientHandles(-1)
			})
		}
		return []ResourceRef{ref}, release, nil

	case RequestURL:
		if req.URL == "" {
			return nil, noop, &ResolutionError{Target: req.URL, Err: xerrors.Wrap(ErrInvalidRequest, "empty url")}
		}
		refs, err := s.resolver.Resolve(ctx, req.URL, req.Token)
		if err != nil {
			return nil, noop, &ResolutionError{Target: req.URL, Err: err}
		}
		for i := range refs {
			if refs[i].Token == "" {
				refs[i].Token = req.Token
			}
		}
		return refs, noop, nil

	default:
		return nil, noop, &ResolutionError{Target: req.target(), Err: xerrors.Wrapf(ErrInvalidRequest, "unknown request kind %d", int(req.Kind))}
	}
}

func (s *Session) loadOne(ctx context.Context, L log.Logger, index int, ref ResourceRef) Result {
	ctx, span := s.tracer.Start(ctx, "viewer.load_resource",
		trace.WithAttributes(
			attribute.String("viewer.resource", ref.URL),
			attribute.Int("viewer.resource_index", index),
		),
	)
	defer span.End()

	start := time.Now()
	err := s.callLoad(ctx, ref)
	dur := time.Since(start)
	s.metrics.ObserveResourceLoadDuration(dur.Seconds())

	if err != nil {
		le := &LoadError{Ref: ref, Index: index, Err: err}
		s.metrics.IncLoad(string(OutcomeLoadError))
		span.RecordError(le)
		span.SetStatus(codes.Error, le.Error())
		L.Error(ctx, le, "resource load failed",
			"resource", ref.URL,
			"index", index,
			"fatal", le.IsFatal(),
		)
		return Result{Ref: ref, Outcome: OutcomeLoadError, Detail: err.Error(), Err: le}
	}

	s.metrics.IncLoad(string(OutcomeSuccess))
	s.diag(ctx, L, "resource loaded",
		"resource", ref.URL,
		"index", index,
		"duration", dur.String(),
	)
	return Result{Ref: ref, Outcome: OutcomeSuccess}
}

// callLoad converts an engine panic into a load error for that reference.
func (s *Session) callLoad(ctx context.Context, ref ResourceRef) (err error) {
	inst := s.Instance()
	if inst == nil {
		return ErrNotReady
	}
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Newf("engine panic: %v", r)
		}
	}()
	return inst.Load(ctx, ref)
}

// Status is a point-in-time view of the session.
type Status struct {
	State      State           `json:"state"`
	Container  string          `json:"container"`
	Extensions []ExtensionKind `json:"extensions"`
	Completed  int64           `json:"completed_requests"`
	QueueDepth int             `json:"queue_depth"`
	Verbose    bool            `json:"verbose"`
	Workers    bool            `json:"workers"`
	Failure    string          `json:"failure,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:      s.state,
		Extensions: append([]ExtensionKind{}, s.registered...),
		Completed:  s.completed.Load(),
		QueueDepth: len(s.queue),
		Verbose:    s.cfg.Verbose,
		Workers:    s.cfg.WorkerScriptPath != "",
	}
	if s.container != nil {
		st.Container = s.container.ContainerID()
	}
	if s.failure != nil {
		st.Failure = s.failure.Error()
	}
	return st
}

// Close stops the worker, fails every queued request with ErrSessionClosed,
// waits for the in-flight request (bounded by ctx) and closes the engine
// instance when it implements io.Closer. The in-flight request stops before
// its next reference. If ctx expires first, the instance is closed in the
// background once that request returns.
func (s *Session) Close(ctx context.Context) error {
	var (
		pending []*job
		inst    Instance
		started bool
		already = true
	)
	s.closeOnce.Do(func() {
		already = false
		s.mu.Lock()
		started = s.initStarted && s.instance != nil
		pending = s.queue
		s.queue = nil
		inst = s.instance
		s.setStateLocked(StateClosed)
		s.mu.Unlock()
		close(s.done)
	})
	if already {
		return nil
	}

	for _, j := range pending {
		j.reply <- jobResult{err: ErrSessionClosed}
	}
	s.metrics.SetQueueDepth(0)

	if started {
		select {
		case <-s.workerDone:
		case <-ctx.Done():
			// the instance is still in use; close it once the worker exits
			go s.closeAfterWorker(context.WithoutCancel(ctx), inst)
			return xerrors.Wrap(ctx.Err(), "wait for in-flight load")
		}
	}
	if err := closeInstance(inst); err != nil {
		s.logger.Error(ctx, err, "engine instance close failed")
		return err
	}
	s.logger.Info(ctx, "viewer session closed", "completed_requests", s.completed.Load())
	return nil
}

func (s *Session) closeAfterWorker(ctx context.Context, inst Instance) {
	<-s.workerDone
	if err := closeInstance(inst); err != nil {
		s.logger.Error(ctx, err, "engine instance close failed")
		return
	}
	s.logger.Info(ctx, "viewer session closed after in-flight load", "completed_requests", s.completed.Load())
}

func closeInstance(inst Instance) error {
	if c, ok := inst.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
