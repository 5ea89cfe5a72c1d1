// Package sandbox provides isolated, permission- and resource-bounded
// execution of plugin code.
//
// A Sandbox is bound to one plugin. Its SecurityPolicy and ResourceLimits
// come from a Level preset (low, medium, high) unless overridden. Code runs
// in an embedded Lua (gopher-lua) or JavaScript (goja) engine with an
// execution-local environment layered over the injected resources. Every
// run races a timeout; the first of completion and timeout wins.
//
// Denied operations and timeouts produce a SecurityEvent in addition to the
// returned error.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/plughost/internal/rterrors"
)

// Sandbox errors.
var (
	// ErrDestroyed is returned by every operation on a destroyed sandbox.
	ErrDestroyed = errors.New("sandbox destroyed")

	// ErrNoModule is returned by CallExport before LoadModule succeeded.
	ErrNoModule = errors.New("no module loaded")

	// ErrNoExport is returned when a module does not export the function.
	ErrNoExport = errors.New("module export not found")
)

// resourceNamePattern restricts resource names to identifiers.
var resourceNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// blockedResourceNames could shadow the prototype chain, metatables or
// the engine globals.
var blockedResourceNames = map[string]bool{
	"__proto__":        true,
	"constructor":      true,
	"prototype":        true,
	"__defineGetter__": true,
	"__defineSetter__": true,
	"__index":          true,
	"__newindex":       true,
	"__metatable":      true,
	"_G":               true,
	"_ENV":             true,
	"globalThis":       true,
	"require":          true,
	"load":             true,
	"eval":             true,
	"exports":          true,
	"module":           true,
}

// Config describes a sandbox.
type Config struct {
	PluginName  string
	Level       Level
	Language    Language
	Permissions []string

	// WorkDir is added to the file system allow-list.
	WorkDir string

	// Policy and Limits override the Level presets when set.
	Policy *SecurityPolicy
	Limits *ResourceLimits
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger used for script output and diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSecurityEventHandler sets the receiver of security events.
func WithSecurityEventHandler(h SecurityEventHandler) Option {
	return func(s *Sandbox) {
		s.onEvent = h
	}
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sandbox) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithHTTPClient sets the client used by http_get.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sandbox) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// Stats is a snapshot of sandbox counters.
type Stats struct {
	Executions       int64
	Timeouts         int64
	Violations       int64
	OutboundRequests int64
	MemoryUsage      int64
	BusyTime         time.Duration
	Uptime           time.Duration
	Resources        int
}

// Sandbox is an isolated execution context for one plugin.
type Sandbox struct {
	mu sync.RWMutex

	id         string
	pluginName string
	language   Language
	level      Level

	policy      SecurityPolicy
	limits      ResourceLimits
	permissions map[string]bool
	fsRoots     []string

	resources     map[string]any
	resourceBytes map[string]int64

	// runMu serializes engine access.
	runMu  sync.Mutex
	engine engine

	// root is cancelled by Destroy to abort in-flight runs.
	root   context.Context
	cancel context.CancelFunc

	createdAt time.Time
	destroyed bool

	executions atomic.Int64
	timeouts   atomic.Int64
	violations atomic.Int64
	outbound   atomic.Int64
	openFiles  atomic.Int64
	busyNanos  atomic.Int64

	onEvent    SecurityEventHandler
	logger     *slog.Logger
	tracer     trace.Tracer
	httpClient *http.Client
}

// New creates a sandbox.
func New(cfg Config, opts ...Option) (*Sandbox, error) {
	level := cfg.Level
	if level == "" {
		level = LevelMedium
	}
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}

	policy := PolicyFor(level)
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	limits := LimitsFor(level)
	if cfg.Limits != nil {
		limits = *cfg.Limits
	}

	lang := cfg.Language
	if lang == "" {
		lang = LanguageLua
	}

	root, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		id:            uuid.NewString(),
		pluginName:    cfg.PluginName,
		language:      lang,
		level:         level,
		policy:        policy,
		limits:        limits,
		permissions:   make(map[string]bool, len(cfg.Permissions)),
		resources:     make(map[string]any),
		resourceBytes: make(map[string]int64),
		root:          root,
		cancel:        cancel,
		createdAt:     time.Now(),
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/dshills/plughost/internal/sandbox"),
		httpClient:    &http.Client{},
	}
	for _, p := range cfg.Permissions {
		s.permissions[p] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sandbox", "plugin", s.pluginName, "sandbox", s.id)

	if policy.AllowFileSystem {
		s.fsRoots = append(s.fsRoots, policy.AllowedPaths...)
		if cfg.WorkDir != "" {
			s.fsRoots = append(s.fsRoots, cfg.WorkDir)
		}
	}

	eng, err := newEngine(lang, engineConfig{policy: policy, builtins: s.builtins()})
	if err != nil {
		cancel()
		return nil, err
	}
	s.engine = eng
	return s, nil
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() string { return s.id }

// PluginName returns the name of the plugin the sandbox is bound to.
func (s *Sandbox) PluginName() string { return s.pluginName }

// Language returns the engine language.
func (s *Sandbox) Language() Language { return s.language }

// Level returns the security level.
func (s *Sandbox) Level() Level { return s.level }

// Policy returns the effective security policy.
func (s *Sandbox) Policy() SecurityPolicy { return s.policy }

// Limits returns the effective resource limits.
func (s *Sandbox) Limits() ResourceLimits { return s.limits }

// CheckPermission returns true if "*" or permission was granted.
func (s *Sandbox) CheckPermission(permission string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions["*"] || s.permissions[permission]
}

// Execute runs code with vars bound in an execution-local environment and
// returns the value of its final return statement.
func (s *Sandbox) Execute(ctx context.Context, code string, vars map[string]any) (any, error) {
	timeout := executionTimeout(s.policy, s.limits)
	return s.run(ctx, "execute", timeout, func(ctx context.Context) (any, error) {
		return s.engine.run(ctx, code, vars, false)
	})
}

// Evaluate computes a single expression. The policy must allow evaluation.
func (s *Sandbox) Evaluate(ctx context.Context, expr string, vars map[string]any) (any, error) {
	if s.IsDestroyed() {
		return nil, s.wrap(ErrDestroyed)
	}
	if !s.policy.AllowEval {
		err := &rterrors.PermissionError{Permission: "eval", Operation: "evaluate", Reason: "expression evaluation is disabled by policy"}
		s.securityEvent(EventEvaluationDenied, err.Error(), map[string]any{"expression": truncate(expr, 200)})
		return nil, s.wrap(err)
	}

	timeout := executionTimeout(s.policy, s.limits)
	if timeout > EvaluateTimeout {
		timeout = EvaluateTimeout
	}
	return s.run(ctx, "evaluate", timeout, func(ctx context.Context) (any, error) {
		return s.engine.run(ctx, expr, vars, true)
	})
}

// LoadModule runs a module body once and keeps its exports for CallExport.
// Lua modules return a table or fill the exports table; JavaScript modules
// assign module.exports or fill exports.
func (s *Sandbox) LoadModule(ctx context.Context, source string) error {
	timeout := executionTimeout(s.policy, s.limits)
	_, err := s.run(ctx, "load", timeout, func(ctx context.Context) (any, error) {
		return nil, s.engine.load(ctx, source)
	})
	return err
}

// CallExport calls a function exported by the loaded module.
func (s *Sandbox) CallExport(ctx context.Context, name string, args ...any) (any, error) {
	timeout := executionTimeout(s.policy, s.limits)
	return s.run(ctx, "call:"+name, timeout, func(ctx context.Context) (any, error) {
		return s.engine.call(ctx, name, args)
	})
}

// HasExport reports whether the loaded module exports a function name.
func (s *Sandbox) HasExport(name string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.IsDestroyed() {
		return false
	}
	return s.engine.hasExport(name)
}

// Exports returns the names of the functions the loaded module exports,
// sorted.
func (s *Sandbox) Exports() []string {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.IsDestroyed() {
		return nil
	}
	names := s.engine.exportNames()
	sort.Strings(names)
	return names
}

// run checks limits, then races fn against timeout.
func (s *Sandbox) run(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	ctx, span := s.tracer.Start(ctx, "sandbox."+spanName(op), trace.WithAttributes(
		attribute.String("plugin.name", s.pluginName),
		attribute.String("sandbox.id", s.id),
		attribute.String("sandbox.language", string(s.language)),
		attribute.String("sandbox.operation", op),
	))
	defer span.End()

	result, err := s.race(ctx, op, timeout, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (s *Sandbox) race(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if s.IsDestroyed() {
		return nil, s.wrap(ErrDestroyed)
	}
	if err := s.checkLimits(); err != nil {
		return nil, s.wrap(err)
	}
	s.executions.Add(1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(s.root, cancel)
	defer stop()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		s.runMu.Lock()
		defer s.runMu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("sandbox panic: %v", r)}
			}
		}()
		defer func() {
			s.busyNanos.Add(int64(time.Since(start)))
		}()

		if runCtx.Err() != nil {
			done <- result{err: runCtx.Err()}
			return
		}
		if s.IsDestroyed() {
			done <- result{err: ErrDestroyed}
			return
		}
		v, err := fn(runCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, s.timedOut(op, timeout)
		}
		if r.err != nil && s.IsDestroyed() {
			return nil, s.wrap(ErrDestroyed)
		}
		if r.err != nil {
			return nil, s.wrap(r.err)
		}
		return r.value, nil

	case <-runCtx.Done():
		// The engine observes the same context and stops on its own; the
		// result, if any, is discarded.
		if ctx.Err() != nil {
			return nil, s.wrap(ctx.Err())
		}
		if s.IsDestroyed() {
			return nil, s.wrap(ErrDestroyed)
		}
		return nil, s.timedOut(op, timeout)
	}
}

func (s *Sandbox) timedOut(op string, timeout time.Duration) error {
	s.timeouts.Add(1)
	err := &rterrors.TimeoutError{Operation: op, Limit: timeout.String()}
	s.securityEvent(EventTimeout, err.Error(), map[string]any{
		"operation":  op,
		"timeout_ms": timeout.Milliseconds(),
	})
	return s.wrap(err)
}

// checkLimits enforces the aggregate ceilings before a run.
func (s *Sandbox) checkLimits() error {
	if limit := memoryLimit(s.policy, s.limits); limit > 0 {
		if used := s.MemoryUsage(); used > limit {
			return s.limitExceeded("memory", limit, used)
		}
	}
	if s.limits.MaxExecutions > 0 {
		if n := s.executions.Load(); n >= s.limits.MaxExecutions {
			return s.limitExceeded("executions", s.limits.MaxExecutions, n+1)
		}
	}
	if s.limits.MaxUptime > 0 {
		if up := time.Since(s.createdAt); up > s.limits.MaxUptime {
			return s.limitExceeded("uptime", int64(s.limits.MaxUptime/time.Millisecond), int64(up/time.Millisecond))
		}
	}
	if s.limits.CPUTime > 0 {
		if busy := time.Duration(s.busyNanos.Load()); busy > s.limits.CPUTime {
			return s.limitExceeded("cpu-time", int64(s.limits.CPUTime/time.Millisecond), int64(busy/time.Millisecond))
		}
	}
	return nil
}

func (s *Sandbox) limitExceeded(resource string, limit, current int64) error {
	err := &rterrors.ResourceLimitError{Resource: resource, Limit: limit, Current: current}
	s.securityEvent(EventResourceLimit, err.Error(), map[string]any{
		"resource": resource,
		"limit":    limit,
		"current":  current,
	})
	return err
}

// AddResource injects a named value into every execution environment.
// The sandbox must hold "resource:<name>" or "*".
func (s *Sandbox) AddResource(name string, value any) error {
	if s.IsDestroyed() {
		return s.wrap(ErrDestroyed)
	}

	if !s.CheckPermission("resource:" + name) {
		err := &rterrors.PermissionError{Permission: "resource:" + name, Operation: "addResource", Reason: "not granted"}
		s.securityEvent(EventPermissionDenied, err.Error(), map[string]any{"resource": name})
		return s.wrap(err)
	}

	size, err := validateResource(name, value)
	if err != nil {
		s.securityEvent(EventResourceRejected, err.Error(), map[string]any{"resource": name})
		return s.wrap(err)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return s.wrap(ErrDestroyed)
	}
	s.resources[name] = value
	s.resourceBytes[name] = size
	s.mu.Unlock()

	s.engine.setResource(name, value)
	return nil
}

// RemoveResource removes an injected value.
func (s *Sandbox) RemoveResource(name string) error {
	if s.IsDestroyed() {
		return s.wrap(ErrDestroyed)
	}
	if !s.CheckPermission("resource:" + name) {
		err := &rterrors.PermissionError{Permission: "resource:" + name, Operation: "removeResource", Reason: "not granted"}
		s.securityEvent(EventPermissionDenied, err.Error(), map[string]any{"resource": name})
		return s.wrap(err)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return s.wrap(ErrDestroyed)
	}
	delete(s.resources, name)
	delete(s.resourceBytes, name)
	s.mu.Unlock()

	s.engine.removeResource(name)
	return nil
}

// Resources returns the names of the injected resources.
func (s *Sandbox) Resources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.resources))
	for k := range s.resources {
		names = append(names, k)
	}
	return names
}

// validateResource rejects dangerous names and values and returns the
// serialized size of value.
func validateResource(name string, value any) (int64, error) {
	if !resourceNamePattern.MatchString(name) || blockedResourceNames[name] {
		return 0, rterrors.NewValidationError("resource", name, "name is not allowed")
	}
	if containsFunc(reflect.ValueOf(value), 0) {
		return 0, rterrors.NewValidationError("resource", name, "functions cannot be injected")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return 0, rterrors.NewValidationError("resource", name, "value is not serializable")
	}
	if len(data) > MaxResourceSize {
		return 0, rterrors.NewValidationError("resource", name, fmt.Sprintf("serialized size %d exceeds %d bytes", len(data), MaxResourceSize))
	}
	return int64(len(data)), nil
}

// containsFunc reports whether v is or holds a func, chan, or unsafe pointer.
func containsFunc(v reflect.Value, depth int) bool {
	if !v.IsValid() || depth > 32 {
		return false
	}
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return true
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return false
		}
		return containsFunc(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if containsFunc(v.Index(i), depth+1) {
				return true
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if containsFunc(iter.Value(), depth+1) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if containsFunc(v.Field(i), depth+1) {
				return true
			}
		}
	}
	return false
}

// MemoryUsage returns the accounted memory: the serialized size of all
// injected resources.
func (s *Sandbox) MemoryUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, n := range s.resourceBytes {
		total += n
	}
	return total
}

// Stats returns a snapshot of sandbox counters.
func (s *Sandbox) Stats() Stats {
	s.mu.RLock()
	n := len(s.resources)
	s.mu.RUnlock()
	return Stats{
		Executions:       s.executions.Load(),
		Timeouts:         s.timeouts.Load(),
		Violations:       s.violations.Load(),
		OutboundRequests: s.outbound.Load(),
		MemoryUsage:      s.MemoryUsage(),
		BusyTime:         time.Duration(s.busyNanos.Load()),
		Uptime:           time.Since(s.createdAt),
		Resources:        n,
	}
}

// IsDestroyed returns true after Destroy.
func (s *Sandbox) IsDestroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed
}

// Destroy aborts any in-flight run, clears all resources and bindings and
// releases the engine. It is safe to call more than once.
func (s *Sandbox) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.resources = make(map[string]any)
	s.resourceBytes = make(map[string]int64)
	s.mu.Unlock()

	s.cancel()

	s.runMu.Lock()
	s.engine.close()
	s.runMu.Unlock()

	s.logger.Debug("sandbox destroyed")
}

// securityEvent records a violation and notifies the handler.
func (s *Sandbox) securityEvent(typ SecurityEventType, msg string, data map[string]any) {
	s.violations.Add(1)
	ev := SecurityEvent{
		ID:         uuid.NewString(),
		Time:       time.Now(),
		SandboxID:  s.id,
		PluginName: s.pluginName,
		Type:       typ,
		Message:    msg,
		Data:       data,
	}
	s.logger.Warn("security event", "type", typ, "message", msg)

	if s.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("security event handler panicked", "panic", r)
		}
	}()
	s.onEvent(ev)
}

// wrap annotates err with the sandbox identity.
func (s *Sandbox) wrap(err error) error {
	if err == nil {
		return nil
	}
	return &Error{SandboxID: s.id, Plugin: s.pluginName, Err: err}
}

// Error wraps errors returned from sandbox operations with the sandbox and
// plugin identity.
type Error struct {
	SandboxID string
	Plugin    string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s (plugin %s): %v", shortID(e.SandboxID), e.Plugin, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func spanName(op string) string {
	if len(op) > 5 && op[:5] == "call:" {
		return "call"
	}
	return op
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
