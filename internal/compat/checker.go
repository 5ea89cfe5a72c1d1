package compat

import (
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	version "github.com/hashicorp/go-version"

	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
)

// HostInfo describes the environment plugins are checked against.
type HostInfo struct {
	HostVersion    string
	RuntimeVersion string
	APIVersion     string
	OS             string
	Arch           string
}

// CurrentHost returns HostInfo for the running process.
func CurrentHost(hostVersion, apiVersion string) HostInfo {
	return HostInfo{
		HostVersion:    hostVersion,
		RuntimeVersion: strings.TrimPrefix(runtime.Version(), "go"),
		APIVersion:     apiVersion,
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
	}
}

// DefaultDangerousPermissions are permissions that raise a warning when
// requested.
var DefaultDangerousPermissions = []string{
	"*",
	"fs:write",
	"process:spawn",
	"shell",
	"exec",
	"eval",
	"native",
	"system:admin",
	"unsafe",
}

// ExclusivePermissions are permission pairs that cannot be honoured together.
var ExclusivePermissions = [][2]string{
	{"network", "sandbox-isolated"},
	{"fs:write", "readonly"},
	{"process:spawn", "sandbox-isolated"},
}

var osAliases = map[string]string{
	"macos": "darwin",
	"osx":   "darwin",
	"mac":   "darwin",
	"win32": "windows",
	"win":   "windows",
	"win64": "windows",
	"sunos": "solaris",
}

var archAliases = map[string]string{
	"x64":     "amd64",
	"x86_64":  "amd64",
	"x86":     "386",
	"ia32":    "386",
	"aarch64": "arm64",
}

// Checker evaluates plugin compatibility and caches results by
// name@version.
type Checker struct {
	mu    sync.RWMutex
	cache map[string]*Report

	host      HostInfo
	registry  plugin.Lookup
	dangerous map[string]bool

	emitter event.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithRegistry sets the registry used for dependency checks.
func WithRegistry(r plugin.Lookup) Option {
	return func(c *Checker) { c.registry = r }
}

// WithEmitter sets where check results are published.
func WithEmitter(e event.Emitter) Option {
	return func(c *Checker) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDangerousPermissions replaces the dangerous permission set.
func WithDangerousPermissions(perms ...string) Option {
	return func(c *Checker) {
		c.dangerous = make(map[string]bool, len(perms))
		for _, p := range perms {
			c.dangerous[p] = true
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker creates a checker for host.
func NewChecker(host HostInfo, opts ...Option) *Checker {
	c := &Checker{
		cache:   make(map[string]*Report),
		host:    host,
		emitter: event.Discard,
		logger:  slog.Default(),
		now:     time.Now,
	}
	WithDangerousPermissions(DefaultDangerousPermissions...)(c)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "compat")
	return c
}

// Host returns the host description.
func (c *Checker) Host() HostInfo { return c.host }

// SetRegistry sets the registry used for dependency checks.
func (c *Checker) SetRegistry(r plugin.Lookup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = r
}

// CheckPlugin checks a loaded plugin's manifest.
func (c *Checker) CheckPlugin(p plugin.Plugin) *Report {
	if p == nil {
		return c.failed("", "", fmt.Errorf("nil plugin"))
	}
	m := p.Manifest()
	if m == nil {
		m = &plugin.Manifest{Name: p.Name(), Version: p.Version()}
	}
	return c.Check(m)
}

// Check evaluates m against the host. Results are cached by name@version
// until ClearCache or Invalidate.
func (c *Checker) Check(m *plugin.Manifest) *Report {
	if m == nil {
		return c.failed("", "", fmt.Errorf("nil manifest"))
	}
	key := m.ID()

	c.mu.RLock()
	cached, ok := c.cache[key]
	registry := c.registry
	c.mu.RUnlock()
	if ok {
		return cached
	}

	r := c.evaluate(m, registry)

	c.mu.Lock()
	c.cache[key] = r
	c.mu.Unlock()

	c.logger.Debug("compatibility checked",
		"plugin", m.Name, "version", m.Version, "score", r.Score, "verdict", r.Verdict)
	c.emitter.Emit(event.TopicPluginCompatibilityChecked, r)
	return r
}

// Invalidate drops every cached report for the named plugin.
func (c *Checker) Invalidate(name string) {
	prefix := name + "@"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.cache {
		if strings.HasPrefix(k, prefix) {
			delete(c.cache, k)
		}
	}
}

// ClearCache drops every cached report.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*Report)
}

// CacheSize returns the number of cached reports.
func (c *Checker) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *Checker) newReport(name, ver string) *Report {
	return &Report{
		Plugin:          name,
		Version:         ver,
		Dimensions:      allPassed(),
		Issues:          []Issue{},
		Recommendations: []Recommendation{},
		CheckedAt:       c.now(),
	}
}

func (c *Checker) failed(name, ver string, err error) *Report {
	r := c.newReport(name, ver)
	r.add(checkFailed(err))
	r.finish()
	return r
}

func checkFailed(err error) Issue {
	return Issue{
		Type:     IssueCheckFailed,
		Severity: SeverityCritical,
		Code:     CodeCheckFailed,
		Message:  fmt.Sprintf("compatibility check failed: %v", err),
	}
}

// evaluate runs every dimension. A panic in one dimension is recorded as a
// critical issue and the remaining dimensions still run.
func (c *Checker) evaluate(m *plugin.Manifest, registry plugin.Lookup) *Report {
	r := c.newReport(m.Name, m.Version)

	checks := []func(*plugin.Manifest, *Report){
		c.checkVersion,
		c.checkPlatform,
		c.checkRuntime,
		c.checkOS,
		c.checkArch,
		func(m *plugin.Manifest, r *Report) { c.checkDependencies(m, r, registry) },
		c.checkPermissions,
		c.checkAPI,
	}
	for _, check := range checks {
		c.guard(m, r, check)
	}
	r.finish()
	return r
}

func (c *Checker) guard(m *plugin.Manifest, r *Report, check func(*plugin.Manifest, *Report)) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("compatibility check panicked", "plugin", m.Name, "panic", rec)
			r.add(checkFailed(fmt.Errorf("%v", rec)))
		}
	}()
	check(m, r)
}

func (c *Checker) checkVersion(m *plugin.Manifest, r *Report) {
	v, err := version.NewVersion(m.Version)
	if err != nil {
		r.Dimensions.Version = false
		r.add(Issue{
			Type:     IssueVersion,
			Severity: SeverityWarning,
			Code:     CodeInvalidVersion,
			Message:  fmt.Sprintf("version %q cannot be parsed", m.Version),
		})
		return
	}
	if !plugin.SemverPattern.MatchString(m.Version) {
		seg := v.Segments()
		r.Dimensions.Version = false
		r.add(Issue{
			Type:       IssueVersion,
			Severity:   SeverityWarning,
			Code:       CodeInvalidVersion,
			Message:    fmt.Sprintf("version %q is not MAJOR.MINOR.PATCH", m.Version),
			Resolution: fmt.Sprintf("use %d.%d.%d", seg[0], seg[1], seg[2]),
		})
	}
	if v.Prerelease() != "" {
		r.add(Issue{
			Type:     IssueVersion,
			Severity: SeverityInfo,
			Code:     CodePrereleaseVersion,
			Message:  fmt.Sprintf("version %s is a pre-release", m.Version),
		})
	}
}

// checkPlatform requires the same host major version and at least the
// required minor. Patch is ignored.
func (c *Checker) checkPlatform(m *plugin.Manifest, r *Report) {
	required := strings.TrimLeft(strings.TrimSpace(m.Compatibility.Host), "^~>=v ")
	if required == "" || c.host.HostVersion == "" {
		return
	}
	want, err := version.NewVersion(required)
	if err != nil {
		r.Dimensions.Platform = false
		r.add(Issue{
			Type:     IssuePlatform,
			Severity: SeverityWarning,
			Code:     CodeInvalidRange,
			Message:  fmt.Sprintf("required host version %q cannot be parsed", m.Compatibility.Host),
		})
		return
	}
	have, err := version.NewVersion(c.host.HostVersion)
	if err != nil {
		return
	}

	ws, hs := want.Segments(), have.Segments()
	if ws[0] == hs[0] && hs[1] >= ws[1] {
		return
	}
	r.Dimensions.Platform = false
	r.add(Issue{
		Type:       IssuePlatform,
		Severity:   SeverityCritical,
		Code:       CodePlatformVersionMismatch,
		Message:    fmt.Sprintf("requires host %s, running %s", required, c.host.HostVersion),
		Resolution: fmt.Sprintf("run on a %d.x host at %d.%d or later", ws[0], ws[0], ws[1]),
	})
	r.recommend(Recommendation{
		Type:     IssuePlatform,
		Priority: "high",
		Message:  "host version does not meet the plugin's requirement",
		Action:   fmt.Sprintf("upgrade host to %d.%d", ws[0], ws[1]),
	})
}

func (c *Checker) checkRuntime(m *plugin.Manifest, r *Report) {
	rng := strings.TrimSpace(m.Compatibility.Runtime)
	if rng == "" || c.host.RuntimeVersion == "" {
		return
	}
	have, err := version.NewVersion(c.host.RuntimeVersion)
	if err != nil {
		r.add(Issue{
			Type:     IssueRuntime,
			Severity: SeverityInfo,
			Code:     CodeRuntimeVersionMismatch,
			Message:  fmt.Sprintf("runtime version %q cannot be compared", c.host.RuntimeVersion),
		})
		return
	}
	parsed, err := ParseRange(rng)
	if err != nil {
		r.Dimensions.Runtime = false
		r.add(Issue{
			Type:     IssueRuntime,
			Severity: SeverityWarning,
			Code:     CodeInvalidRange,
			Message:  err.Error(),
		})
		return
	}
	if parsed.Check(have) {
		return
	}
	r.Dimensions.Runtime = false
	r.add(Issue{
		Type:     IssueRuntime,
		Severity: SeverityCritical,
		Code:     CodeRuntimeVersionMismatch,
		Message:  fmt.Sprintf("requires runtime %s, running %s", rng, c.host.RuntimeVersion),
	})
}

func (c *Checker) checkOS(m *plugin.Manifest, r *Report) {
	if supported(m.Compatibility.OS, c.host.OS, osAliases) {
		return
	}
	r.Dimensions.OS = false
	r.add(Issue{
		Type:     IssueOS,
		Severity: SeverityCritical,
		Code:     CodeOSUnsupported,
		Message:  fmt.Sprintf("%s is not in supported operating systems %v", c.host.OS, m.Compatibility.OS),
	})
}

func (c *Checker) checkArch(m *plugin.Manifest, r *Report) {
	if supported(m.Compatibility.Arch, c.host.Arch, archAliases) {
		return
	}
	r.Dimensions.Arch = false
	r.add(Issue{
		Type:     IssueArch,
		Severity: SeverityCritical,
		Code:     CodeArchUnsupported,
		Message:  fmt.Sprintf("%s is not in supported architectures %v", c.host.Arch, m.Compatibility.Arch),
	})
}

// supported reports whether have is in list. An empty list or a wildcard
// entry supports everything.
func supported(list []string, have string, aliases map[string]string) bool {
	if len(list) == 0 || have == "" {
		return true
	}
	for _, s := range list {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "*" || s == "any" || s == "all" {
			return true
		}
		if a, ok := aliases[s]; ok {
			s = a
		}
		if s == have {
			return true
		}
	}
	return false
}

func (c *Checker) checkDependencies(m *plugin.Manifest, r *Report, registry plugin.Lookup) {
	if registry == nil {
		return
	}
	for _, dep := range m.ParsedDependencies() {
		info, ok := registry.Lookup(dep.Name)
		if !ok {
			if dep.Optional {
				r.add(Issue{
					Type:     IssueDependency,
					Severity: SeverityInfo,
					Code:     CodeDependencyMissing,
					Message:  fmt.Sprintf("optional dependency %s is not registered", dep.Name),
				})
				continue
			}
			r.Dimensions.Dependencies = false
			r.add(Issue{
				Type:       IssueDependency,
				Severity:   SeverityCritical,
				Code:       CodeDependencyMissing,
				Message:    fmt.Sprintf("dependency %s is not registered", dep.Name),
				Resolution: fmt.Sprintf("register %s first", dep),
			})
			continue
		}

		running := info.Status == plugin.StatusRunning
		if !Satisfies(info.Version, dep.Range) {
			r.Dimensions.Dependencies = false
			if running {
				r.add(Issue{
					Type:     IssueDependency,
					Severity: SeverityCritical,
					Code:     CodeDependencyVersionMismatch,
					Message:  fmt.Sprintf("dependency %s@%s does not satisfy %s", dep.Name, info.Version, dep.Range),
				})
			}
			r.recommend(Recommendation{
				Type:     IssueDependency,
				Priority: "medium",
				Message:  fmt.Sprintf("dependency %s@%s does not satisfy %s", dep.Name, info.Version, dep.Range),
				Action:   fmt.Sprintf("install %s", dep),
			})
			continue
		}

		if !running {
			r.add(Issue{
				Type:     IssueDependency,
				Severity: SeverityInfo,
				Code:     CodeDependencyNotRunning,
				Message:  fmt.Sprintf("dependency %s is %s", dep.Name, info.Status),
			})
			r.recommend(Recommendation{
				Type:     IssueDependency,
				Priority: "low",
				Message:  fmt.Sprintf("dependency %s is not running", dep.Name),
				Action:   fmt.Sprintf("start %s", dep.Name),
			})
		}
	}
}

func (c *Checker) checkPermissions(m *plugin.Manifest, r *Report) {
	for _, p := range m.Permissions {
		if !c.dangerous[p] {
			continue
		}
		r.Dimensions.Permissions = false
		r.add(Issue{
			Type:     IssuePermission,
			Severity: SeverityWarning,
			Code:     CodeDangerousPermission,
			Message:  fmt.Sprintf("permission %q grants broad access", p),
		})
		r.recommend(Recommendation{
			Type:     IssuePermission,
			Priority: "medium",
			Message:  fmt.Sprintf("review whether %q is required", p),
			Action:   "narrow the permission",
		})
	}
}

// checkAPI requires the same API major version. A plugin built against a
// newer minor may use calls the host lacks.
func (c *Checker) checkAPI(m *plugin.Manifest, r *Report) {
	if m.APIVersion == "" || c.host.APIVersion == "" {
		return
	}
	want, err := version.NewVersion(m.APIVersion)
	if err != nil {
		r.Dimensions.API = false
		r.add(Issue{
			Type:     IssueAPI,
			Severity: SeverityWarning,
			Code:     CodeInvalidVersion,
			Message:  fmt.Sprintf("API version %q cannot be parsed", m.APIVersion),
		})
		return
	}
	have, err := version.NewVersion(c.host.APIVersion)
	if err != nil {
		return
	}

	ws, hs := want.Segments(), have.Segments()
	switch {
	case ws[0] != hs[0]:
		r.Dimensions.API = false
		r.add(Issue{
			Type:     IssueAPI,
			Severity: SeverityCritical,
			Code:     CodeAPIVersionMismatch,
			Message:  fmt.Sprintf("plugin targets API %s, host provides %s", m.APIVersion, c.host.APIVersion),
		})
	case ws[1] > hs[1]:
		r.Dimensions.API = false
		r.add(Issue{
			Type:     IssueAPI,
			Severity: SeverityWarning,
			Code:     CodeAPIVersionMismatch,
			Message:  fmt.Sprintf("plugin targets newer API %s, host provides %s", m.APIVersion, c.host.APIVersion),
		})
	}
}

// CompatibleWith checks whether two plugins can run together. Only
// warnings are raised. The result is not cached.
func (c *Checker) CompatibleWith(a, b *plugin.Manifest) (r *Report) {
	if a == nil || b == nil {
		return c.failed("", "", fmt.Errorf("nil manifest"))
	}
	r = c.newReport(a.Name+"+"+b.Name, "")
	defer func() {
		if rec := recover(); rec != nil {
			r.add(checkFailed(fmt.Errorf("%v", rec)))
		}
		r.finish()
	}()

	c.pairDependencies(a, b, r)
	c.pairDependencies(b, a, r)
	c.sharedDependencies(a, b, r)
	c.pairPermissions(a, b, r)

	for _, capName := range intersect(a.Capabilities, b.Capabilities) {
		r.add(Issue{
			Type:     IssueCapability,
			Severity: SeverityWarning,
			Code:     CodeCapabilityOverlap,
			Message:  fmt.Sprintf("both %s and %s provide capability %q", a.Name, b.Name, capName),
		})
	}
	for _, ep := range intersect(a.Endpoints, b.Endpoints) {
		r.add(Issue{
			Type:     IssueEndpoint,
			Severity: SeverityWarning,
			Code:     CodeEndpointOverlap,
			Message:  fmt.Sprintf("both %s and %s register endpoint %q", a.Name, b.Name, ep),
		})
	}
	return r
}

// pairDependencies flags a depending on b with a range b's version misses.
func (c *Checker) pairDependencies(a, b *plugin.Manifest, r *Report) {
	for _, dep := range a.ParsedDependencies() {
		if dep.Name != b.Name || Satisfies(b.Version, dep.Range) {
			continue
		}
		r.Dimensions.Dependencies = false
		r.add(Issue{
			Type:     IssueDependency,
			Severity: SeverityWarning,
			Code:     CodeDependencyConflict,
			Message:  fmt.Sprintf("%s requires %s, found %s", a.Name, dep, b.Version),
		})
	}
}

// sharedDependencies flags a common dependency whose two ranges do not
// overlap. Overlap is judged by testing each range's base version against
// the other range.
func (c *Checker) sharedDependencies(a, b *plugin.Manifest, r *Report) {
	theirs := make(map[string]plugin.Dependency)
	for _, d := range b.ParsedDependencies() {
		theirs[d.Name] = d
	}
	for _, mine := range a.ParsedDependencies() {
		other, ok := theirs[mine.Name]
		if !ok || !rangesConflict(mine.Range, other.Range) {
			continue
		}
		r.Dimensions.Dependencies = false
		r.add(Issue{
			Type:     IssueDependency,
			Severity: SeverityWarning,
			Code:     CodeDependencyConflict,
			Message: fmt.Sprintf("%s requires %s@%s but %s requires %s@%s",
				a.Name, mine.Name, mine.Range, b.Name, other.Name, other.Range),
		})
	}
}

func rangesConflict(x, y string) bool {
	rx, errX := ParseRange(x)
	ry, errY := ParseRange(y)
	if errX != nil || errY != nil || len(rx) == 0 || len(ry) == 0 {
		return false
	}
	bx, okX := baseVersion(x)
	by, okY := baseVersion(y)
	if !okX || !okY {
		return false
	}
	return !ry.Check(bx) && !rx.Check(by)
}

func (c *Checker) pairPermissions(a, b *plugin.Manifest, r *Report) {
	union := make(map[string]bool)
	for _, p := range a.Permissions {
		union[p] = true
	}
	for _, p := range b.Permissions {
		union[p] = true
	}
	for _, pair := range ExclusivePermissions {
		if !union[pair[0]] || !union[pair[1]] {
			continue
		}
		r.Dimensions.Permissions = false
		r.add(Issue{
			Type:     IssuePermission,
			Severity: SeverityWarning,
			Code:     CodePermissionConflict,
			Message:  fmt.Sprintf("permissions %q and %q cannot both be granted", pair[0], pair[1]),
		})
	}
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
