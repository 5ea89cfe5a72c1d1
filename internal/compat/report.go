// Package compat decides whether a plugin can run on the current host and
// alongside other plugins. Checks never fail: every problem, including an
// internal one, becomes an issue in the returned report.
package compat

import (
	"fmt"
	"time"
)

// Severity grades an issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Penalties subtracted from a perfect score per issue.
const (
	PenaltyCritical = 30
	PenaltyWarning  = 10
	PenaltyInfo     = 2
)

// Verdict thresholds.
const (
	MinCompatibleScore = 80
	MinPartialScore    = 50
)

// Verdict is the overall outcome of a check.
type Verdict string

const (
	VerdictCompatible          Verdict = "compatible"
	VerdictPartiallyCompatible Verdict = "partially-compatible"
	VerdictIncompatible        Verdict = "incompatible"
)

// IssueType is the dimension an issue was raised on.
type IssueType string

const (
	IssuePlatform    IssueType = "platform"
	IssueRuntime     IssueType = "runtime"
	IssueOS          IssueType = "os"
	IssueArch        IssueType = "arch"
	IssueDependency  IssueType = "dependency"
	IssuePermission  IssueType = "permission"
	IssueAPI         IssueType = "api"
	IssueVersion     IssueType = "version"
	IssueCapability  IssueType = "capability"
	IssueEndpoint    IssueType = "endpoint"
	IssueCheckFailed IssueType = "check"
)

// Issue codes.
const (
	CodePlatformVersionMismatch   = "PLATFORM_VERSION_MISMATCH"
	CodeRuntimeVersionMismatch    = "RUNTIME_VERSION_MISMATCH"
	CodeOSUnsupported             = "OS_UNSUPPORTED"
	CodeArchUnsupported           = "ARCH_UNSUPPORTED"
	CodeDependencyMissing         = "DEPENDENCY_MISSING"
	CodeDependencyVersionMismatch = "DEPENDENCY_VERSION_MISMATCH"
	CodeDependencyNotRunning      = "DEPENDENCY_NOT_RUNNING"
	CodeDangerousPermission       = "DANGEROUS_PERMISSION"
	CodeAPIVersionMismatch        = "API_VERSION_MISMATCH"
	CodeInvalidVersion            = "INVALID_VERSION"
	CodePrereleaseVersion         = "PRERELEASE_VERSION"
	CodeInvalidRange              = "INVALID_RANGE"
	CodeCheckFailed               = "CHECK_FAILED"
	CodeDependencyConflict        = "DEPENDENCY_CONFLICT"
	CodePermissionConflict        = "PERMISSION_CONFLICT"
	CodeCapabilityOverlap         = "CAPABILITY_OVERLAP"
	CodeEndpointOverlap           = "ENDPOINT_OVERLAP"
)

// Issue is one finding.
type Issue struct {
	Type       IssueType `json:"type"`
	Severity   Severity  `json:"severity"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Resolution string    `json:"resolution,omitempty"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Code, i.Message)
}

// Recommendation is a suggested action that would improve compatibility.
type Recommendation struct {
	Type     IssueType `json:"type"`
	Priority string    `json:"priority"`
	Message  string    `json:"message"`
	Action   string    `json:"action,omitempty"`
}

// Dimensions records which checks passed.
type Dimensions struct {
	Platform     bool `json:"platform"`
	Runtime      bool `json:"runtime"`
	OS           bool `json:"os"`
	Arch         bool `json:"arch"`
	Dependencies bool `json:"dependencies"`
	Permissions  bool `json:"permissions"`
	API          bool `json:"api"`
	Version      bool `json:"version"`
}

func allPassed() Dimensions {
	return Dimensions{
		Platform: true, Runtime: true, OS: true, Arch: true,
		Dependencies: true, Permissions: true, API: true, Version: true,
	}
}

// Report is the result of a compatibility check.
type Report struct {
	Plugin          string           `json:"plugin"`
	Version         string           `json:"version"`
	Dimensions      Dimensions       `json:"dimensions"`
	Issues          []Issue          `json:"issues"`
	Recommendations []Recommendation `json:"recommendations"`
	Score           int              `json:"score"`
	Verdict         Verdict          `json:"verdict"`
	IsCompatible    bool             `json:"isCompatible"`
	CheckedAt       time.Time        `json:"checkedAt"`
}

// Count returns the number of issues with severity s.
func (r *Report) Count(s Severity) int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == s {
			n++
		}
	}
	return n
}

// HasIssue reports whether an issue with code is present.
func (r *Report) HasIssue(code string) bool {
	for _, i := range r.Issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

// Critical returns the critical issues.
func (r *Report) Critical() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityCritical {
			out = append(out, i)
		}
	}
	return out
}

func (r *Report) add(i Issue) {
	r.Issues = append(r.Issues, i)
}

func (r *Report) recommend(rec Recommendation) {
	r.Recommendations = append(r.Recommendations, rec)
}

// finish computes the score and verdict from the collected issues.
func (r *Report) finish() {
	r.Score = Score(r.Issues)
	r.Verdict = VerdictFor(r.Score, r.Count(SeverityCritical))
	r.IsCompatible = r.Verdict != VerdictIncompatible
}

// Score returns 100 minus the severity penalties, clamped to [0, 100].
func Score(issues []Issue) int {
	score := 100
	for _, i := range issues {
		switch i.Severity {
		case SeverityCritical:
			score -= PenaltyCritical
		case SeverityWarning:
			score -= PenaltyWarning
		case SeverityInfo:
			score -= PenaltyInfo
		}
	}
	return min(max(score, 0), 100)
}

// VerdictFor maps a score and critical-issue count to a verdict.
func VerdictFor(score, critical int) Verdict {
	switch {
	case critical > 0 || score < MinPartialScore:
		return VerdictIncompatible
	case score < MinCompatibleScore:
		return VerdictPartiallyCompatible
	default:
		return VerdictCompatible
	}
}
