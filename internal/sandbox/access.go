package sandbox

import (
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// pathAllowed reports whether path lies within one of roots.
func pathAllowed(path string, roots []string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	for _, root := range roots {
		if isWithinPath(abs, root) {
			return true
		}
	}
	return false
}

// isWithinPath checks if target is within or equal to base using filepath.Rel.
// This handles cases like "/tmp/blocked" not matching "/tmp/blockedfile".
func isWithinPath(target, base string) bool {
	base, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// hostAllowed reports whether the host of rawURL matches one of patterns.
// An empty pattern list allows every host.
func hostAllowed(rawURL string, patterns []string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return u.Host, false
	}
	host := strings.ToLower(extractHost(u.Host))
	if len(patterns) == 0 {
		return host, true
	}
	for _, p := range patterns {
		if matchHost(host, p) {
			return host, true
		}
	}
	return host, false
}

// extractHost extracts the host from a host:port string.
// Handles IPv6 addresses like [::1]:8080 and regular host:port.
func extractHost(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host
	}
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}

// matchHost checks if a host matches a pattern (case-insensitive).
// Supports wildcard matching (e.g., "*.example.com").
func matchHost(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	if pattern == "*" || host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}
