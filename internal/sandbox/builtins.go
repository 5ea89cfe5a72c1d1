package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dshills/plughost/internal/rterrors"
)

// builtins returns the host functions the policy exposes.
func (s *Sandbox) builtins() map[string]builtin {
	b := map[string]builtin{
		"log": s.builtinLog,
	}
	if s.policy.AllowFileSystem {
		b["read_file"] = s.builtinReadFile
	}
	if s.policy.AllowNetwork {
		b["http_get"] = s.builtinHTTPGet
	}
	if s.policy.AllowTimers {
		b["sleep"] = s.builtinSleep
	}
	return b
}

func (s *Sandbox) builtinLog(_ context.Context, args []any) (any, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	s.logger.Info(strings.Join(parts, " "), "source", "script")
	return nil, nil
}

func (s *Sandbox) builtinReadFile(_ context.Context, args []any) (any, error) {
	path, ok := stringArg(args, 0)
	if !ok {
		return nil, fmt.Errorf("read_file: path argument required")
	}

	if len(s.fsRoots) == 0 || !pathAllowed(path, s.fsRoots) {
		err := &rterrors.PermissionError{Permission: "fs:read", Operation: "read_file", Reason: "path not in allowed list"}
		s.securityEvent(EventPermissionDenied, err.Error(), map[string]any{"path": path})
		return nil, err
	}

	if n := s.openFiles.Add(1); s.limits.FileDescriptors > 0 && n > s.limits.FileDescriptors {
		s.openFiles.Add(-1)
		return nil, s.limitExceeded("file-descriptors", s.limits.FileDescriptors, n)
	}
	defer s.openFiles.Add(-1)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	if s.limits.FileSize > 0 && info.Size() > s.limits.FileSize {
		return nil, s.limitExceeded("file-size", s.limits.FileSize, info.Size())
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	return string(data), nil
}

func (s *Sandbox) builtinHTTPGet(ctx context.Context, args []any) (any, error) {
	rawURL, ok := stringArg(args, 0)
	if !ok {
		return nil, fmt.Errorf("http_get: url argument required")
	}

	host, allowed := hostAllowed(rawURL, s.policy.AllowedHosts)
	if !allowed {
		err := &rterrors.PermissionError{Permission: "network", Operation: "http_get", Reason: "host not in allowed list"}
		s.securityEvent(EventPermissionDenied, err.Error(), map[string]any{"url": rawURL, "host": host})
		return nil, err
	}

	if n := s.outbound.Add(1); n > s.limits.OutboundRequests {
		return nil, s.limitExceeded("outbound-requests", s.limits.OutboundRequests, n)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("http_get: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_get: %w", err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if s.limits.FileSize > 0 {
		body = io.LimitReader(resp.Body, s.limits.FileSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("http_get: %w", err)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}, nil
}

func (s *Sandbox) builtinSleep(ctx context.Context, args []any) (any, error) {
	ms, ok := numberArg(args, 0)
	if !ok || ms < 0 {
		return nil, fmt.Errorf("sleep: milliseconds argument required")
	}
	t := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func stringArg(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func numberArg(args []any, i int) (float64, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch n := args[i].(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
