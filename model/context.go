package model

import (
	"context"
	"slices"
	"strings"
)

// AnonymousSubject identifies callers when identity is disabled.
const AnonymousSubject = "anonymous"

// RequestContext is the caller resolved from one request. It is shared
// read-only once attached to a context.
type RequestContext struct {
	SubjectID string
	TenantID  string
	Roles     []string
	// Claims are the verified token claims, nil without identity.
	Claims map[string]any
	// Token is forwarded to HTTP backends as the bearer credential.
	Token         string
	CorrelationID string
	TraceID       string
	Locale        string
}

// HasRole reports whether the caller holds role. A nil context holds none.
func (rc *RequestContext) HasRole(role string) bool {
	return rc != nil && slices.Contains(rc.Roles, role)
}

// Permits reports whether the caller holds one of roles. An empty list
// restricts nothing.
func (rc *RequestContext) Permits(roles []string) bool {
	return len(roles) == 0 || slices.ContainsFunc(roles, rc.HasRole)
}

// ClaimString reads the string claim at a dotted path such as
// "tenant.id".
func (rc *RequestContext) ClaimString(path string) string {
	if rc == nil {
		return ""
	}
	v, _ := Lookup(rc.Claims, path)
	s, _ := v.(string)
	return s
}

// ClaimStrings reads a list claim. Issuers emit JSON arrays or, as OAuth
// does for scope, one space-separated string.
func (rc *RequestContext) ClaimStrings(path string) []string {
	if rc == nil {
		return nil
	}
	v, _ := Lookup(rc.Claims, path)
	switch raw := v.(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if f := strings.Fields(raw); len(f) > 0 {
			return f
		}
	}
	return nil
}

// Partition names whose data a per-user cache entry holds.
func (rc *RequestContext) Partition() string {
	if rc == nil {
		return ""
	}
	return rc.TenantID + "\x00" + rc.SubjectID
}

type requestContextKey struct{}

// WithRequestContext returns a copy of ctx carrying rc.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
