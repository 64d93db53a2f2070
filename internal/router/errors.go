// Package router is the gateway core: it owns the active role, the
// virtual tool table, and the full routing path from an incoming tool
// call to an upstream response.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Gateway error codes, carried in JSON-RPC error envelopes toward the
// client. -32603 is the standard internal-error code; the rest live in
// the implementation-defined range.
const (
	CodeUnknownAgent        = -32001
	CodeRoleNotFound        = -32002
	CodeServerNotAccessible = -32003
	CodeToolNotAccessible   = -32004
	CodeRateLimited         = -32005
	CodeNoHealthyUpstreams  = -32006
	CodeTimeout             = -32007
	CodeUpstreamClosed      = -32008
	CodeInternal            = -32603
)

// GatewayError is a typed routing failure with a wire code and optional
// structured data.
type GatewayError struct {
	Code    int
	Message string
	Data    map[string]any
	cause   error
}

func (e *GatewayError) Error() string {
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.cause
}

// RoleNotFound reports an activation attempt on an absent role, carrying
// the sorted list of known roles.
func RoleNotFound(role string, known []string) *GatewayError {
	sorted := append([]string(nil), known...)
	sort.Strings(sorted)
	return &GatewayError{
		Code:    CodeRoleNotFound,
		Message: fmt.Sprintf("role %q not found, known roles: %s", role, strings.Join(sorted, ", ")),
		Data:    map[string]any{"role": role, "knownRoles": sorted},
	}
}

// ServerNotAccessible reports a role barring an upstream.
func ServerNotAccessible(role, server string) *GatewayError {
	return &GatewayError{
		Code:    CodeServerNotAccessible,
		Message: fmt.Sprintf("role %q may not reach server %q", role, server),
		Data:    map[string]any{"role": role, "server": server},
	}
}

// ToolNotAccessible reports a tool outside the role's permission scope.
func ToolNotAccessible(role, tool string) *GatewayError {
	return &GatewayError{
		Code:    CodeToolNotAccessible,
		Message: fmt.Sprintf("tool %q is not accessible for role %q", tool, role),
		Data:    map[string]any{"role": role, "tool": tool},
	}
}

// RateLimited reports a quota denial with the advisory retry hint.
func RateLimited(role, tool, reason string, retryAfterMs int64) *GatewayError {
	return &GatewayError{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("rate limited: %s", reason),
		Data: map[string]any{
			"role":         role,
			"tool":         tool,
			"retryAfterMs": retryAfterMs,
		},
	}
}

// Internal wraps an unexpected failure.
func Internal(err error) *GatewayError {
	return &GatewayError{
		Code:    CodeInternal,
		Message: err.Error(),
		cause:   err,
	}
}

// AsGatewayError extracts a GatewayError from an error chain.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gw *GatewayError
	if errors.As(err, &gw) {
		return gw, true
	}
	return nil, false
}
