package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/toolgate/internal/audit"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/roles"
	"github.com/haasonsaas/toolgate/internal/routing"
)

// Skill catalogue tools get their responses filtered against the active
// role's skill allow-list.
const (
	toolListSkills = "list_skills"
	toolGetSkill   = "get_skill"
)

// RouteRequest dispatches one inbound JSON-RPC request. tools/list is
// answered from the virtual table without an upstream round-trip;
// tools/call goes through access control, rate limiting, and the
// strategy engine; everything else is forwarded to the pool.
func (r *Router) RouteRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "ping":
		return json.RawMessage(`{}`), nil
	case "tools/list":
		return r.listTools()
	case "tools/call":
		var call mcp.CallToolParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, Internal(fmt.Errorf("parse tools/call params: %w", err))
		}
		return r.dispatchToolCall(ctx, call, params)
	default:
		return r.pool.RouteRequest(ctx, method, params)
	}
}

// listTools renders the virtual table as a tools/list result.
func (r *Router) listTools() (json.RawMessage, error) {
	r.mu.RLock()
	tools := make([]mcp.Tool, len(r.visible))
	for i, t := range r.visible {
		tools[i] = mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	r.mu.RUnlock()

	return json.Marshal(mcp.ListToolsResult{Tools: tools})
}

func (r *Router) dispatchToolCall(ctx context.Context, call mcp.CallToolParams, params json.RawMessage) (json.RawMessage, error) {
	switch call.Name {
	case roles.ToolSetRole:
		return r.callSetRole(ctx, call)
	case roles.ToolGetAgentManifest:
		manifest, err := r.Manifest()
		if err != nil {
			return nil, err
		}
		return toolResultJSON(manifest)
	case roles.ToolListRoles:
		var args struct {
			IncludeInstructions bool `json:"includeInstructions"`
		}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return nil, Internal(fmt.Errorf("parse list_roles arguments: %w", err))
			}
		}
		return toolResultJSON(r.ListRoles(roles.ListOptions{
			IncludeInstructions: args.IncludeInstructions,
		}))
	case toolListSkills, toolGetSkill:
		return r.callSkillCatalogue(ctx, call, params)
	default:
		return r.callTool(ctx, call, params)
	}
}

// callSetRole runs the activation protocol and formats the manifest as a
// tool result.
func (r *Router) callSetRole(ctx context.Context, call mcp.CallToolParams) (json.RawMessage, error) {
	var args struct {
		Role string `json:"role"`
	}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, Internal(fmt.Errorf("parse set_role arguments: %w", err))
		}
	}

	manifest, err := r.SetRole(ctx, SetRoleOptions{Role: args.Role, IncludeDescriptions: true})
	if err != nil {
		r.recordAudit(audit.Entry{
			Tool:     roles.ToolSetRole,
			Decision: audit.DecisionDenied,
			Reason:   err.Error(),
		})
		return nil, err
	}

	r.recordAudit(audit.Entry{
		Tool:     roles.ToolSetRole,
		Decision: audit.DecisionAllowed,
	})
	return toolResultJSON(manifest)
}

// callSkillCatalogue forwards list_skills and get_skill, then constrains
// the exchange to the active role's skill allow-list. A denied get_skill
// never reaches the upstream.
func (r *Router) callSkillCatalogue(ctx context.Context, call mcp.CallToolParams, params json.RawMessage) (json.RawMessage, error) {
	role := r.CurrentRole()
	allowed := r.roles.SkillsForRole(role)
	if len(allowed) == 0 {
		// No allow-list declared: behaves as a regular tool call.
		return r.callTool(ctx, call, params)
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}

	if call.Name == toolGetSkill {
		var args struct {
			ID string `json:"id"`
		}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return nil, Internal(fmt.Errorf("parse get_skill arguments: %w", err))
			}
		}
		if !allowedSet[args.ID] {
			r.recordAudit(audit.Entry{
				Tool:     call.Name,
				Decision: audit.DecisionDenied,
				Reason:   fmt.Sprintf("skill %q is not in the role's allow-list", args.ID),
			})
			return toolErrorResult(fmt.Sprintf("skill %q is not available to role %q", args.ID, role))
		}
	}

	raw, err := r.callTool(ctx, call, params)
	if err != nil || call.Name != toolListSkills {
		return raw, err
	}
	return filterSkillList(raw, allowedSet)
}

// filterSkillList drops skills outside the allow-list from a list_skills
// tool result. Text blocks that do not parse as a skill array pass
// through untouched.
func filterSkillList(raw json.RawMessage, allowed map[string]bool) (json.RawMessage, error) {
	var result mcp.ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return raw, nil
	}

	changed := false
	for i, block := range result.Content {
		if block.Type != "text" {
			continue
		}
		var skills []map[string]any
		if err := json.Unmarshal([]byte(block.Text), &skills); err != nil {
			continue
		}
		kept := skills[:0]
		for _, skill := range skills {
			if id, ok := skill["id"].(string); ok && allowed[id] {
				kept = append(kept, skill)
			}
		}
		if len(kept) == len(skills) {
			continue
		}
		filtered, err := json.Marshal(kept)
		if err != nil {
			continue
		}
		result.Content[i].Text = string(filtered)
		changed = true
	}

	if !changed {
		return raw, nil
	}
	return json.Marshal(result)
}

// callTool is the regular forwarding path: visibility check, rate limit,
// upstream selection with the retry envelope, audit.
func (r *Router) callTool(ctx context.Context, call mcp.CallToolParams, params json.RawMessage) (json.RawMessage, error) {
	role := r.CurrentRole()
	sessionID := r.SessionID()

	ctx, span := r.tracer.Start(ctx, "gateway.tool_call",
		attribute.String("tool.name", call.Name),
		attribute.String("role", role))
	defer span.End()

	r.mu.RLock()
	candidates := append([]string(nil), r.candidates[call.Name]...)
	r.mu.RUnlock()

	if len(candidates) == 0 {
		err := ToolNotAccessible(role, call.Name)
		r.recordAudit(audit.Entry{
			Tool:      call.Name,
			Decision:  audit.DecisionDenied,
			Reason:    err.Message,
			Arguments: decodeArguments(call.Arguments),
		})
		r.countRequest("", "denied")
		return nil, err
	}

	if verdict := r.limiter.Acquire(sessionID, role, call.Name); !verdict.Allowed {
		err := RateLimited(role, call.Name, verdict.Reason, verdict.RetryAfterMs)
		r.recordAudit(audit.Entry{
			Tool:      call.Name,
			Decision:  audit.DecisionDenied,
			Reason:    verdict.Reason,
			Arguments: decodeArguments(call.Arguments),
		})
		r.countRequest("", "denied")
		return nil, err
	}
	defer r.limiter.Release(sessionID, role, call.Name)

	var (
		raw    json.RawMessage
		server string
	)
	start := time.Now()
	err := routing.Do(ctx, r.engine.RetryPolicy(), func(attempt int) error {
		chosen, selectErr := r.selectServer(call.Name, candidates)
		if selectErr != nil {
			return selectErr
		}
		server = chosen
		if attempt > 1 {
			r.logger.Debug("retrying tool call",
				"tool", call.Name, "server", server, "attempt", attempt)
		}

		r.engine.Acquire(server)
		callStart := time.Now()
		result, callErr := r.pool.RouteToServer(ctx, server, "tools/call", params)
		latency := time.Since(callStart)
		r.engine.Release(server)
		r.engine.RecordResult(server, callErr, latency)

		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	elapsed := time.Since(start)

	if r.metrics != nil && server != "" {
		r.metrics.RequestDuration.WithLabelValues(server).Observe(elapsed.Seconds())
	}

	entry := audit.Entry{
		Tool:       call.Name,
		Server:     server,
		DurationMs: elapsed.Milliseconds(),
		Arguments:  decodeArguments(call.Arguments),
	}
	if server != "" {
		span.SetAttributes(attribute.String("upstream.server", server))
	}
	if err != nil {
		observability.RecordError(span, err)
		entry.Decision = audit.DecisionError
		entry.Error = err.Error()
		r.recordAudit(entry)
		r.countRequest(server, "error")
		return nil, wrapForwardError(err, call.Name)
	}

	entry.Decision = audit.DecisionAllowed
	r.recordAudit(entry)
	r.countRequest(server, "allowed")
	return raw, nil
}

// selectServer short-circuits to a server named by the tool prefix when
// its breaker admits traffic, else defers to the configured strategy.
func (r *Router) selectServer(tool string, candidates []string) (string, error) {
	if prefix, _, ok := strings.Cut(tool, "__"); ok {
		for _, candidate := range candidates {
			if candidate != prefix {
				continue
			}
			if r.engine.Breakers().Get(candidate).Allow() == nil {
				return candidate, nil
			}
			break
		}
	}
	return r.engine.Select(tool, candidates)
}

// wrapForwardError maps forwarding failures onto the gateway taxonomy.
// Upstream JSON-RPC errors pass through unchanged: they are the
// upstream's answer, not the gateway's.
func wrapForwardError(err error, tool string) error {
	var rpcErr *mcp.JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, routing.ErrNoHealthyUpstreams):
		return &GatewayError{Code: CodeNoHealthyUpstreams, Message: err.Error(), cause: err,
			Data: map[string]any{"tool": tool}}
	case errors.Is(err, mcp.ErrTimeout):
		return &GatewayError{Code: CodeTimeout, Message: err.Error(), cause: err,
			Data: map[string]any{"tool": tool}}
	case errors.Is(err, mcp.ErrUpstreamClosed), errors.Is(err, mcp.ErrNotConnected):
		return &GatewayError{Code: CodeUpstreamClosed, Message: err.Error(), cause: err,
			Data: map[string]any{"tool": tool}}
	default:
		return Internal(err)
	}
}

// recordAudit stamps session and identity context onto an entry.
func (r *Router) recordAudit(entry audit.Entry) {
	r.mu.RLock()
	entry.SessionID = r.sessionID
	entry.AgentName = r.agent.AgentName
	entry.Role = r.currentRole
	r.mu.RUnlock()
	r.auditLog.Record(entry)
}

func (r *Router) countRequest(server, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RequestCounter.WithLabelValues(server, outcome).Inc()
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

// toolResultJSON renders v as a single-text-block tool result.
func toolResultJSON(v any) (json.RawMessage, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, Internal(err)
	}
	return json.Marshal(mcp.ToolCallResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: string(body)}},
	})
}

// toolErrorResult renders a denied call as an error tool result.
func toolErrorResult(message string) (json.RawMessage, error) {
	return json.Marshal(mcp.ToolCallResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: message}},
		IsError: true,
	})
}
