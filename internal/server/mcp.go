package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
	"github.com/jrmatherly/nexus-sub002/internal/mcp"
)

// mcpProtocolVersion is the MCP wire protocol version this gateway speaks.
const mcpProtocolVersion = "2024-11-05"

// mcpRequest is a single JSON-RPC 2.0 request frame, as sent to /mcp.
type mcpRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// mcpResponse is a single JSON-RPC 2.0 response frame.
type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
}

// mcpToolCallParams is the params object for a tools/call request.
type mcpToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleMCP serves the aggregated MCP endpoint. POST carries a JSON-RPC
// request; GET returns the same server/capabilities document a client
// would see from "initialize", for health-style probes and so the route
// exists for both verbs per the endpoint's contract.
func (s *server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, mcpServerInfo())
		return
	}

	var req mcpRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	downstream, err := s.resolveMCPDownstream(r)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	result, err := s.dispatchMCP(r.Context(), downstream, req.Method, req.Params, r.Header)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.WithLabelValues("mcp_dispatch_error").Inc()
		}
		writeUpstreamError(w, r.Context(), err)
		return
	}

	writeJSON(w, http.StatusOK, mcpResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
}

const jsonRPCVersion = "2.0"

// resolveMCPDownstream selects the aggregated Downstream to dispatch
// against: the token-scoped cache (rebuilt per bearer token, for servers
// that need forwarded credentials) when configured, otherwise the static
// startup-time aggregation.
func (s *server) resolveMCPDownstream(r *http.Request) (*mcp.Downstream, error) {
	if s.deps.MCPCache == nil {
		return s.deps.MCP, nil
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		return s.deps.MCP, nil
	}
	cached, err := s.deps.MCPCache.GetOrCreate(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return cached.Downstream, nil
}

// dispatchMCP routes one JSON-RPC method to its handler. Errors are
// surfaced as ordinary HTTP statuses via writeUpstreamError/errorStatus
// (gateway.ErrInvalidParams -> 400, gateway.ErrUpstream -> 502) rather than
// embedded JSON-RPC error objects, matching how every other error in this
// gateway is reported.
func (s *server) dispatchMCP(ctx context.Context, downstream *mcp.Downstream, method string, params json.RawMessage, headers http.Header) (any, error) {
	if downstream == nil {
		return nil, gateway.ErrUpstream
	}

	switch method {
	case "initialize":
		return mcpServerInfo(), nil

	case "ping":
		return struct{}{}, nil

	case "tools/list":
		downstreamTools, err := downstream.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		tools := make([]mcp.ToolDescriptor, 0, len(downstreamTools)+2)
		for _, t := range downstream.BuiltinTools() {
			tools = append(tools, t.Descriptor())
		}
		tools = append(tools, downstreamTools...)
		return struct {
			Tools []mcp.ToolDescriptor `json:"tools"`
		}{Tools: tools}, nil

	case "tools/call":
		var call mcpToolCallParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, gateway.ErrInvalidParams
		}
		for _, t := range downstream.BuiltinTools() {
			if t.Name() == call.Name {
				return t.Call(ctx, headers, call.Arguments)
			}
		}
		return downstream.CallTool(ctx, headers, call.Name, call.Arguments)

	default:
		return nil, gateway.ErrInvalidParams
	}
}

// mcpServerInfo is the fixed "initialize" result this gateway advertises.
func mcpServerInfo() map[string]any {
	return map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": "nexus", "version": "1"},
	}
}
