package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
	"github.com/jrmatherly/nexus-sub002/internal/config"
)

const jsonRPCVersion = "2.0"

// rpcMethodNotFound is the standard JSON-RPC 2.0 reserved error code for an
// unknown method, reused by MCP servers for an unknown tool name.
const rpcMethodNotFound = -32601

// rpcRequest is a single JSON-RPC 2.0 request frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("mcp: %s (code %d)", e.Message, e.Code) }

// rpcResponse is a single JSON-RPC 2.0 response frame.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// errIsMethodNotFound reports whether err wraps a JSON-RPC MethodNotFound
// error as surfaced by downstreamClient.call. Downstream.CallTool checks it
// on the client's error and then wraps only the message text under
// gateway.ErrUpstream, so errors returned by Downstream.CallTool never match.
func errIsMethodNotFound(err error) bool {
	var rpcErr *rpcError
	return errors.As(err, &rpcErr) && rpcErr.Code == rpcMethodNotFound
}

// downstreamClient is a thin streamable-HTTP JSON-RPC client for one
// configured MCP server, grounded on the same pooled-transport +
// cached-DNS pattern the provider packages use for outbound LLM calls.
type downstreamClient struct {
	name string
	url  string
	http *http.Client

	// headers are applied to every outbound request: the server's own
	// configured Headers plus, when ForwardToken is set, the caller's
	// bearer token.
	headers http.Header
}

// newDownstreamClient builds the HTTP client for one configured MCP
// server. callerToken is the caller's bearer token, forwarded as this
// server's own Authorization header when entry.ForwardToken is set; pass
// "" for the static, non-token-scoped aggregation.
func newDownstreamClient(entry config.MCPServerEntry, resolver *dnscache.Resolver, callerToken string) (*downstreamClient, error) {
	if entry.URL == "" {
		return nil, fmt.Errorf("mcp: server %q has no url configured", entry.Name)
	}

	t := &http.Transport{
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	headers := buildHeaders(entry, callerToken)

	return &downstreamClient{
		name:    entry.Name,
		url:     entry.URL,
		http:    &http.Client{Transport: t, Timeout: 30 * time.Second},
		headers: headers,
	}, nil
}

// call performs a single JSON-RPC request/response round trip over HTTP,
// the "streamable-HTTP" transport in its simplest form: a plain JSON body
// response rather than an SSE event stream (MCP's spec permits either for
// a non-subscribing caller, and the gateway never subscribes).
func (c *downstreamClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
		ID:      uuid.Must(uuid.NewV7()).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp: %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mcp: %s: upstream returned status %d", c.name, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: %s: decode response: %w", c.name, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// listTools fetches this server's tools/list and prefixes each tool name
// with "{server}__" so the aggregated namespace never collides.
func (c *downstreamClient) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("mcp: %s: list_tools: %w", c.name, err)
	}

	var parsed struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("mcp: %s: parse tools/list: %w", c.name, err)
	}

	for i := range parsed.Tools {
		parsed.Tools[i].Name = c.name + "__" + parsed.Tools[i].Name
	}
	return parsed.Tools, nil
}

// callTool forwards a tools/call to this server with the prefix stripped.
func (c *downstreamClient) callTool(ctx context.Context, innerName string, args json.RawMessage) (*CallToolResult, error) {
	var arguments any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("%w: %s", gateway.ErrInvalidParams, err.Error())
		}
	}

	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      innerName,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}

	var callResult CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("mcp: %s: parse tools/call result: %w", c.name, err)
	}
	return &callResult, nil
}

// Downstream aggregates a fixed set of MCP servers behind prefixed tool
// names. Both the server list and the tool list are sorted by name at
// construction time so CallTool's dispatch is O(log n) via sort.Search,
// matching the original Rust aggregator's binary-search lookup.
type Downstream struct {
	servers []*downstreamClient // sorted by name
	tools   []ToolDescriptor    // sorted by (prefixed) name
	index   *searchIndex
}

// New builds a Downstream from the configured MCP servers, fetching each
// server's tools in parallel via errgroup (the same concurrency idiom
// worker.Runner uses for background workers) and merging the results into
// one globally sorted tool list. callerToken forwards a caller's bearer
// token to servers with ForwardToken set; pass "" for the static,
// startup-time aggregation that never carries per-caller credentials.
func New(ctx context.Context, entries []config.MCPServerEntry, resolver *dnscache.Resolver, callerToken string) (*Downstream, error) {
	clients := make([]*downstreamClient, len(entries))
	for i, entry := range entries {
		c, err := newDownstreamClient(entry, resolver, callerToken)
		if err != nil {
			return nil, err
		}
		clients[i] = c
	}

	toolSets := make([][]ToolDescriptor, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		g.Go(func() error {
			tools, err := c.listTools(gctx)
			if err != nil {
				return err
			}
			toolSets[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("mcp: aggregate downstream tools: %w", err)
	}

	sortedServers := append([]*downstreamClient(nil), clients...)
	sort.Slice(sortedServers, func(i, j int) bool { return sortedServers[i].name < sortedServers[j].name })

	var tools []ToolDescriptor
	for _, set := range toolSets {
		tools = append(tools, set...)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	return &Downstream{
		servers: sortedServers,
		tools:   tools,
		index:   newSearchIndex(tools),
	}, nil
}

// findServer returns the client for name via binary search, or nil.
func (d *Downstream) findServer(name string) *downstreamClient {
	i := sort.Search(len(d.servers), func(i int) bool { return d.servers[i].name >= name })
	if i < len(d.servers) && d.servers[i].name == name {
		return d.servers[i]
	}
	return nil
}

// findTool returns the descriptor for the full prefixed name via binary
// search, or false.
func (d *Downstream) findTool(name string) (ToolDescriptor, bool) {
	i := sort.Search(len(d.tools), func(i int) bool { return d.tools[i].Name >= name })
	if i < len(d.tools) && d.tools[i].Name == name {
		return d.tools[i], true
	}
	return ToolDescriptor{}, false
}

// ListTools returns every aggregated downstream tool descriptor, sorted by
// (prefixed) name.
func (d *Downstream) ListTools(_ context.Context) ([]ToolDescriptor, error) {
	out := make([]ToolDescriptor, len(d.tools))
	copy(out, d.tools)
	return out, nil
}

// CallTool dispatches a prefixed "server__tool" name to its owning
// downstream client, stripping the prefix before forwarding. Unknown
// servers or tools yield gateway.ErrInvalidParams; downstream failures
// yield gateway.ErrUpstream, enriched with a "did you mean" suggestion
// drawn from the search index when the downstream reports MethodNotFound.
func (d *Downstream) CallTool(ctx context.Context, _ http.Header, name string, args json.RawMessage) (*CallToolResult, error) {
	serverName, innerName, ok := strings.Cut(name, "__")
	if !ok {
		return nil, fmt.Errorf("%w: Unknown tool: %s", gateway.ErrInvalidParams, name)
	}

	client := d.findServer(serverName)
	if client == nil {
		return nil, fmt.Errorf("%w: Unknown tool: %s", gateway.ErrInvalidParams, name)
	}
	if _, ok := d.findTool(name); !ok {
		return nil, fmt.Errorf("%w: Unknown tool: %s", gateway.ErrInvalidParams, name)
	}

	result, err := client.callTool(ctx, innerName, args)
	if err == nil {
		return result, nil
	}

	if errIsMethodNotFound(err) {
		if suggestions := d.index.suggestNames([]string{name}, 3); len(suggestions) > 0 {
			return nil, fmt.Errorf("%w: %s. Did you mean: %s", gateway.ErrUpstream, err.Error(), strings.Join(suggestions, ", "))
		}
	}
	return nil, fmt.Errorf("%w: %s", gateway.ErrUpstream, err.Error())
}

// SearchTools runs the built-in keyword search against the aggregated
// index directly, for callers (the cache, tests) that want search results
// without going through the "search" tool's JSON-RPC wire shape.
func (d *Downstream) SearchTools(keywords []string) []SearchResult {
	return d.index.search(keywords)
}

// BuiltinTools returns the "search" and "execute" tools bound to this
// Downstream, in the fixed order they're advertised in tools/list.
func (d *Downstream) BuiltinTools() []Tool {
	return []Tool{
		newSearchTool(d.index),
		newExecuteTool(d, d.index),
	}
}
