// Package mcp aggregates downstream Model Context Protocol servers behind a
// single endpoint, prefixing each tool name with its owning server and
// exposing two built-in tools ("search", "execute") that let a caller
// discover and invoke any aggregated tool without knowing the full list
// up front.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// ToolAnnotations carries the same four behavioral hints rmcp's Rust tools
// declare (idempotent/read_only/destructive/open_world); the gateway uses
// them only for display/filtering, never for enforcement.
type ToolAnnotations struct {
	Idempotent  bool `json:"idempotent,omitempty"`
	ReadOnly    bool `json:"read_only,omitempty"`
	Destructive bool `json:"destructive,omitempty"`
	OpenWorld   bool `json:"open_world,omitempty"`
}

// ToolDescriptor is the aggregated metadata for one tool, whether it comes
// from a downstream server (renamed "{server}__{tool}") or is a built-in.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations ToolAnnotations `json:"annotations,omitempty"`
}

// Content is a single piece of a tool call result, mirroring rmcp's
// Content enum down to the "text" case the gateway actually produces.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a single text Content item.
func TextContent(text string) Content { return Content{Type: "text", Text: text} }

// JSONContent marshals v as a text Content item.
func JSONContent(v any) (Content, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Content{}, fmt.Errorf("mcp: marshal content: %w", err)
	}
	return Content{Type: "text", Text: string(data)}, nil
}

// CallToolResult is the JSON-RPC result payload for a tools/call request.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Tool is the interface shared by every built-in tool (search, execute).
// Downstream tools are never wrapped in this interface -- they are
// forwarded directly by Downstream.CallTool using their raw descriptors.
type Tool interface {
	Name() string
	Description() string
	Annotations() ToolAnnotations
	Call(ctx context.Context, headers http.Header, params json.RawMessage) (*CallToolResult, error)
	// Descriptor returns the tool's advertised metadata for tools/list.
	Descriptor() ToolDescriptor
}

// searchIndex is a keyword index over a set of ToolDescriptors, scoring a
// query by the fraction of keywords that appear in the tool's name or
// description. It's intentionally simple -- no stemming, no TF-IDF -- since
// the aggregated tool set for a single gateway deployment is expected to be
// small (tens, not millions).
type searchIndex struct {
	tools []ToolDescriptor
}

func newSearchIndex(tools []ToolDescriptor) *searchIndex {
	return &searchIndex{tools: tools}
}

// SearchResult pairs a matched tool with its relevance score in [0, 1].
type SearchResult struct {
	Tool  ToolDescriptor `json:"tool"`
	Score float64        `json:"score"`
}

// search scores every indexed tool against keywords and returns the
// non-zero matches sorted by descending score, name ascending as tiebreak.
func (idx *searchIndex) search(keywords []string) []SearchResult {
	if len(keywords) == 0 {
		return nil
	}
	needles := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			needles = append(needles, k)
		}
	}
	if len(needles) == 0 {
		return nil
	}

	results := make([]SearchResult, 0, len(idx.tools))
	for _, t := range idx.tools {
		haystack := strings.ToLower(t.Name + " " + t.Description)
		hits := 0
		for _, n := range needles {
			if strings.Contains(haystack, n) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		results = append(results, SearchResult{Tool: t, Score: float64(hits) / float64(len(needles))})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Tool.Name < results[j].Tool.Name
	})
	return results
}

// suggestNames returns up to n tool names matching keywords, for "did you
// mean" error messages. Never returns more than n even when more tools match.
func (idx *searchIndex) suggestNames(keywords []string, n int) []string {
	results := idx.search(keywords)
	if len(results) > n {
		results = results[:n]
	}
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Tool.Name
	}
	return names
}

// searchParameters is the input schema for the built-in "search" tool.
type searchParameters struct {
	Keywords []string `json:"keywords"`
}

// searchResultsPayload is deliberately an object wrapping an array, never a
// bare top-level array: some MCP client validators reject a JSON array as
// the outermost tools/call result value.
type searchResultsPayload struct {
	Results []SearchResult `json:"results"`
}

// searchTool is the built-in "search" tool: ranks aggregated tools against
// a keyword list so a caller can discover what's available without
// fetching the entire tools/list response.
type searchTool struct {
	index *searchIndex
}

func newSearchTool(index *searchIndex) *searchTool { return &searchTool{index: index} }

func (t *searchTool) Name() string        { return "search" }
func (t *searchTool) Description() string { return "Search for available tools by keyword." }
func (t *searchTool) Annotations() ToolAnnotations {
	return ToolAnnotations{ReadOnly: true}
}

func (t *searchTool) Descriptor() ToolDescriptor {
	return ToolDescriptor{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: json.RawMessage(`{"type":"object","properties":{"keywords":{"type":"array","items":{"type":"string"}}},"required":["keywords"]}`),
		Annotations: t.Annotations(),
	}
}

func (t *searchTool) Call(_ context.Context, _ http.Header, params json.RawMessage) (*CallToolResult, error) {
	var p searchParameters
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: %s", gateway.ErrInvalidParams, err.Error())
		}
	}
	results := t.index.search(p.Keywords)
	if results == nil {
		results = []SearchResult{}
	}
	content, err := JSONContent(searchResultsPayload{Results: results})
	if err != nil {
		return nil, err
	}
	return &CallToolResult{Content: []Content{content}}, nil
}

// executeParameters is the input schema for the built-in "execute" tool.
// Arguments is a plain object (not a pointer) so callers that always send
// an empty object (some MCP clients refuse to omit it) decode cleanly.
type executeParameters struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// executeTool is the built-in "execute" tool: the single entry point most
// MCP clients use once they've found a tool via search, so they never need
// to special-case "server__tool" dispatch themselves.
type executeTool struct {
	downstream *Downstream
	index      *searchIndex
}

func newExecuteTool(downstream *Downstream, index *searchIndex) *executeTool {
	return &executeTool{downstream: downstream, index: index}
}

func (t *executeTool) Name() string { return "execute" }
func (t *executeTool) Description() string {
	return "Executes a tool with the given parameters. Call search first if you don't know the exact tool name."
}
func (t *executeTool) Annotations() ToolAnnotations {
	return ToolAnnotations{Destructive: true, OpenWorld: true}
}

func (t *executeTool) Descriptor() ToolDescriptor {
	return ToolDescriptor{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"arguments":{"type":"object"}},"required":["name","arguments"]}`),
		Annotations: t.Annotations(),
	}
}

func (t *executeTool) Call(ctx context.Context, headers http.Header, params json.RawMessage) (*CallToolResult, error) {
	var p executeParameters
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %s", gateway.ErrInvalidParams, err.Error())
	}

	result, err := t.downstream.CallTool(ctx, headers, p.Name, p.Arguments)
	if err == nil {
		return result, nil
	}

	if !errIsMethodNotFound(err) {
		return nil, err
	}

	suggestions := t.index.suggestNames([]string{p.Name}, 3)
	if len(suggestions) == 0 {
		return nil, err
	}
	return nil, fmt.Errorf("%w. Did you mean: %s", err, strings.Join(suggestions, ", "))
}
