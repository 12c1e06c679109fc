package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
	"github.com/jrmatherly/nexus-sub002/internal/config"
)

// fakeMCPServer answers tools/list with one "echo" tool and tools/call by
// echoing its arguments back, or a MethodNotFound error for unknown tools.
func fakeMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		switch req.Method {
		case "tools/list":
			resp := rpcResponse{JSONRPC: jsonRPCVersion, Result: mustMarshal(t, map[string]any{
				"tools": []ToolDescriptor{{Name: "echo", Description: "Echoes input"}},
			})}
			json.NewEncoder(w).Encode(resp)
		case "tools/call":
			var params struct {
				Name      string `json:"name"`
				Arguments any    `json:"arguments"`
			}
			b, _ := json.Marshal(req.Params)
			json.Unmarshal(b, &params)
			if params.Name != "echo" {
				resp := rpcResponse{JSONRPC: jsonRPCVersion, Error: &rpcError{Code: rpcMethodNotFound, Message: "method not found"}}
				json.NewEncoder(w).Encode(resp)
				return
			}
			resp := rpcResponse{JSONRPC: jsonRPCVersion, Result: mustMarshal(t, CallToolResult{
				Content: []Content{TextContent("ok")},
			})}
			json.NewEncoder(w).Encode(resp)
		default:
			t.Fatalf("unexpected method: %s", req.Method)
		}
	}))
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newTestDownstream(t *testing.T, serverName, url string) *Downstream {
	t.Helper()
	d, err := New(context.Background(), []config.MCPServerEntry{
		{Name: serverName, URL: url},
	}, nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDownstream_New_AggregatesAndPrefixes(t *testing.T) {
	t.Parallel()
	ts := fakeMCPServer(t)
	defer ts.Close()

	d := newTestDownstream(t, "github", ts.URL)

	tools, err := d.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "github__echo" {
		t.Fatalf("tools = %+v, want one github__echo", tools)
	}
}

func TestDownstream_CallTool_Success(t *testing.T) {
	t.Parallel()
	ts := fakeMCPServer(t)
	defer ts.Close()

	d := newTestDownstream(t, "github", ts.URL)

	result, err := d.CallTool(context.Background(), nil, "github__echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Errorf("result = %+v, want content 'ok'", result)
	}
}

func TestDownstream_CallTool_UnprefixedName(t *testing.T) {
	t.Parallel()
	ts := fakeMCPServer(t)
	defer ts.Close()

	d := newTestDownstream(t, "github", ts.URL)

	_, err := d.CallTool(context.Background(), nil, "echo", json.RawMessage(`{}`))
	if !errors.Is(err, gateway.ErrInvalidParams) {
		t.Errorf("err = %v, want ErrInvalidParams", err)
	}
}

func TestDownstream_CallTool_UnknownServer(t *testing.T) {
	t.Parallel()
	ts := fakeMCPServer(t)
	defer ts.Close()

	d := newTestDownstream(t, "github", ts.URL)

	_, err := d.CallTool(context.Background(), nil, "slack__post_message", json.RawMessage(`{}`))
	if !errors.Is(err, gateway.ErrInvalidParams) {
		t.Errorf("err = %v, want ErrInvalidParams", err)
	}
}

func TestDownstream_CallTool_UnknownToolRejectedBeforeDispatch(t *testing.T) {
	t.Parallel()
	ts := fakeMCPServer(t)
	defer ts.Close()

	d := newTestDownstream(t, "github", ts.URL)

	// "github__nonexistent" was never returned by tools/list, so findTool
	// rejects it before the request ever reaches the downstream server.
	_, err := d.CallTool(context.Background(), nil, "github__nonexistent", json.RawMessage(`{}`))
	if !errors.Is(err, gateway.ErrInvalidParams) {
		t.Errorf("err = %v, want ErrInvalidParams", err)
	}
}

func TestDownstreamClient_CallTool_MethodNotFound(t *testing.T) {
	t.Parallel()
	ts := fakeMCPServer(t)
	defer ts.Close()

	c, err := newDownstreamClient(config.MCPServerEntry{Name: "github", URL: ts.URL}, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.callTool(context.Background(), "nonexistent", json.RawMessage(`{}`))
	if !errIsMethodNotFound(err) {
		t.Errorf("err = %v, want MethodNotFound", err)
	}
}

func TestDownstreamClient_Call_UpstreamError(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c, err := newDownstreamClient(config.MCPServerEntry{Name: "broken", URL: ts.URL}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.call(context.Background(), "tools/list", map[string]any{}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestNewDownstreamClient_MissingURL(t *testing.T) {
	t.Parallel()
	if _, err := newDownstreamClient(config.MCPServerEntry{Name: "noop"}, nil, ""); err == nil {
		t.Fatal("expected error for missing URL")
	}
}

func TestErrIsMethodNotFound(t *testing.T) {
	t.Parallel()
	notFound := &rpcError{Code: rpcMethodNotFound, Message: "nope"}
	if !errIsMethodNotFound(notFound) {
		t.Error("expected true for MethodNotFound rpcError")
	}

	other := &rpcError{Code: -32000, Message: "other"}
	if errIsMethodNotFound(other) {
		t.Error("expected false for non-MethodNotFound rpcError")
	}

	if errIsMethodNotFound(errors.New("plain error")) {
		t.Error("expected false for non-rpcError")
	}
}

func TestBuiltinTools_NamesAndOrder(t *testing.T) {
	t.Parallel()
	ts := fakeMCPServer(t)
	defer ts.Close()
	d := newTestDownstream(t, "github", ts.URL)

	tools := d.BuiltinTools()
	if len(tools) != 2 {
		t.Fatalf("len(BuiltinTools()) = %d, want 2", len(tools))
	}
	if tools[0].Name() != "search" || tools[1].Name() != "execute" {
		names := []string{tools[0].Name(), tools[1].Name()}
		t.Errorf("names = %v, want [search execute]", names)
	}
}

func TestDownstream_SearchTools(t *testing.T) {
	t.Parallel()
	ts := fakeMCPServer(t)
	defer ts.Close()
	d := newTestDownstream(t, "github", ts.URL)

	results := d.SearchTools([]string{"echo"})
	if len(results) != 1 || !strings.Contains(results[0].Tool.Name, "echo") {
		t.Errorf("results = %+v, want one echo match", results)
	}
}
