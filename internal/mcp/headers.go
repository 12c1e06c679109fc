package mcp

import (
	"net/http"

	"github.com/jrmatherly/nexus-sub002/internal/config"
)

// buildHeaders builds the fixed set of headers applied to every outbound
// request to one downstream MCP server. entry.Headers values have already
// had "${VAR}" and "{{ env.VAR }}" templating resolved once at config-load
// time by internal/config's expandEnv, so this is a plain insert -- the
// only header rule type this gateway currently supports, matching the
// config's own comment ("values may use \"{{ env.VAR }}\"").
//
// When entry.ForwardToken is set, the caller's bearer token is inserted as
// this server's own Authorization header, letting per-user credentials
// reach servers that require them without the gateway needing to know their
// shape beyond "Bearer <token>".
func buildHeaders(entry config.MCPServerEntry, callerToken string) http.Header {
	h := make(http.Header, len(entry.Headers)+1)
	for name, value := range entry.Headers {
		h.Set(name, value)
	}
	if entry.ForwardToken && callerToken != "" {
		h.Set("Authorization", "Bearer "+callerToken)
	}
	return h
}
