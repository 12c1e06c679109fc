package bedrock

import (
	"log/slog"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// family translates between the canonical gateway.ChatRequest/Response shape
// and one Bedrock model family's native invoke body. Each family owns its own
// request/response JSON shape; the Client owns transport, URLs, and the
// binary event-stream decode loop shared by all of them.
type family interface {
	// name identifies the family for error messages and logging.
	name() string
	// marshalRequest builds the native invoke request body.
	marshalRequest(req *gateway.ChatRequest) ([]byte, error)
	// translateResponse parses a non-streaming invoke response body.
	translateResponse(model string, body []byte) (*gateway.ChatResponse, error)
	// streamDelta parses one decoded event-stream payload into incremental
	// text, finish reason (empty if not yet finished), and usage (nil until
	// known). Families that never report usage mid-stream return nil usage
	// until the final event.
	streamDelta(payload []byte) (text string, finishReason string, usage *gateway.Usage, ok bool)
}

// mapStopReason preserves unrecognized stop/finish reasons as-is rather than
// coercing them to "stop", so callers can distinguish a genuinely unknown
// upstream reason from a normal completion. A non-empty unrecognized reason
// is logged with slog.Warn.
func mapStopReason(reason string, known map[string]string) string {
	if mapped, ok := known[reason]; ok {
		return mapped
	}
	if reason != "" {
		slog.Warn("bedrock: unknown stop reason preserved", "reason", reason)
	}
	return reason
}
