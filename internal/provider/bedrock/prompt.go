package bedrock

import (
	"encoding/json"
	"strings"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// splitMessages separates a canonical message list into (system, turns),
// where turns holds the user/assistant exchange in order. Several Bedrock
// families (Llama, Mistral, DeepSeek) take a single flattened prompt string
// instead of a structured messages array, so they all start from this split.
func splitMessages(messages []gateway.Message) (system string, turns []gateway.Message) {
	for _, m := range messages {
		if m.Role == "system" && system == "" {
			system = rawText(m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}

// rawText extracts a best-effort plain-text rendering of a message's
// content field, which may be a JSON string or a content-block array.
func rawText(content []byte) string {
	s := strings.TrimSpace(string(content))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if err := json.Unmarshal(content, &unquoted); err == nil {
			return unquoted
		}
	}
	return s
}
