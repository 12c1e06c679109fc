package bedrock

import (
	gateway "github.com/jrmatherly/nexus-sub002/internal"
	"github.com/jrmatherly/nexus-sub002/internal/provider/sseutil"
)

// deltaChunk, finishChunk, and usageChunk delegate to the shared sseutil
// builders rather than re-implementing them, unlike provider/anthropic's
// locally duplicated versions.
func deltaChunk(id, model, text string) []byte {
	return sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, "")
}

func finishChunk(id, model, finishReason string) []byte {
	return sseutil.BuildFinishChunk(id, model, finishReason)
}

func usageChunk(id, model string, usage *gateway.Usage) []byte {
	return sseutil.BuildUsageChunk(id, model, usage)
}
