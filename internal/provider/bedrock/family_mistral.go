package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// mistralFamily implements Bedrock's Mistral invoke contract: request
// {prompt wrapped in "[INST] ... [/INST]", max_tokens, temperature, top_p},
// response {outputs:[{text, stop_reason}]}.
type mistralFamily struct{}

func (mistralFamily) name() string { return "mistral" }

var mistralStopReasons = map[string]string{
	"stop":   "stop",
	"length": "length",
}

type mistralRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

func (mistralFamily) marshalRequest(req *gateway.ChatRequest) ([]byte, error) {
	system, turns := splitMessages(req.Messages)

	var b strings.Builder
	b.WriteString("[INST] ")
	if system != "" {
		fmt.Fprintf(&b, "%s\n\n", system)
	}
	for _, m := range turns {
		b.WriteString(rawText(m.Content))
		b.WriteString("\n")
	}
	b.WriteString("[/INST]")

	out := mistralRequest{
		Prompt:      b.String(),
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return json.Marshal(out)
}

func (mistralFamily) translateResponse(model string, body []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(body)
	out := result.Get("outputs.0")
	finish := mapStopReason(out.Get("stop_reason").String(), mistralStopReasons)
	content, _ := json.Marshal(out.Get("text").String())

	return &gateway.ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
	}, nil
}

func (mistralFamily) streamDelta(payload []byte) (text, finishReason string, usage *gateway.Usage, ok bool) {
	result := gjson.ParseBytes(payload)
	out := result.Get("outputs.0")
	text = out.Get("text").String()
	if sr := out.Get("stop_reason").String(); sr != "" {
		finishReason = mapStopReason(sr, mistralStopReasons)
	}
	return text, finishReason, nil, true
}
