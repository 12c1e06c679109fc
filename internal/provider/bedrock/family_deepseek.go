package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// deepseekFamily implements Bedrock's DeepSeek invoke contract: a flattened
// "System: ...\n\nUser: ...\nAssistant: ...\nAssistant:" prompt, with stop
// sequences ["User:", "\n\n"] to keep the model from continuing past its
// turn; response read from choices[0].text per AWS's DeepSeek contract.
type deepseekFamily struct{}

func (deepseekFamily) name() string { return "deepseek" }

var deepseekStopSequences = []string{"User:", "\n\n"}

type deepseekRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

func (deepseekFamily) marshalRequest(req *gateway.ChatRequest) ([]byte, error) {
	system, turns := splitMessages(req.Messages)

	var b strings.Builder
	if system != "" {
		fmt.Fprintf(&b, "System: %s\n\n", system)
	}
	for _, m := range turns {
		role := "User"
		if m.Role == "assistant" {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, rawText(m.Content))
	}
	b.WriteString("Assistant:")

	out := deepseekRequest{
		Prompt:      b.String(),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        deepseekStopSequences,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return json.Marshal(out)
}

func (deepseekFamily) translateResponse(model string, body []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(body)
	choice := result.Get("choices.0")
	content, _ := json.Marshal(choice.Get("text").String())

	return &gateway.ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: choice.Get("finish_reason").String(),
		}},
	}, nil
}

func (deepseekFamily) streamDelta(payload []byte) (text, finishReason string, usage *gateway.Usage, ok bool) {
	result := gjson.ParseBytes(payload)
	choice := result.Get("choices.0")
	text = choice.Get("text").String()
	finishReason = choice.Get("finish_reason").String()
	return text, finishReason, nil, true
}
