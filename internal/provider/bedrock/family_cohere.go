package bedrock

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// cohereFamily implements Bedrock's Cohere invoke contract: request
// {prompt, max_tokens, temperature, p, stop_sequences}, response
// {generations:[{text,finish_reason}]}.
type cohereFamily struct{}

func (cohereFamily) name() string { return "cohere" }

var cohereStopReasons = map[string]string{
	"COMPLETE":   "stop",
	"MAX_TOKENS": "length",
}

type cohereRequest struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	P             *float64 `json:"p,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

func (cohereFamily) marshalRequest(req *gateway.ChatRequest) ([]byte, error) {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(rawText(m.Content))
		b.WriteString("\n")
	}

	out := cohereRequest{
		Prompt:      b.String(),
		Temperature: req.Temperature,
		P:           req.TopP,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return json.Marshal(out)
}

func (cohereFamily) translateResponse(model string, body []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(body)
	gen := result.Get("generations.0")
	finish := mapStopReason(gen.Get("finish_reason").String(), cohereStopReasons)
	content, _ := json.Marshal(gen.Get("text").String())

	return &gateway.ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
	}, nil
}

func (cohereFamily) streamDelta(payload []byte) (text, finishReason string, usage *gateway.Usage, ok bool) {
	result := gjson.ParseBytes(payload)
	gen := result.Get("generations.0")
	text = gen.Get("text").String()
	if fr := gen.Get("finish_reason").String(); fr != "" {
		finishReason = mapStopReason(fr, cohereStopReasons)
	}
	return text, finishReason, nil, true
}
