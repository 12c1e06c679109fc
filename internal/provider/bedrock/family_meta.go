package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// metaFamily implements Bedrock's Meta Llama invoke contract:
// request {prompt, max_gen_len, temperature, top_p}, response
// {generation, prompt_token_count, generation_token_count, stop_reason}.
type metaFamily struct{}

func (metaFamily) name() string { return "meta" }

var metaStopReasons = map[string]string{
	"stop":   "stop",
	"length": "length",
}

type metaRequest struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

func (metaFamily) marshalRequest(req *gateway.ChatRequest) ([]byte, error) {
	system, turns := splitMessages(req.Messages)

	var b strings.Builder
	if system != "" {
		fmt.Fprintf(&b, "<<SYS>>\n%s\n<</SYS>>\n\n", system)
	}
	for _, m := range turns {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(m.Role), rawText(m.Content))
	}
	b.WriteString("ASSISTANT:")

	out := metaRequest{
		Prompt:      b.String(),
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		out.MaxGenLen = *req.MaxTokens
	}
	return json.Marshal(out)
}

func (metaFamily) translateResponse(model string, body []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(body)
	finish := mapStopReason(result.Get("stop_reason").String(), metaStopReasons)

	content, _ := json.Marshal(result.Get("generation").String())
	promptTokens := int(result.Get("prompt_token_count").Int())
	genTokens := int(result.Get("generation_token_count").Int())

	return &gateway.ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: &gateway.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: genTokens,
			TotalTokens:      promptTokens + genTokens,
		},
	}, nil
}

func (metaFamily) streamDelta(payload []byte) (text, finishReason string, usage *gateway.Usage, ok bool) {
	result := gjson.ParseBytes(payload)
	text = result.Get("generation").String()
	if sr := result.Get("stop_reason").String(); sr != "" {
		finishReason = mapStopReason(sr, metaStopReasons)
		pt := int(result.Get("prompt_token_count").Int())
		gt := int(result.Get("generation_token_count").Int())
		usage = &gateway.Usage{PromptTokens: pt, CompletionTokens: gt, TotalTokens: pt + gt}
	}
	return text, finishReason, usage, true
}
