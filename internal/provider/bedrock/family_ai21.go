package bedrock

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// ai21Family implements Bedrock's AI21 Jamba invoke contract, which takes an
// OpenAI-compatible {messages:[{role,content}], max_tokens, temperature,
// top_p} request and returns an OpenAI-compatible {choices:[{message,
// finish_reason}]} response -- so translation is near pass-through.
type ai21Family struct{}

func (ai21Family) name() string { return "ai21" }

type ai21Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ai21Request struct {
	Messages    []ai21Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

func (ai21Family) marshalRequest(req *gateway.ChatRequest) ([]byte, error) {
	out := ai21Request{
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, ai21Message{Role: m.Role, Content: rawText(m.Content)})
	}
	return json.Marshal(out)
}

func (ai21Family) translateResponse(model string, body []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(body)
	choice := result.Get("choices.0")
	content, _ := json.Marshal(choice.Get("message.content").String())

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = &gateway.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}

	return &gateway.ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: choice.Get("finish_reason").String(),
		}},
		Usage: usage,
	}, nil
}

// Jamba's Bedrock invoke does not support response streaming: streamDelta
// reports no delta for any event, so a stream:true request to this family
// yields no content chunks. There is no fallback to ChatCompletion.
func (ai21Family) streamDelta(payload []byte) (text, finishReason string, usage *gateway.Usage, ok bool) {
	return "", "", nil, false
}
