package bedrock

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// titanFamily implements Bedrock's Amazon Titan invoke contract: request
// {inputText, textGenerationConfig:{maxTokenCount,temperature,topP,
// stopSequences}}, response {results:[{outputText,completionReason,
// tokenCount}]}.
type titanFamily struct{}

func (titanFamily) name() string { return "titan" }

var titanStopReasons = map[string]string{
	"FINISH": "stop",
	"LENGTH": "length",
}

type titanGenConfig struct {
	MaxTokenCount int      `json:"maxTokenCount,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type titanRequest struct {
	InputText  string         `json:"inputText"`
	GenConfig  titanGenConfig `json:"textGenerationConfig"`
}

func (titanFamily) marshalRequest(req *gateway.ChatRequest) ([]byte, error) {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(rawText(m.Content))
		b.WriteString("\n")
	}

	cfg := titanGenConfig{
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		cfg.MaxTokenCount = *req.MaxTokens
	}

	out := titanRequest{InputText: b.String(), GenConfig: cfg}
	return json.Marshal(out)
}

func (titanFamily) translateResponse(model string, body []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(body)
	r0 := result.Get("results.0")
	finish := mapStopReason(r0.Get("completionReason").String(), titanStopReasons)
	content, _ := json.Marshal(r0.Get("outputText").String())

	return &gateway.ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: &gateway.Usage{CompletionTokens: int(r0.Get("tokenCount").Int())},
	}, nil
}

func (titanFamily) streamDelta(payload []byte) (text, finishReason string, usage *gateway.Usage, ok bool) {
	result := gjson.ParseBytes(payload)
	text = result.Get("outputText").String()
	if cr := result.Get("completionReason").String(); cr != "" {
		finishReason = mapStopReason(cr, titanStopReasons)
		usage = &gateway.Usage{CompletionTokens: int(result.Get("totalOutputTextTokenCount").Int())}
	}
	return text, finishReason, usage, true
}
