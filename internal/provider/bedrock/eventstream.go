// Package bedrock implements gateway.Provider adapters for the AWS Bedrock
// model families that do not speak Anthropic's wire format: Meta Llama,
// Mistral, AI21 Jamba, DeepSeek, Amazon Titan, and Cohere.
package bedrock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"
)

// decodeEventStream reads AWS binary event-stream frames from a Bedrock
// invoke-with-response-stream body and invokes onEvent with each decoded
// JSON payload (the base64 "bytes" field of every "event" frame).
// Mirrors provider/anthropic's readBedrockStream decode loop; generalized
// here since every non-Anthropic family rides the same binary framing.
func decodeEventStream(ctx context.Context, body io.ReadCloser, onEvent func([]byte) error) error {
	defer body.Close()

	decoder := eventstream.NewDecoder()
	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("bedrock: decode event stream: %w", err)
		}

		msgType := headerValue(msg.Headers, ":message-type")
		if msgType == "exception" {
			errType := headerValue(msg.Headers, ":exception-type")
			if len(errType) > 64 {
				errType = errType[:64]
			}
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			return fmt.Errorf("bedrock: exception: %s: %s", errType, payload)
		}
		if msgType != "event" {
			continue
		}

		decoded, err := extractEventBytes(msg.Payload)
		if err != nil {
			return fmt.Errorf("bedrock: extract event bytes: %w", err)
		}

		if err := onEvent(decoded); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// extractEventBytes extracts and base64-decodes the "bytes" field from a
// Bedrock event stream payload: {"bytes":"<base64>"}.
func extractEventBytes(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, fmt.Errorf("missing bytes field in payload")
	}
	return base64.StdEncoding.DecodeString(b64)
}
