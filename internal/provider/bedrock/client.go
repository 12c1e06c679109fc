package bedrock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
	"github.com/jrmatherly/nexus-sub002/internal/provider"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a gateway.Provider adapter for a single Bedrock model family.
// Transport (SigV4 signing, TLS, pooling) is supplied by the caller via the
// *http.Client, exactly as provider/anthropic's Bedrock hosting mode does.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	fam     family
}

func newClient(name, baseURL string, client *http.Client, fam family) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		fam:     fam,
	}
}

// NewMetaLlama returns a Provider for Bedrock's Meta Llama models.
func NewMetaLlama(name, baseURL string, client *http.Client) *Client {
	return newClient(name, baseURL, client, metaFamily{})
}

// NewMistral returns a Provider for Bedrock's Mistral models.
func NewMistral(name, baseURL string, client *http.Client) *Client {
	return newClient(name, baseURL, client, mistralFamily{})
}

// NewAI21Jamba returns a Provider for Bedrock's AI21 Jamba models.
func NewAI21Jamba(name, baseURL string, client *http.Client) *Client {
	return newClient(name, baseURL, client, ai21Family{})
}

// NewDeepSeek returns a Provider for Bedrock's DeepSeek models.
func NewDeepSeek(name, baseURL string, client *http.Client) *Client {
	return newClient(name, baseURL, client, deepseekFamily{})
}

// NewTitan returns a Provider for Bedrock's Amazon Titan models.
func NewTitan(name, baseURL string, client *http.Client) *Client {
	return newClient(name, baseURL, client, titanFamily{})
}

// NewCohere returns a Provider for Bedrock's Cohere models.
func NewCohere(name, baseURL string, client *http.Client) *Client {
	return newClient(name, baseURL, client, cohereFamily{})
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

func (c *Client) invokeURL(model string) string {
	return fmt.Sprintf("%s/model/%s/invoke", c.baseURL, url.PathEscape(model))
}

func (c *Client) streamURL(model string) string {
	return fmt.Sprintf("%s/model/%s/invoke-with-response-stream", c.baseURL, url.PathEscape(model))
}

// ChatCompletion sends a non-streaming invoke request to Bedrock.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := c.fam.marshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock %s: translate request: %w", c.fam.name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.invokeURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bedrock %s: create request: %w", c.fam.name(), err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock %s: do request: %w", c.fam.name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError("bedrock-"+c.fam.name(), resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("bedrock %s: read response: %w", c.fam.name(), err)
	}

	return c.fam.translateResponse(req.Model, respBody)
}

// ChatCompletionStream sends a streaming invoke request to Bedrock and
// translates the binary event-stream frames into canonical StreamChunks.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	body, err := c.fam.marshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock %s: translate request: %w", c.fam.name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bedrock %s: create request: %w", c.fam.name(), err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock %s: do request: %w", c.fam.name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError("bedrock-"+c.fam.name(), resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readStream(ctx, req.Model, resp.Body, ch)
	return ch, nil
}

func (c *Client) readStream(ctx context.Context, model string, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)

	id := "bedrock-" + c.fam.name()
	err := decodeEventStream(ctx, body, func(payload []byte) error {
		text, finishReason, usage, ok := c.fam.streamDelta(payload)
		if !ok {
			return nil
		}
		if text != "" {
			ch <- gateway.StreamChunk{Data: deltaChunk(id, model, text)}
		}
		if finishReason != "" {
			ch <- gateway.StreamChunk{Data: finishChunk(id, model, finishReason)}
		}
		if usage != nil {
			ch <- gateway.StreamChunk{Data: usageChunk(id, model, usage), Usage: usage, Done: true}
		}
		return nil
	})
	if err != nil {
		ch <- gateway.StreamChunk{Err: err}
	}
}

// Embeddings is not supported by any current Bedrock text-family driver.
func (c *Client) Embeddings(_ context.Context, _ *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	return nil, fmt.Errorf("bedrock %s: embeddings not supported", c.fam.name())
}

// ListModels has no per-family discovery endpoint on Bedrock; callers rely
// on configured model aliases instead.
func (c *Client) ListModels(_ context.Context) ([]string, error) {
	return nil, nil
}

// HealthCheck issues a HEAD request against the base URL, since Bedrock has
// no model-agnostic health endpoint (matching provider/anthropic's Bedrock
// health check).
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("bedrock %s: health check: %w", c.fam.name(), err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("bedrock %s: health check: %w", c.fam.name(), err)
	}
	resp.Body.Close()
	return nil
}

// gjsonStr returns the string value at path in body. The family
// translateResponse implementations do not call it; each parses the body
// with gjson.ParseBytes itself.
func gjsonStr(body []byte, path string) string {
	return gjson.GetBytes(body, path).String()
}
