// Package llm provides a minimal chat-completion client with function-calling
// support. As with internal/embedding, no complete Go SDK for a chat LLM
// provider surfaced anywhere in the corpus this module was grown from, so
// this is a thin net/http + encoding/json client (see DESIGN.md).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/costnav/queryengine/internal/engineerr"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema describes a single callable function for tool-calling requests.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema object
}

// ChatRequest is a single chat-completion call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// Tool, when non-nil, forces the model to respond via this single
	// function-call contract instead of free text.
	Tool *ToolSchema
}

// ChatResponse is what the caller needs back: free text, or the raw JSON
// arguments of a forced tool call.
type ChatResponse struct {
	Content      string
	ToolCallJSON json.RawMessage
}

// ChatClient issues chat completions.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Client is a REST-backed ChatClient against an OpenAI-compatible endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireRequest struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Functions   []wireFunction `json:"functions,omitempty"`
	FunctionCall any           `json:"function_call,omitempty"`
}

type wireChoice struct {
	Message struct {
		Content      string `json:"content"`
		FunctionCall *struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function_call"`
	} `json:"message"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
}

// Complete sends req upstream, retrying transient failures with capped
// exponential backoff.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var out ChatResponse
	op := func() error {
		resp, err := c.completeOnce(ctx, req)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return ChatResponse{}, engineerr.New(engineerr.UpstreamUnavailable, "llm.Complete", err)
	}
	return out, nil
}

func (c *Client) completeOnce(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	wire := wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Tool != nil {
		wire.Functions = []wireFunction{{
			Name:        req.Tool.Name,
			Description: req.Tool.Description,
			Parameters:  req.Tool.Parameters,
		}}
		wire.FunctionCall = map[string]string{"name": req.Tool.Name}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("chat upstream status %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, backoff.Permanent(fmt.Errorf("chat upstream status %d: %s", resp.StatusCode, data))
	}

	var parsed wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ChatResponse{}, err
	}
	if len(parsed.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("chat: empty response")
	}
	choice := parsed.Choices[0]
	if choice.Message.FunctionCall != nil {
		return ChatResponse{ToolCallJSON: choice.Message.FunctionCall.Arguments}, nil
	}
	return ChatResponse{Content: choice.Message.Content}, nil
}
