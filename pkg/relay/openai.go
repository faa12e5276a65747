package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nstogner/aichat/pkg/model"
)

const completionsPath = "chat/completions"

// CompletionsURL normalizes an OpenAI-compatible base URL so that it ends in
// the chat completions path.
func CompletionsURL(baseURL string) string {
	if strings.HasSuffix(baseURL, "/"+completionsPath) {
		return baseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if strings.Contains(baseURL, "/"+completionsPath) {
		return baseURL
	}
	return baseURL + completionsPath
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Stream         bool      `json:"stream"`
	EnableThinking bool      `json:"enable_thinking,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content          Field `json:"content"`
			ReasoningContent Field `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIBackend struct {
	http *http.Client
}

func (b *openAIBackend) send(ctx context.Context, desc model.Descriptor, req Request) (Result, error) {
	payload, err := json.Marshal(chatRequest{
		Model:          req.Model,
		Messages:       req.Messages,
		Stream:         false,
		EnableThinking: req.Thinking,
	})
	if err != nil {
		return Result{}, &Error{Kind: KindDecode, Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := CompletionsURL(desc.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, transportError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+desc.APIKey)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return Result{}, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, transportError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &Error{
			Kind:   KindStatus,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 400)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, &Error{Kind: KindDecode, Err: fmt.Errorf("parse response: %w", err)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return Result{}, &Error{Kind: KindEmpty, Err: ErrNoResponse}
	}

	msg := parsed.Choices[0].Message
	return Result{
		Answer:    msg.Content.String(),
		Reasoning: msg.ReasoningContent.String(),
	}, nil
}
