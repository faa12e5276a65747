package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/nstogner/aichat/pkg/model"
)

// geminiBackend relays through the Google Gen AI SDK. SDK clients are cached
// per model id since a descriptor never changes after load.
type geminiBackend struct {
	http *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func (b *geminiBackend) client(ctx context.Context, desc model.Descriptor) (*genai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[desc.ID]; ok {
		return c, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     desc.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: b.http,
	}
	if u, err := url.Parse(desc.BaseURL); err == nil && u.Scheme != model.ProviderGemini {
		cfg.HTTPOptions.BaseURL = strings.TrimSuffix(desc.BaseURL, "/") + "/"
	}

	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if b.clients == nil {
		b.clients = make(map[string]*genai.Client)
	}
	b.clients[desc.ID] = c
	return c, nil
}

func (b *geminiBackend) send(ctx context.Context, desc model.Descriptor, req Request) (Result, error) {
	c, err := b.client(ctx, desc)
	if err != nil {
		return Result{}, transportError(err)
	}

	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Content}},
			}
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		}
	}
	if req.Thinking {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	resp, err := c.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		if code, ok := apiErrorCode(err); ok {
			return Result{}, &Error{Kind: KindStatus, Status: code, Err: err}
		}
		return Result{}, transportError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Result{}, &Error{Kind: KindEmpty, Err: ErrNoResponse}
	}

	var answer, reasoning strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		if part.Thought {
			reasoning.WriteString(part.Text)
		} else {
			answer.WriteString(part.Text)
		}
	}
	return Result{Answer: answer.String(), Reasoning: reasoning.String()}, nil
}

// apiErrorCode extracts the HTTP status of an SDK API error, which may be
// returned by value or by pointer.
func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
