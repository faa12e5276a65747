package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nstogner/aichat/pkg/model"
)

// Wire roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Default timeouts. Deep-thinking completions can take minutes.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 300 * time.Second
)

// Message is one role-tagged entry of a relay request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-neutral form of one chat completion call. Messages
// starts with exactly one system entry and ends with the new user entry.
type Request struct {
	Model    string
	Messages []Message
	Thinking bool
}

// Result is a successful completion split into its answer and optional
// reasoning trace.
type Result struct {
	Answer    string
	Reasoning string
}

// Text renders the result as stored assistant content. The reasoning trace is
// only kept when thinking was enabled for the call.
func (r Result) Text(thinking bool) string {
	if thinking && r.Reasoning != "" {
		return Envelope(r.Reasoning, r.Answer)
	}
	return r.Answer
}

// Kind classifies relay failures.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindStatus
	KindDecode
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	case KindEmpty:
		return "empty"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by Send for every failed relay call.
type Error struct {
	Kind Kind
	// Status is the provider's HTTP status for KindStatus errors.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoResponse is wrapped by KindEmpty errors when a provider returns no usable
// completion.
var ErrNoResponse = errors.New("no response from provider")

// Options configure a Client.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Transport replaces the default dialing transport when set.
	Transport http.RoundTripper
}

// Client relays chat requests to model providers. It is safe for concurrent use.
type Client struct {
	http   *http.Client
	openai *openAIBackend
	gemini *geminiBackend
}

// New creates a Client sharing a single HTTP client across all backends.
func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: opts.ConnectTimeout,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	hc := &http.Client{
		Timeout:   opts.ReadTimeout,
		Transport: &traceTransport{base: base},
	}
	return &Client{
		http:   hc,
		openai: &openAIBackend{http: hc},
		gemini: &geminiBackend{http: hc},
	}
}

// Send performs one synchronous completion call against desc. Failures are
// always *Error. The call is bounded by the client's read timeout.
func (c *Client) Send(ctx context.Context, desc model.Descriptor, req Request) (Result, error) {
	start := time.Now()
	slog.Info("Relaying chat request",
		"model", req.Model,
		"provider", desc.Provider,
		"messages", len(req.Messages),
		"thinking", req.Thinking,
	)

	var (
		res Result
		err error
	)
	switch desc.Provider {
	case model.ProviderGemini:
		res, err = c.gemini.send(ctx, desc, req)
	default:
		res, err = c.openai.send(ctx, desc, req)
	}
	if err == nil && res.Answer == "" && res.Reasoning == "" {
		err = &Error{Kind: KindEmpty, Err: ErrNoResponse}
	}
	if err != nil {
		slog.Warn("Relay failed", "model", req.Model, "duration", time.Since(start), "error", err)
		return Result{}, err
	}

	slog.Info("Relay succeeded",
		"model", req.Model,
		"duration", time.Since(start),
		"answerChars", len(res.Answer),
		"reasoningChars", len(res.Reasoning),
	)
	return res, nil
}

func transportError(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
