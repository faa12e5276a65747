package relay

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
)

// LevelTrace is a custom log level for dumping provider HTTP traffic.
const LevelTrace = slog.Level(-8)

var redactedHeaders = []string{"Authorization", "X-Goog-Api-Key"}

// traceTransport dumps requests and responses when the default logger is
// enabled at LevelTrace. Credentials are redacted from the dump.
type traceTransport struct {
	base http.RoundTripper
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if !slog.Default().Enabled(ctx, LevelTrace) {
		return t.base.RoundTrip(req)
	}

	dump := req.Clone(ctx)
	dump.Body = nil
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			dump.Body = body
		}
	}
	for _, h := range redactedHeaders {
		if dump.Header.Get(h) != "" {
			dump.Header.Set(h, "REDACTED")
		}
	}
	if q := dump.URL.Query(); q.Get("key") != "" {
		q.Set("key", "REDACTED")
		dump.URL.RawQuery = q.Encode()
	}

	reqDump, err := httputil.DumpRequestOut(dump, dump.Body != nil)
	if err != nil {
		slog.Log(ctx, LevelTrace, "Failed to dump relay request", "error", err)
	} else {
		slog.Log(ctx, LevelTrace, "Relay request", "url", dump.URL.String(), "dump", string(reqDump))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Log(ctx, LevelTrace, "Failed to dump relay response", "error", err)
	} else {
		slog.Log(ctx, LevelTrace, "Relay response", "status", resp.StatusCode, "dump", string(respDump))
	}
	return resp, nil
}
