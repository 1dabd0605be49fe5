package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes caps how much of an engine response is read.
const maxResponseBytes = 1 << 20

// HTTPEngine queries an OPA-compatible REST data API:
// POST {base}/v1/data/{path} with {"input": ...}, expecting {"result": bool}.
type HTTPEngine struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEngine returns an engine for baseURL and the slash-separated rule path.
// A nil client selects an instrumented default client; the deadline comes
// from the caller's context, not the client.
func NewHTTPEngine(baseURL, path string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/data/" + strings.Trim(path, "/")
	return &HTTPEngine{endpoint: endpoint, client: client}
}

// Endpoint returns the full decision URL.
func (e *HTTPEngine) Endpoint() string {
	return e.endpoint
}

// Evaluate implements Engine.
func (e *HTTPEngine) Evaluate(ctx context.Context, input Input) (bool, error) {
	body, err := json.Marshal(map[string]Input{"input": input})
	if err != nil {
		return false, fmt.Errorf("%w: encode input: %v", ErrEngineUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: build request: %v", ErrEngineUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return false, fmt.Errorf("%w: %v", ErrEngineTimeout, err)
		}
		return false, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return false, fmt.Errorf("%w: status %d", ErrEngineUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return false, fmt.Errorf("%w: read body: %v", ErrEngineTimeout, err)
		}
		return false, fmt.Errorf("%w: read body: %v", ErrEngineUnavailable, err)
	}
	return parseResult(raw)
}

// parseResult accepts only a JSON object whose "result" member is a boolean.
func parseResult(raw []byte) (bool, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	field, ok := doc["result"]
	if !ok {
		return false, fmt.Errorf("%w: missing result", ErrResponseInvalid)
	}
	var result bool
	if err := json.Unmarshal(field, &result); err != nil || bytes.Equal(bytes.TrimSpace(field), []byte("null")) {
		return false, fmt.Errorf("%w: result is not a boolean", ErrResponseInvalid)
	}
	return result, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
