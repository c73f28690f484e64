package steps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dshills/bilko-go/flow"
)

// maxResponseBody caps how much of an upstream response is captured as
// step output.
const maxResponseBody = 1 << 20 // 1 MiB

// HTTPHandler executes "http.request" steps.
//
// Inputs:
//   - url (required, string): target URL.
//   - method (string, enum GET/POST): defaults to GET.
//   - headers (object): header name -> string value.
//   - body (string): request body, for POST.
//
// Outputs:
//   - statusCode (int), headers (object), body (string).
//
// Failure mapping: transport errors are retryable execution errors; 429
// and 5xx responses are retryable STEP.EXTERNAL_API.TRANSIENT; 400, 401,
// 403 and 404 are STEP.EXTERNAL_API.CONFIG and short-circuit the retry
// loop via the non-retryable signal. Other statuses (including 2xx and
// 3xx) are returned as outputs for downstream steps to interpret.
//
// The per-attempt timeout comes from the step policy through ctx; the
// handler itself sets none.
type HTTPHandler struct {
	client *http.Client
}

// NewHTTPHandler creates the http.request handler with a default client.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{client: &http.Client{}}
}

// NewHTTPHandlerWithClient creates the handler around a caller-supplied
// client (proxies, test servers, custom transports).
func NewHTTPHandlerWithClient(client *http.Client) *HTTPHandler {
	return &HTTPHandler{client: client}
}

// Type implements flow.StepHandler.
func (h *HTTPHandler) Type() string { return "http.request" }

// InputContract implements flow.StepHandler.
func (h *HTTPHandler) InputContract() *flow.InputContract {
	return &flow.InputContract{
		Fields: []flow.InputField{
			{Name: "url", Required: true, Type: flow.FieldString},
			{Name: "method", Type: flow.FieldString, Enum: []any{"GET", "POST"}},
			{Name: "headers", Type: flow.FieldObject},
			{Name: "body", Type: flow.FieldString},
		},
	}
}

// Execute implements flow.StepHandler.
func (h *HTTPHandler) Execute(ctx context.Context, step flow.CompiledStep, _ *flow.StepContext) (map[string]any, error) {
	urlStr, ok := step.Inputs["url"].(string)
	if !ok || urlStr == "" {
		return nil, &flow.NonRetryableError{Message: "url input must be a non-empty string"}
	}

	method := "GET"
	if m, ok := step.Inputs["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if bodyStr, ok := step.Inputs["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, &flow.NonRetryableError{Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	if headers, ok := step.Inputs["headers"].(map[string]any); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Transport failures (DNS, refused connection, reset) are worth
		// retrying under the step policy.
		return nil, flow.NewRetryableError(flow.CodeStepExecutionError,
			fmt.Sprintf("request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, flow.NewRetryableError(flow.CodeStepExecutionError,
			fmt.Sprintf("failed to read response body: %v", err))
	}

	switch {
	case resp.StatusCode == 400 || resp.StatusCode == 401 ||
		resp.StatusCode == 403 || resp.StatusCode == 404:
		return nil, &flow.NonRetryableError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("upstream returned %d", resp.StatusCode),
		}
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		e := flow.ErrorFromHTTPStatus(resp.StatusCode, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			e.Details["retryAfter"] = retryAfter
		}
		return nil, e
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    respHeaders,
		"body":       string(respBody),
	}, nil
}
