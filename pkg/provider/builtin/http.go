package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itchyny/gojq"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
)

// HTTPFetchProvider makes an HTTP request and exposes the decoded body as
// the step output.
//
// Params:
//   - url: request URL (required)
//   - method: defaults to GET
//   - headers: map of header -> value
//   - body: request body (string or JSON-encodable value)
//   - timeout_ms: request timeout
//   - jq: optional jq filter applied to the decoded JSON body
type HTTPFetchProvider struct {
	client *http.Client
}

// NewHTTPFetchProvider creates a new http_fetch provider.
func NewHTTPFetchProvider() *HTTPFetchProvider {
	return &HTTPFetchProvider{client: &http.Client{}}
}

// Validate checks the static params.
func (p *HTTPFetchProvider) Validate(params provider.Params) error {
	return params.Require("url")
}

// Execute performs the request. Hard failures are returned as errors; the
// engine surfaces them as <check>/error issues and routes on_fail.
func (p *HTTPFetchProvider) Execute(ctx context.Context, input *provider.StepInput, _ provider.DepView, _ *provider.ExecContext) (*models.StepResult, error) {
	url, err := input.Params.String("url")
	if err != nil {
		return nil, err
	}
	method := input.Params.StringOr("method", http.MethodGet)

	var body io.Reader
	if raw, ok := input.Params.Value("body"); ok {
		switch v := raw.(type) {
		case string:
			body = bytes.NewBufferString(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			body = bytes.NewBuffer(encoded)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, input.Params.DurationMs("timeout_ms", 30*time.Second))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, value := range input.Params.Map("headers") {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request returned status %d", resp.StatusCode)
	}

	var output any
	if err := json.Unmarshal(payload, &output); err != nil {
		output = string(payload)
	}

	if filter := input.Params.StringOr("jq", ""); filter != "" {
		output, err = applyJQ(filter, output)
		if err != nil {
			return nil, fmt.Errorf("jq filter: %w", err)
		}
	}

	return &models.StepResult{Issues: []models.Issue{}, Output: output}, nil
}

// applyJQ runs a jq filter and returns the first result.
func applyJQ(filter string, input any) (any, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	iter := code.Run(input)
	value, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := value.(error); isErr {
		return nil, err
	}
	return value, nil
}
