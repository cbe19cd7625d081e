package nodes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/ports"
)

const TypeHTTPRequest = "NodeHTTPRequest"

const maxResponseBody = 4 << 20

func HTTPRequest() *engine.NodeType {
	urlDef := inputSocket("url", "URL", domain.TypeString, "")
	urlDef.Format = domain.FormatURI

	return &engine.NodeType{
		Name:        TypeHTTPRequest,
		Description: "Sends an HTTP request",
		Inputs: []domain.SocketDefinition{
			urlDef,
			inputSocket("method", "Method", domain.TypeString, http.MethodGet),
			inputSocket("headers", "Headers", domain.TypeObject, map[string]interface{}{}),
			inputSocket("body", "Body", domain.TypeString, ""),
			triggerSocket("run", "Run"),
		},
		Outputs: []domain.SocketDefinition{
			outputSocket("status", "Status", domain.TypeNumber),
			outputSocket("headers", "Headers", domain.TypeObject),
			outputSocket("body", "Body", domain.TypeString),
			triggerSocket("done", "Done"),
		},
		Run: runHTTPRequest,
	}
}

func runHTTPRequest(ctx context.Context, rc engine.RunContext) (domain.Values, error) {
	var doer ports.HTTPDoer = http.DefaultClient
	if rc.Services != nil && rc.Services.HTTP != nil {
		doer = rc.Services.HTTP
	}

	url := asString(rc.Inputs["url"])
	if url == "" {
		return nil, fmt.Errorf("%w: url is empty", domain.ErrInvalidInput)
	}
	method := strings.ToUpper(asString(rc.Inputs["method"]))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := asString(rc.Inputs["body"]); b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", domain.ErrInvalidInput, err)
	}

	headers, err := asObject(rc.Inputs["headers"])
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, asString(v))
	}

	resp, err := doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return domain.Values{
		"status":  float64(resp.StatusCode),
		"headers": respHeaders,
		"body":    string(raw),
	}, nil
}
