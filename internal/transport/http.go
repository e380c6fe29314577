package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a whole API call when the caller's context has no deadline
const DefaultHTTPTimeout = 60 * time.Second

// maxErrorBody caps how much of an error response is kept
const maxErrorBody = 4096

func newHTTPClient(c *http.Client, timeout time.Duration) *http.Client {
	if c != nil {
		return c
	}
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// doJSON sends payload (if any) and returns the response with its body read.
// Non-2xx statuses are classified into *Error.
func doJSON(ctx context.Context, client *http.Client, provider, method, url string, header http.Header, payload any) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, &Error{Kind: KindPermanent, Provider: provider, Message: "marshal request: " + err.Error(), Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, &Error{Kind: KindConfig, Provider: provider, Message: "create request: " + err.Error(), Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, classifyNet(provider, fmt.Errorf("%s %s: %w", method, url, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, classifyNet(provider, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := respBody
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return resp, respBody, classifyHTTP(provider, resp.StatusCode, string(msg))
	}
	return resp, respBody, nil
}
