package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inferloop/modelops/pkg/constants"
)

// APIError is a failed response from the server
type APIError struct {
	Status   int
	Message  string `json:"error"`
	Code     string `json:"code"`
	Type     string `json:"type"`
	Details  string `json:"details"`
	Failures []struct {
		Check  string `json:"check"`
		Reason string `json:"reason"`
	} `json:"failures"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (HTTP %d", e.Message, e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, ", %s", e.Code)
	}
	b.WriteString(")")
	if e.Details != "" {
		fmt.Fprintf(&b, ": %s", e.Details)
	}
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  - %s: %s", f.Check, f.Reason)
	}
	return b.String()
}

// Client talks to the modelops API
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(serverURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/") + constants.APIPrefix,
		http:    &http.Client{Timeout: timeout},
	}
}

// Do sends body as JSON and decodes the response into out when out is non-nil
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
