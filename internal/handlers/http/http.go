package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"probeflow/internal/domain"
)

const maxBody = 1 << 20

// Runner probes an HTTP(S) endpoint and reports status code and latency.
type Runner struct {
	URL                string
	Method             string
	Headers            map[string]string
	InsecureSkipVerify bool
	Client             *http.Client
}

type Response struct {
	Status       string `json:"status"`
	URL          string `json:"url"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ResponseTime int64  `json:"responseTime"`
	Error        string `json:"error,omitempty"`
}

func (h Runner) Run(ctx context.Context, t domain.Task) (domain.Output, error) {
	url := h.URL
	if t.Options.Target != "" {
		url = t.Options.Target
	}
	if url == "" {
		return domain.Output{}, fmt.Errorf("URL is required")
	}
	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return domain.Output{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := h.client().Do(req)
	if err != nil {
		out := h.output(Response{Status: "unreachable", URL: url, ResponseTime: time.Since(start).Milliseconds(), Error: err.Error()}, method)
		return out, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return domain.Output{}, fmt.Errorf("failed to read response body: %w", err)
	}

	r := Response{Status: "healthy", URL: url, StatusCode: resp.StatusCode, ResponseTime: elapsed}
	if resp.StatusCode >= 400 {
		r.Status = "unhealthy"
		r.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return h.output(r, method), fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(body))
	}
	return h.output(r, method), nil
}

func (h Runner) output(r Response, method string) domain.Output {
	payload, _ := json.Marshal(r)
	line := fmt.Sprintf("%s %s -> %d in %dms", method, r.URL, r.StatusCode, r.ResponseTime)
	if r.Error != "" {
		line += " (" + r.Error + ")"
	}
	return domain.Output{Payload: payload, Log: line + "\n"}
}

var (
	defaultClient  = NewClient(false)
	insecureClient = NewClient(true)
)

// NewClient builds a client with its own pooled transport. Share it across runs.
func NewClient(insecure bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed local proxy
	}
	return &http.Client{Transport: tr}
}

func (h Runner) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	if h.InsecureSkipVerify {
		return insecureClient
	}
	return defaultClient
}
