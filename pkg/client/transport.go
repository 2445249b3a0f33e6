package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Transport sends a batch of events of one kind.
type Transport interface {
	Send(ctx context.Context, kind model.Kind, facts []model.Fact) (Result, error)
}

// Result is the server's verdict on one batch.
type Result struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"-"`
}

// HTTPTransport posts batches to the event ingestion endpoint.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTP creates a transport for the server at baseURL.
func NewHTTP(baseURL, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Results  []struct {
		Error string `json:"error"`
	} `json:"results"`
}

// Send posts facts as one JSON array to /v1/events/{kind}. Per-event
// rejections are reported in the Result, not as an error.
func (t *HTTPTransport) Send(ctx context.Context, kind model.Kind, facts []model.Fact) (Result, error) {
	if len(facts) == 0 {
		return Result{}, nil
	}

	jsonData, err := json.Marshal(facts)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal events: %w", err)
	}

	url := t.baseURL + "/v1/events/" + string(kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var body ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	res := Result{Accepted: body.Accepted, Rejected: body.Rejected}
	for _, r := range body.Results {
		if r.Error != "" {
			res.Errors = append(res.Errors, r.Error)
		}
	}
	return res, nil
}
