package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/airlock-sh/airlock/internal/fault"
)

// timeoutMargin is added on top of the script timeout so the worker gets to
// report its own timeout status before the HTTP call is cut off.
const timeoutMargin = 10 * time.Second

const healthTimeout = 5 * time.Second

// HTTPClient talks to a worker process over its private HTTP interface.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient creates a client for a worker at baseURL.
func NewHTTPClient(baseURL string, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger.With().Str("component", "worker-client").Logger(),
	}
}

type runRequest struct {
	Script   string            `json:"script"`
	Settings map[string]string `json:"settings"`
	Timeout  int               `json:"timeout"`
}

// Run submits a script to the worker's /run endpoint and waits for the
// outcome. The request deadline is the script timeout plus a margin.
func (c *HTTPClient) Run(ctx context.Context, script string, settings map[string]string, timeoutSeconds int) (*Result, error) {
	body, err := json.Marshal(runRequest{
		Script:   script,
		Settings: settings,
		Timeout:  timeoutSeconds,
	})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "encoding run request")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second+timeoutMargin)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "building run request")
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().Int("script_bytes", len(script)).Int("timeout_s", timeoutSeconds).Msg("dispatching script to worker")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &Result{Status: StatusTimeout, Error: fmt.Sprintf("worker did not respond within %ds", timeoutSeconds)}, nil
		}
		return nil, fault.Wrap(fault.Unavailable, err, "calling worker")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "reading worker response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.Unavailable, "worker returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "decoding worker response")
	}
	if result.Status == "" {
		result.Status = StatusError
		result.Error = "worker response missing status"
	}
	return &result, nil
}

// Available probes the worker's /health endpoint.
func (c *HTTPClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}
