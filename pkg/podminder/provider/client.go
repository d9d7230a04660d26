// Package provider implements the fleet API client: one batched metrics
// query per collection cycle plus stop/resume control calls. All calls are
// fire-and-verify-later; the next cycle's snapshot confirms state changes.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// ErrFetchFailed marks an unusable fleet snapshot. The collection loop skips
// the entire cycle when it sees this, changing no instance state.
var ErrFetchFailed = errors.New("fleet fetch failed")

// HTTPClient is the transport seam; tests swap in a scripted fake.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the provider's GraphQL endpoint, with one REST fallback
// for resume.
type Client struct {
	cfg        config.ProviderConfig
	httpClient HTTPClient
}

// ClientOption adjusts a Client at construction.
type ClientOption func(*Client)

// WithHTTPClient replaces the default transport.
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient builds a provider client from configuration.
func NewClient(cfg config.ProviderConfig, opts ...ClientOption) *Client {
	client := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout),
		},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

const fleetQuery = `query Pods {
  myself {
    pods {
      id
      name
      costPerHr
      desiredStatus
      runtime {
        uptimeInSeconds
        container { cpuPercent memoryPercent }
        gpus { gpuUtilPercent memoryUtilPercent }
      }
    }
  }
}`

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

type fleetData struct {
	Myself struct {
		Pods []podData `json:"pods"`
	} `json:"myself"`
}

type podData struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	CostPerHr     float64     `json:"costPerHr"`
	DesiredStatus string      `json:"desiredStatus"`
	Runtime       *podRuntime `json:"runtime"`
}

type podRuntime struct {
	UptimeInSeconds int64 `json:"uptimeInSeconds"`
	Container       *struct {
		CPUPercent    float64 `json:"cpuPercent"`
		MemoryPercent float64 `json:"memoryPercent"`
	} `json:"container"`
	GPUs []struct {
		GPUUtilPercent    float64 `json:"gpuUtilPercent"`
		MemoryUtilPercent float64 `json:"memoryUtilPercent"`
	} `json:"gpus"`
}

// FetchFleet returns the current fleet snapshot in a single batched call,
// retrying transient failures with backoff. The caller bounds the whole
// attempt sequence with its context; when everything fails the error wraps
// ErrFetchFailed so the cycle is skipped rather than half-applied.
func (c *Client) FetchFleet(ctx context.Context) ([]types.FleetInstance, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.getBackoffDuration(attempt - 1)
			klog.V(2).InfoS("Fleet fetch failed, retrying",
				"attempt", attempt, "maxRetries", c.cfg.MaxRetries, "backoff", backoff, "error", lastErr)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: context cancelled during backoff: %v", ErrFetchFailed, ctx.Err())
			case <-timer.C:
			}
		}

		fleet, err := c.fetchOnce(ctx)
		if err == nil {
			return fleet, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrFetchFailed, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context) ([]types.FleetInstance, error) {
	var data fleetData
	if err := c.graphQL(ctx, fleetQuery, &data); err != nil {
		return nil, err
	}

	fleet := make([]types.FleetInstance, 0, len(data.Myself.Pods))
	for _, pod := range data.Myself.Pods {
		fleet = append(fleet, pod.toInstance())
	}
	klog.V(3).InfoS("Fetched fleet snapshot", "instances", len(fleet))
	return fleet, nil
}

// toInstance flattens the API shape. Metrics the provider does not report
// (no runtime on a stopped pod, no GPUs attached) become 0, not absent; GPU
// utilization is the mean across attached GPUs.
func (p podData) toInstance() types.FleetInstance {
	inst := types.FleetInstance{
		ID:        p.ID,
		Name:      p.Name,
		Status:    p.DesiredStatus,
		CostPerHr: p.CostPerHr,
	}
	rt := p.Runtime
	if rt == nil {
		return inst
	}
	inst.UptimeS = rt.UptimeInSeconds
	if rt.Container != nil {
		inst.CPUPct = rt.Container.CPUPercent
		inst.MemPct = rt.Container.MemoryPercent
	}
	if len(rt.GPUs) > 0 {
		var sum float64
		for _, gpu := range rt.GPUs {
			sum += gpu.GPUUtilPercent
		}
		inst.GPUPct = sum / float64(len(rt.GPUs))
	}
	return inst
}

// Stop issues the stop mutation for one instance. Single attempt: failed
// stops are retried by the executor on the next confirmed-idle cycle, never
// in a tight loop.
func (c *Client) Stop(ctx context.Context, instanceID string) error {
	query := fmt.Sprintf(`mutation { podStop(input: {podId: %q}) { id desiredStatus } }`, instanceID)
	var result json.RawMessage
	if err := c.graphQL(ctx, query, &result); err != nil {
		return fmt.Errorf("stop %s: %v", instanceID, err)
	}
	klog.V(2).InfoS("Stop requested", "instance", instanceID)
	return nil
}

// Resume issues the resume mutation, falling back to the REST start endpoint
// when the mutation is rejected (on-demand pods resume over REST).
func (c *Client) Resume(ctx context.Context, instanceID string) error {
	query := fmt.Sprintf(`mutation { podResume(input: {podId: %q}) { id desiredStatus } }`, instanceID)
	var result json.RawMessage
	err := c.graphQL(ctx, query, &result)
	if err == nil {
		klog.V(2).InfoS("Resume requested", "instance", instanceID)
		return nil
	}

	klog.V(2).InfoS("Resume mutation rejected, trying REST start", "instance", instanceID, "error", err)
	if restErr := c.restStart(ctx, instanceID); restErr != nil {
		return fmt.Errorf("resume %s: %v (rest fallback: %v)", instanceID, err, restErr)
	}
	return nil
}

func (c *Client) graphQL(ctx context.Context, query string, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return fmt.Errorf("failed to encode query: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limit exceeded")
	case http.StatusUnauthorized:
		return fmt.Errorf("invalid API key")
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var envelope graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("api error: %s", envelope.Errors[0].Message)
	}
	if envelope.Data == nil {
		return fmt.Errorf("empty response data")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %v", err)
	}
	return nil
}

func (c *Client) restStart(ctx context.Context, instanceID string) error {
	url := fmt.Sprintf("%s/pods/%s/start", c.cfg.RESTURL, instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// getBackoffDuration doubles the delay per attempt, capped at 30s, with
// ±20% jitter so retries from multiple processes spread out.
func (c *Client) getBackoffDuration(attempt int) time.Duration {
	backoff := time.Duration(c.cfg.RetryDelay) * time.Duration(1<<uint(attempt))
	maxBackoff := 30 * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	jitter := time.Duration(float64(backoff) * (0.8 + 0.4*float64(time.Now().UnixNano()%100)/100.0))
	return jitter
}
