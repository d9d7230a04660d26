package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/model"

	"github.com/cloudnap/pod-minder/pkg/podminder/config"
)

// MockHTTPClient is a mock implementation of HTTPClient for testing
type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

// Do implements the HTTPClient interface
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	return nil, errors.New("mock http client not implemented")
}

func testProviderConfig() config.ProviderConfig {
	return config.ProviderConfig{
		APIKey:     "test-key",
		GraphQLURL: "https://example.com/graphql",
		RESTURL:    "https://example.com/v1",
		Timeout:    model.Duration(10 * time.Second),
		MaxRetries: 2,
		RetryDelay: model.Duration(time.Millisecond),
	}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

const fleetResponse = `{
	"data": {
		"myself": {
			"pods": [
				{
					"id": "pod-a",
					"name": "training-box",
					"costPerHr": 1.74,
					"desiredStatus": "RUNNING",
					"runtime": {
						"uptimeInSeconds": 3600,
						"container": {"cpuPercent": 42.5, "memoryPercent": 30.1},
						"gpus": [
							{"gpuUtilPercent": 80, "memoryUtilPercent": 55},
							{"gpuUtilPercent": 60, "memoryUtilPercent": 45}
						]
					}
				},
				{
					"id": "pod-b",
					"name": "stopped-box",
					"costPerHr": 0.5,
					"desiredStatus": "EXITED",
					"runtime": null
				}
			]
		}
	}
}`

func TestFetchFleet(t *testing.T) {
	var gotReq *http.Request
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			gotReq = req
			return jsonResponse(http.StatusOK, fleetResponse), nil
		},
	}
	client := NewClient(testProviderConfig(), WithHTTPClient(mock))

	fleet, err := client.FetchFleet(context.Background())
	if err != nil {
		t.Fatalf("FetchFleet failed: %v", err)
	}

	if gotReq.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", gotReq.Method)
	}
	if gotReq.URL.String() != "https://example.com/graphql" {
		t.Errorf("url = %s", gotReq.URL)
	}
	if auth := gotReq.Header.Get("Authorization"); auth != "Bearer test-key" {
		t.Errorf("authorization = %q", auth)
	}

	if len(fleet) != 2 {
		t.Fatalf("got %d instances, want 2", len(fleet))
	}

	a := fleet[0]
	if a.ID != "pod-a" || a.Name != "training-box" {
		t.Errorf("unexpected instance: %+v", a)
	}
	if a.CPUPct != 42.5 || a.MemPct != 30.1 {
		t.Errorf("cpu/mem = %.1f/%.1f, want 42.5/30.1", a.CPUPct, a.MemPct)
	}
	if a.GPUPct != 70 {
		t.Errorf("gpu = %.1f, want 70 (mean of 80 and 60)", a.GPUPct)
	}
	if a.UptimeS != 3600 || a.CostPerHr != 1.74 {
		t.Errorf("uptime/cost = %d/%.2f", a.UptimeS, a.CostPerHr)
	}
	if !a.Running() {
		t.Error("pod-a should be running")
	}

	// Stopped pod: no runtime means all metrics report zero.
	b := fleet[1]
	if b.CPUPct != 0 || b.MemPct != 0 || b.GPUPct != 0 {
		t.Errorf("stopped pod metrics = %.1f/%.1f/%.1f, want zeros", b.CPUPct, b.MemPct, b.GPUPct)
	}
	if b.Running() {
		t.Error("pod-b should not be running")
	}
}

func TestFetchFleetRetriesTransientFailure(t *testing.T) {
	calls := 0
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection reset")
			}
			return jsonResponse(http.StatusOK, fleetResponse), nil
		},
	}
	client := NewClient(testProviderConfig(), WithHTTPClient(mock))

	fleet, err := client.FetchFleet(context.Background())
	if err != nil {
		t.Fatalf("FetchFleet failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("made %d calls, want 2", calls)
	}
	if len(fleet) != 2 {
		t.Errorf("got %d instances, want 2", len(fleet))
	}
}

func TestFetchFleetAllRetriesFail(t *testing.T) {
	calls := 0
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(http.StatusServiceUnavailable, ""), nil
		},
	}
	cfg := testProviderConfig()
	client := NewClient(cfg, WithHTTPClient(mock))

	_, err := client.FetchFleet(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("error = %v, want ErrFetchFailed", err)
	}
	if calls != cfg.MaxRetries+1 {
		t.Errorf("made %d calls, want %d", calls, cfg.MaxRetries+1)
	}
}

func TestFetchFleetAPIError(t *testing.T) {
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"errors": [{"message": "something went wrong"}]}`), nil
		},
	}
	client := NewClient(testProviderConfig(), WithHTTPClient(mock))

	_, err := client.FetchFleet(context.Background())
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("error = %v, want ErrFetchFailed", err)
	}
}

func TestStop(t *testing.T) {
	var body string
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			raw, _ := io.ReadAll(req.Body)
			body = string(raw)
			return jsonResponse(http.StatusOK, `{"data": {"podStop": {"id": "pod-a", "desiredStatus": "EXITED"}}}`), nil
		},
	}
	client := NewClient(testProviderConfig(), WithHTTPClient(mock))

	if err := client.Stop(context.Background(), "pod-a"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !strings.Contains(body, "podStop") || !strings.Contains(body, "pod-a") {
		t.Errorf("unexpected mutation body: %s", body)
	}
}

// Stops are single-attempt: retry policy lives in the executor, bounded by
// the collection cadence.
func TestStopDoesNotRetry(t *testing.T) {
	calls := 0
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			return nil, errors.New("connection reset")
		},
	}
	client := NewClient(testProviderConfig(), WithHTTPClient(mock))

	if err := client.Stop(context.Background(), "pod-a"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("made %d calls, want 1", calls)
	}
}

func TestResumeFallsBackToREST(t *testing.T) {
	var restURL string
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if strings.Contains(req.URL.Path, "graphql") {
				return jsonResponse(http.StatusOK, `{"errors": [{"message": "pod is on-demand"}]}`), nil
			}
			restURL = req.URL.String()
			return jsonResponse(http.StatusOK, `{}`), nil
		},
	}
	client := NewClient(testProviderConfig(), WithHTTPClient(mock))

	if err := client.Resume(context.Background(), "pod-a"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if restURL != "https://example.com/v1/pods/pod-a/start" {
		t.Errorf("rest url = %s", restURL)
	}
}

func TestResumeBothPathsFail(t *testing.T) {
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusServiceUnavailable, ""), nil
		},
	}
	client := NewClient(testProviderConfig(), WithHTTPClient(mock))

	if err := client.Resume(context.Background(), "pod-a"); err == nil {
		t.Fatal("expected error when both paths fail")
	}
}
