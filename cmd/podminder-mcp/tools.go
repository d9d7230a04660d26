package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/detector"
	"github.com/cloudnap/pod-minder/pkg/podminder/provider"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// registerTools wires the read-only podminder tools. Each handler resolves
// configuration per call, so a fixed MCP client setup keeps working across
// config edits.
func registerTools(s *server.MCPServer, configPath string) {
	s.AddTool(
		mcp.NewTool("fleet_status",
			mcp.WithDescription("List all pod instances with current cpu/mem/gpu utilization, provider status, uptime, and cost per hour"),
		),
		makeFleetStatusHandler(configPath),
	)

	s.AddTool(
		mcp.NewTool("idle_predictions",
			mcp.WithDescription("List instances accumulating idle time and how long until each is stopped under the current policy"),
		),
		makeIdlePredictionsHandler(configPath),
	)

	s.AddTool(
		mcp.NewTool("instance_series",
			mcp.WithDescription("Fetch an instance's stored utilization history over a lookback window; long windows return min/max/avg buckets instead of raw samples"),
			mcp.WithString("instance_id",
				mcp.Required(),
				mcp.Description("Instance id as reported by the provider"),
			),
			mcp.WithString("window",
				mcp.Description("Lookback window as a Go duration such as 30m, 6h, 72h (default 1h)"),
			),
		),
		makeInstanceSeriesHandler(configPath),
	)

	s.AddTool(
		mcp.NewTool("list_exclusions",
			mcp.WithDescription("List instance ids currently exempt from idle detection"),
		),
		makeListExclusionsHandler(configPath),
	)
}

type fleetEntry struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	CPUPct    float64 `json:"cpuPct"`
	MemPct    float64 `json:"memPct"`
	GPUPct    float64 `json:"gpuPct"`
	CostPerHr float64 `json:"costPerHr"`
	Uptime    string  `json:"uptime"`
}

func makeFleetStatusHandler(configPath string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cfg, err := config.LoadOrDefault(configPath)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load config: %v", err)), nil
		}

		fleet, err := provider.NewClient(cfg.Provider).FetchFleet(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch fleet: %v", err)), nil
		}
		sort.Slice(fleet, func(i, j int) bool { return fleet[i].ID < fleet[j].ID })

		entries := make([]fleetEntry, 0, len(fleet))
		for _, inst := range fleet {
			entries = append(entries, fleetEntry{
				ID:        inst.ID,
				Name:      inst.Name,
				Status:    inst.Status,
				CPUPct:    types.ClampPct(inst.CPUPct),
				MemPct:    types.ClampPct(inst.MemPct),
				GPUPct:    types.ClampPct(inst.GPUPct),
				CostPerHr: inst.CostPerHr,
				Uptime:    (time.Duration(inst.UptimeS) * time.Second).String(),
			})
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

type predictionEntry struct {
	InstanceID        string `json:"instanceId"`
	State             string `json:"state"`
	BelowCount        int    `json:"belowCount"`
	DurationThreshold string `json:"durationThreshold"`
	WillStopIn        string `json:"willStopIn"`
}

func makeIdlePredictionsHandler(configPath string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cfg, err := config.LoadOrDefault(configPath)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load config: %v", err)), nil
		}
		st, err := openStore(cfg.Storage.Path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		defer st.Close()

		records, err := st.LoadIdleRecords()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load idle state: %v", err)), nil
		}
		det := detector.New(st)
		det.Restore(records)

		preds := det.Predictions(cfg.Policy())
		entries := make([]predictionEntry, 0, len(preds))
		for _, p := range preds {
			entries = append(entries, predictionEntry{
				InstanceID:        p.InstanceID,
				State:             string(p.State),
				BelowCount:        p.BelowCount,
				DurationThreshold: p.DurationThreshold.String(),
				WillStopIn:        p.WillStopIn.String(),
			})
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

type seriesResult struct {
	InstanceID string        `json:"instanceId"`
	From       time.Time     `json:"from"`
	To         time.Time     `json:"to"`
	Resolution string        `json:"resolution,omitempty"`
	Samples    []samplePoint `json:"samples,omitempty"`
	Buckets    []bucketPoint `json:"buckets,omitempty"`
}

type samplePoint struct {
	Timestamp time.Time `json:"timestamp"`
	CPUPct    float64   `json:"cpuPct"`
	MemPct    float64   `json:"memPct"`
	GPUPct    float64   `json:"gpuPct"`
	Status    string    `json:"status"`
}

type bucketPoint struct {
	Start  time.Time `json:"start"`
	Count  int       `json:"count"`
	CPUAvg float64   `json:"cpuAvg"`
	MemAvg float64   `json:"memAvg"`
	GPUAvg float64   `json:"gpuAvg"`
}

func makeInstanceSeriesHandler(configPath string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instanceID, err := request.RequireString("instance_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		window, err := time.ParseDuration(request.GetString("window", "1h"))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid window: %v", err)), nil
		}
		if window <= 0 {
			return mcp.NewToolResultError("Window must be positive"), nil
		}

		st, err := openStore(config.LoadForStorage(configPath).Path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		defer st.Close()

		to := time.Now().UTC()
		from := to.Add(-window)
		cur, err := st.Query(instanceID, from, to)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to query series: %v", err)), nil
		}
		defer cur.Close()

		result := seriesResult{InstanceID: instanceID, From: from, To: to}
		if cur.Bucketed() {
			result.Resolution = cur.Resolution().String()
			for cur.Next() {
				b := cur.Bucket()
				result.Buckets = append(result.Buckets, bucketPoint{
					Start:  b.Start,
					Count:  b.Count,
					CPUAvg: b.CPUAvg,
					MemAvg: b.MemAvg,
					GPUAvg: b.GPUAvg,
				})
			}
		} else {
			for cur.Next() {
				sm := cur.Sample()
				result.Samples = append(result.Samples, samplePoint{
					Timestamp: sm.Timestamp,
					CPUPct:    sm.CPUPct,
					MemPct:    sm.MemPct,
					GPUPct:    sm.GPUPct,
					Status:    sm.Status,
				})
			}
		}
		if err := cur.Err(); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to scan series: %v", err)), nil
		}

		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

func makeListExclusionsHandler(configPath string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := openStore(config.LoadForStorage(configPath).Path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		defer st.Close()

		entries, err := st.LoadExclusions()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load exclusions: %v", err)), nil
		}
		ids := []string{}
		for id, excluded := range entries {
			if excluded {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		data, _ := json.MarshalIndent(map[string][]string{"excluded": ids}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

// openStore opens the daemon's database without creating one. The handle
// gets a year-long retention so a read can never trim live history.
func openStore(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no database at %s (has the daemon run?)", path)
	}
	st, err := store.Open(path, clock.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %v", err)
	}
	st.SetRetention(365 * 24 * time.Hour)
	return st, nil
}
