package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/store"
)

// handleGraph renders a utilization line chart for one instance as a
// self-contained HTML page. Resolution follows the same tiering as the JSON
// series endpoint: raw points for short windows, per-bucket averages beyond.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	window, err := parseWindow(r, time.Hour)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := s.clk.Now()
	from := to.Add(-window)
	cur, err := s.st.Query(instanceID, from, to)
	if err != nil {
		klog.ErrorS(err, "Graph query failed", "instance", instanceID)
		s.writeError(w, http.StatusInternalServerError, "graph query failed")
		return
	}
	defer cur.Close()

	var buf bytes.Buffer
	if err := RenderUtilizationPage(&buf, instanceID, window, cur); err != nil {
		klog.ErrorS(err, "Failed to render chart", "instance", instanceID)
		s.writeError(w, http.StatusInternalServerError, "graph render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// RenderUtilizationPage writes a self-contained HTML chart page for one
// instance's utilization over the window. Shared between the HTTP surface
// and the graph subcommand, which writes the page to a file instead.
func RenderUtilizationPage(w io.Writer, instanceID string, window time.Duration, cur *store.Cursor) error {
	line, err := utilizationChart(instanceID, window, cur)
	if err != nil {
		return fmt.Errorf("failed to scan series: %v", err)
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("pod-minder - %s", instanceID)
	page.AddCharts(line)
	return page.Render(w)
}

// utilizationChart drains the cursor into a three-series line chart, one
// series per resource.
func utilizationChart(instanceID string, window time.Duration, cur *store.Cursor) (*charts.Line, error) {
	var xLabels []string
	var cpu, mem, gpu []opts.LineData

	if cur.Bucketed() {
		for cur.Next() {
			b := cur.Bucket()
			xLabels = append(xLabels, b.Start.Format("01-02 15:04"))
			cpu = append(cpu, opts.LineData{Value: b.CPUAvg})
			mem = append(mem, opts.LineData{Value: b.MemAvg})
			gpu = append(gpu, opts.LineData{Value: b.GPUAvg})
		}
	} else {
		for cur.Next() {
			sm := cur.Sample()
			xLabels = append(xLabels, sm.Timestamp.Format("15:04:05"))
			cpu = append(cpu, opts.LineData{Value: sm.CPUPct})
			mem = append(mem, opts.LineData{Value: sm.MemPct})
			gpu = append(gpu, opts.LineData{Value: sm.GPUPct})
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	subtitle := fmt.Sprintf("last %s, raw samples", window)
	if cur.Bucketed() {
		subtitle = fmt.Sprintf("last %s, %s buckets (avg)", window, cur.Resolution())
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("%s utilization %%", instanceID), Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", AxisLabel: &opts.AxisLabel{Rotate: 45}}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "450px"}),
	)
	line.SetXAxis(xLabels).
		AddSeries("cpu", cpu, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ShowSymbol: opts.Bool(true)})).
		AddSeries("mem", mem, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ShowSymbol: opts.Bool(true)})).
		AddSeries("gpu", gpu, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ShowSymbol: opts.Bool(true)}))

	return line, nil
}
