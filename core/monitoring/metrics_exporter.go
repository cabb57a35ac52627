package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"workflow-orchestrator/core/models"
	"workflow-orchestrator/core/resource_manager"

	"github.com/duke-git/lancet/v2/slice"
)

// WorkflowLister lists tracked workflows
type WorkflowLister interface {
	List() []*models.Workflow
}

// TunnelStats reports pooled tunnels
type TunnelStats interface {
	Stats() []resource_manager.TunnelInfo
}

// MetricsExporter exports workflow and tunnel metrics for Prometheus/Grafana
type MetricsExporter struct {
	workflows WorkflowLister
	tunnels   TunnelStats
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(workflows WorkflowLister, tunnels TunnelStats) *MetricsExporter {
	return &MetricsExporter{
		workflows: workflows,
		tunnels:   tunnels,
	}
}

var allStatuses = []models.WorkflowStatus{
	models.WorkflowStatusQueued,
	models.WorkflowStatusExecuting,
	models.WorkflowStatusCompleted,
	models.WorkflowStatusFailed,
	models.WorkflowStatusCancelled,
}

// GetPrometheusMetrics returns metrics in Prometheus text format
func (me *MetricsExporter) GetPrometheusMetrics() string {
	workflows := me.workflows.List()
	var b strings.Builder

	// Workflow count per status
	counts := make(map[models.WorkflowStatus]int, len(allStatuses))
	for _, w := range workflows {
		counts[w.Status]++
	}
	b.WriteString("# HELP workflow_jobs Number of tracked workflows by status\n")
	b.WriteString("# TYPE workflow_jobs gauge\n")
	for _, status := range allStatuses {
		fmt.Fprintf(&b, "workflow_jobs{status=\"%s\"} %d\n", status, counts[status])
	}

	// Per-workflow progress for active workflows
	active := slice.Filter(workflows, func(_ int, w *models.Workflow) bool {
		return !w.IsTerminal()
	})
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	b.WriteString("# HELP workflow_progress_percent Progress of active workflows\n")
	b.WriteString("# TYPE workflow_progress_percent gauge\n")
	for _, w := range active {
		fmt.Fprintf(&b, "workflow_progress_percent{workflow_id=\"%s\",workflow_name=\"%s\"} %.2f\n",
			escapeLabel(w.ID), escapeLabel(w.Name), w.Progress.ProgressPercent)
	}
	b.WriteString("# HELP workflow_queue_position Remote queue position of queued workflows\n")
	b.WriteString("# TYPE workflow_queue_position gauge\n")
	for _, w := range active {
		if w.Status == models.WorkflowStatusQueued && w.Progress.QueuePosition != nil {
			fmt.Fprintf(&b, "workflow_queue_position{workflow_id=\"%s\"} %d\n", escapeLabel(w.ID), *w.Progress.QueuePosition)
		}
	}

	// Output transfer totals
	downloaded, pending := 0, 0
	var bytes int64
	for _, w := range workflows {
		for _, o := range w.Outputs {
			if o.Downloaded {
				downloaded++
				if o.SizeBytes != nil {
					bytes += *o.SizeBytes
				}
			} else {
				pending++
			}
		}
	}
	b.WriteString("# HELP workflow_outputs Number of outputs by transfer state\n")
	b.WriteString("# TYPE workflow_outputs gauge\n")
	fmt.Fprintf(&b, "workflow_outputs{state=\"downloaded\"} %d\n", downloaded)
	fmt.Fprintf(&b, "workflow_outputs{state=\"pending\"} %d\n", pending)
	b.WriteString("# HELP workflow_output_bytes Total size of downloaded outputs\n")
	b.WriteString("# TYPE workflow_output_bytes gauge\n")
	fmt.Fprintf(&b, "workflow_output_bytes %d\n", bytes)

	// Tunnel pool
	tunnels := me.tunnels.Stats()
	b.WriteString("# HELP tunnel_pool_size Number of pooled tunnels\n")
	b.WriteString("# TYPE tunnel_pool_size gauge\n")
	fmt.Fprintf(&b, "tunnel_pool_size %d\n", len(tunnels))
	b.WriteString("# HELP tunnel_age_seconds Age of each pooled tunnel\n")
	b.WriteString("# TYPE tunnel_age_seconds gauge\n")
	now := time.Now()
	for _, t := range tunnels {
		fmt.Fprintf(&b, "tunnel_age_seconds{tunnel=\"%s\",local_port=\"%d\"} %.0f\n",
			escapeLabel(t.Key), t.LocalPort, now.Sub(t.CreatedAt).Seconds())
	}

	return b.String()
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, "\n", `\n`)
}
