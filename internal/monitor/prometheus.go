package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orchestrator"

// PrometheusCollector exposes Recorder snapshots, and host resources when a
// sampler is set, as Prometheus metrics
type PrometheusCollector struct {
	recorder *Recorder
	sampler  *ResourceSampler

	requests      *prometheus.Desc
	failures      *prometheus.Desc
	responseTime  *prometheus.Desc
	agentTasks    *prometheus.Desc
	agentFailures *prometheus.Desc
	agentDuration *prometheus.Desc
	cpu           *prometheus.Desc
	memory        *prometheus.Desc
}

// NewPrometheusCollector creates a collector; sampler may be nil
func NewPrometheusCollector(recorder *Recorder, sampler *ResourceSampler) *PrometheusCollector {
	return &PrometheusCollector{
		recorder: recorder,
		sampler:  sampler,
		requests: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "requests_total"),
			"Total task submissions.", nil, nil),
		failures: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "request_failures_total"),
			"Rejected task submissions.", nil, nil),
		responseTime: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "response_time_seconds"),
			"Task submission latency by statistic.", []string{"stat"}, nil),
		agentTasks: prometheus.NewDesc(prometheus.BuildFQName(namespace, "agent", "tasks_total"),
			"Finished executions per agent type.", []string{"agent_type"}, nil),
		agentFailures: prometheus.NewDesc(prometheus.BuildFQName(namespace, "agent", "task_failures_total"),
			"Failed executions per agent type.", []string{"agent_type"}, nil),
		agentDuration: prometheus.NewDesc(prometheus.BuildFQName(namespace, "agent", "task_duration_avg_seconds"),
			"Mean execution time per agent type.", []string{"agent_type"}, nil),
		cpu: prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "cpu_percent"),
			"Host CPU usage at the last sample.", nil, nil),
		memory: prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "memory_percent"),
			"Host memory usage at the last sample.", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.failures
	ch <- c.responseTime
	ch <- c.agentTasks
	ch <- c.agentFailures
	ch <- c.agentDuration
	ch <- c.cpu
	ch <- c.memory
}

// Collect implements prometheus.Collector
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.recorder.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.FailedRequests))
	ch <- prometheus.MustNewConstMetric(c.responseTime, prometheus.GaugeValue, s.AverageResponseTime.Seconds(), "avg")
	ch <- prometheus.MustNewConstMetric(c.responseTime, prometheus.GaugeValue, s.P95ResponseTime.Seconds(), "p95")
	ch <- prometheus.MustNewConstMetric(c.responseTime, prometheus.GaugeValue, s.P99ResponseTime.Seconds(), "p99")

	for _, name := range s.agentNames() {
		a := s.Agents[name]
		ch <- prometheus.MustNewConstMetric(c.agentTasks, prometheus.CounterValue, float64(a.Tasks), name)
		ch <- prometheus.MustNewConstMetric(c.agentFailures, prometheus.CounterValue, float64(a.Failures), name)
		ch <- prometheus.MustNewConstMetric(c.agentDuration, prometheus.GaugeValue, a.AverageDuration.Seconds(), name)
	}

	if c.sampler == nil {
		return
	}
	if usage, ok := c.sampler.Last(); ok {
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, usage.CPUPercent)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, usage.MemoryPercent)
	}
}
