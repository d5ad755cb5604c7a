package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3leaps/gojobs/internal/server/handlers"
)

const metricsNamespace = "gojobs"

// jobCollector exposes job system statistics. It reads a fresh snapshot on
// every scrape instead of keeping counters of its own.
type jobCollector struct {
	src handlers.StatsSource

	workers        *prometheus.Desc
	pending        *prometheus.Desc
	poolCapacity   *prometheus.Desc
	poolInUse      *prometheus.Desc
	barriersInUse  *prometheus.Desc
	callerPanics   *prometheus.Desc
	droppedReports *prometheus.Desc
	executed       *prometheus.Desc
	stolen         *prometheus.Desc
	panics         *prometheus.Desc
	load           *prometheus.Desc
	activity       *prometheus.Desc
	jobDuration    *prometheus.Desc
}

func newJobCollector(src handlers.StatsSource) *jobCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	return &jobCollector{
		src:            src,
		workers:        desc("workers", "Number of workers, including the main context."),
		pending:        desc("pending_jobs", "Jobs scheduled but not yet completed."),
		poolCapacity:   desc("pool_capacity", "Number of job slots."),
		poolInUse:      desc("pool_in_use", "Job slots currently allocated."),
		barriersInUse:  desc("barriers_in_use", "Barrier slots currently claimed."),
		callerPanics:   desc("caller_panics_total", "Recovered panics of jobs run outside the worker pool."),
		droppedReports: desc("dropped_activity_reports_total", "Worker activity reports dropped because the monitor queue was full."),
		executed:       desc("worker_executed_total", "Jobs executed per worker.", "tid"),
		stolen:         desc("worker_stolen_total", "Jobs stolen per worker.", "tid"),
		panics:         desc("worker_panics_total", "Recovered kernel panics per worker.", "tid"),
		load:           desc("worker_load_seconds", "Expected cost of the jobs assigned to a worker in the current cycle.", "tid"),
		activity:       desc("worker_activity_ratio", "Fraction of time a worker spent executing jobs.", "tid"),
		jobDuration:    desc("job_duration_seconds", "Moving average of job duration per label.", "label"),
	}
}

// Describe implements prometheus.Collector.
func (c *jobCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.workers, c.pending, c.poolCapacity, c.poolInUse, c.barriersInUse,
		c.callerPanics, c.droppedReports, c.executed, c.stolen, c.panics,
		c.load, c.activity, c.jobDuration,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *jobCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.workers, float64(s.Workers))
	gauge(c.pending, float64(s.Pending))
	gauge(c.poolCapacity, float64(s.PoolCapacity))
	gauge(c.poolInUse, float64(s.PoolInUse))
	gauge(c.barriersInUse, float64(s.BarriersInUse))
	counter(c.callerPanics, float64(s.CallerPanics))
	counter(c.droppedReports, float64(s.DroppedReports))

	for _, w := range s.PerWorker {
		tid := strconv.Itoa(w.TID)
		counter(c.executed, float64(w.Executed), tid)
		counter(c.stolen, float64(w.Stolen), tid)
		counter(c.panics, float64(w.Panics), tid)
		gauge(c.load, w.Load.Seconds(), tid)
		gauge(c.activity, w.Totals.ActivityRatio(), tid)
	}

	for label, d := range c.src.Monitor().Profile() {
		gauge(c.jobDuration, d.Seconds(), label)
	}
}
