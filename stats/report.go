// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NVIDIA/ioreplay/logger"
)

// Report is the global view over every worker's Record.
type Report struct {
	Name    string
	Workers []Record
	Total   Record
	Elapsed time.Duration
}

func Aggregate(name string, workers []Record, elapsed time.Duration) (report *Report) {
	report = &Report{
		Name:    name,
		Workers: workers,
		Elapsed: elapsed,
	}

	report.Total.Done = true
	for i := range workers {
		report.Total.Merge(&workers[i])
		report.Total.Done = report.Total.Done && workers[i].Done
	}

	return
}

func (report *Report) OpsPerSecond() float64 {
	if 0 >= report.Elapsed {
		return 0
	}
	return float64(report.Total.Operations) / report.Elapsed.Seconds()
}

// Log writes the report through the logger, one line per worker plus totals.
func (report *Report) Log() {
	for i := range report.Workers {
		worker := &report.Workers[i]
		logger.Infof("worker %d (pid %d): %s ops, %s failed, %d threads (peak %d), ahead %dms, behind %dms, load %.2f",
			i, worker.Pid, humanize.Comma(int64(worker.Operations)), humanize.Comma(int64(worker.Failures)),
			worker.ThreadsCreated, worker.PeakThreads, worker.MaxAheadMs, worker.MaxBehindMs, float64(worker.PeakLoadAvg)/100)
	}

	total := &report.Total
	logger.Infof("%s: %s ops in %v (%.1f ops/s), %s failed, peak load %.2f, max %dms ahead, max %dms behind",
		report.Name, humanize.Comma(int64(total.Operations)), report.Elapsed.Round(time.Millisecond), report.OpsPerSecond(),
		humanize.Comma(int64(total.Failures)), float64(total.PeakLoadAvg)/100, total.MaxAheadMs, total.MaxBehindMs)
	logger.Infof("%s: latency p50 < %v, p99 < %v, p99.9 < %v",
		report.Name, total.LatencyPercentile(50), total.LatencyPercentile(99), total.LatencyPercentile(99.9))
	if !total.Done {
		logger.Warnf("%s: not every worker finished", report.Name)
	}
}

type workerGauge struct {
	vec   *prometheus.GaugeVec
	value func(record *Record) float64
}

type latencyCollector struct {
	desc   *prometheus.Desc
	report *Report
}

func (collector *latencyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.desc
}

func (collector *latencyCollector) Collect(ch chan<- prometheus.Metric) {
	var (
		buckets = make(map[float64]uint64, NumLatencyBuckets)
		count   uint64
		sum     float64
	)

	for i, n := range collector.report.Total.LatencyUs {
		count += n
		// count each operation at its bucket's lower bound
		if 0 < i {
			sum += float64(n) * (bucketLimit(i-1)).Seconds()
		}
		buckets[bucketLimit(i).Seconds()] = count
	}

	ch <- prometheus.MustNewConstHistogram(collector.desc, count, sum, buckets, collector.report.Name)
}

// Registry returns a Prometheus registry describing report.
func (report *Report) Registry() (registry *prometheus.Registry) {
	registry = prometheus.NewRegistry()

	gauges := []workerGauge{
		{gaugeVec("ioreplay_lines", "Replay records dispatched"), func(r *Record) float64 { return float64(r.Lines) }},
		{gaugeVec("ioreplay_operations", "Operations executed"), func(r *Record) float64 { return float64(r.Operations) }},
		{gaugeVec("ioreplay_failures", "Operations rejected by the filesystem"), func(r *Record) float64 { return float64(r.Failures) }},
		{gaugeVec("ioreplay_threads_created", "Replay threads created"), func(r *Record) float64 { return float64(r.ThreadsCreated) }},
		{gaugeVec("ioreplay_peak_threads", "Most replay threads alive at once"), func(r *Record) float64 { return float64(r.PeakThreads) }},
		{gaugeVec("ioreplay_peak_load_average", "Highest 1-minute load average seen"), func(r *Record) float64 { return float64(r.PeakLoadAvg) / 100 }},
		{gaugeVec("ioreplay_max_ahead_seconds", "Furthest ahead of the recorded timeline"), func(r *Record) float64 { return float64(r.MaxAheadMs) / 1000 }},
		{gaugeVec("ioreplay_max_behind_seconds", "Furthest behind the recorded timeline"), func(r *Record) float64 { return float64(r.MaxBehindMs) / 1000 }},
	}

	for _, gauge := range gauges {
		for i := range report.Workers {
			gauge.vec.WithLabelValues(report.Name, strconv.Itoa(i)).Set(gauge.value(&report.Workers[i]))
		}
		gauge.vec.WithLabelValues(report.Name, "all").Set(gauge.value(&report.Total))
		registry.MustRegister(gauge.vec)
	}

	elapsed := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ioreplay_elapsed_seconds",
		Help: "Wall clock duration of the replay",
	}, []string{"test"})
	elapsed.WithLabelValues(report.Name).Set(report.Elapsed.Seconds())
	registry.MustRegister(elapsed)

	registry.MustRegister(&latencyCollector{
		desc: prometheus.NewDesc("ioreplay_operation_latency_seconds",
			"Latency of replayed operations", []string{"test"}, nil),
		report: report,
	})

	return
}

func gaugeVec(name string, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"test", "worker"})
}

// WriteTextfile writes report in the Prometheus text format, for collection
// by a node exporter's textfile collector.
func (report *Report) WriteTextfile(fileName string) (err error) {
	err = prometheus.WriteToTextfile(fileName, report.Registry())
	return
}
