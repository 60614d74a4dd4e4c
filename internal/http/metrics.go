package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"paddleduel/broker/internal/events"
	"paddleduel/broker/internal/input"
	"paddleduel/broker/internal/networking"
	"paddleduel/broker/internal/simulation"
)

const namespace = "pong_broker"

// Sources are the live broker components read on every scrape and stats request. Nil entries are
// skipped.
type Sources struct {
	Readiness ReadinessProvider
	Sessions  SessionDirectory
	Snapshots *networking.SnapshotMetrics
	Bandwidth *networking.BandwidthRegulator
	Ticks     *simulation.TickMonitor
	Inputs    *input.Gate
	Events    *events.Stream
}

// Collector exports broker state as Prometheus metrics computed at scrape time.
type Collector struct {
	sources Sources

	uptime          *prometheus.Desc
	clients         *prometheus.Desc
	pending         *prometheus.Desc
	queued          *prometheus.Desc
	sessions        *prometheus.Desc
	sessionsEnded   *prometheus.Desc
	published       *prometheus.Desc
	dropped         *prometheus.Desc
	snapshotBytes   *prometheus.Desc
	bandwidthRate   *prometheus.Desc
	bandwidthTokens *prometheus.Desc
	bandwidthDenied *prometheus.Desc
	ticks           *prometheus.Desc
	tickDuration    *prometheus.Desc
	tickOverruns    *prometheus.Desc
	inputRejected   *prometheus.Desc
	outcomeEvents   *prometheus.Desc
	subscribers     *prometheus.Desc
}

// NewCollector describes every broker metric.
func NewCollector(sources Sources) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		sources:         sources,
		uptime:          desc("uptime_seconds", "Broker uptime in seconds."),
		clients:         desc("clients", "Current connected WebSocket clients."),
		pending:         desc("pending_clients", "Handshakes awaiting upgrade."),
		queued:          desc("queue_length", "Identities waiting for an opponent."),
		sessions:        desc("sessions_active", "Live game sessions."),
		sessionsEnded:   desc("sessions_ended_total", "Sessions that reached the ended state."),
		published:       desc("frames_published_total", "Frames queued on connection outboxes by message type.", "type"),
		dropped:         desc("frames_dropped_total", "Frames that never reached a connection by reason.", "reason"),
		snapshotBytes:   desc("snapshot_bytes", "Size of the last frame queued per client in bytes.", "client"),
		bandwidthRate:   desc("bandwidth_bytes_per_second", "Observed snapshot bandwidth per client.", "client"),
		bandwidthTokens: desc("bandwidth_available_bytes", "Remaining bandwidth tokens per client.", "client"),
		bandwidthDenied: desc("bandwidth_denied_total", "Snapshots dropped by the bandwidth budget per client.", "client"),
		ticks:           desc("ticks_total", "Simulation steps executed across all sessions."),
		tickDuration:    desc("tick_duration_seconds", "Simulation step duration summary.", "stat"),
		tickOverruns:    desc("tick_overruns_total", "Steps that exceeded the tick budget."),
		inputRejected:   desc("input_rejected_total", "Client input frames rejected before reaching a session.", "reason"),
		outcomeEvents:   desc("outcome_events_total", "Outcome events appended to the event stream."),
		subscribers:     desc("outcome_subscribers", "Active outcome feed subscribers."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.clients, c.pending, c.queued, c.sessions, c.sessionsEnded, c.published, c.dropped,
		c.snapshotBytes, c.bandwidthRate, c.bandwidthTokens, c.bandwidthDenied, c.ticks, c.tickDuration,
		c.tickOverruns, c.inputRejected, c.outcomeEvents, c.subscribers,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	s := c.sources

	if s.Readiness != nil {
		counts := s.Readiness.Counts()
		gauge(c.uptime, s.Readiness.Uptime().Seconds())
		gauge(c.clients, float64(counts.Clients))
		gauge(c.pending, float64(counts.Pending))
		gauge(c.queued, float64(counts.Queued))
		gauge(c.sessions, float64(counts.Sessions))
	}
	if s.Sessions != nil {
		counter(c.sessionsEnded, float64(s.Sessions.Ended()))
	}
	if s.Snapshots != nil {
		for msgType, count := range s.Snapshots.PublishedCounts() {
			counter(c.published, float64(count), string(msgType))
		}
		for reason, count := range s.Snapshots.DropCounts() {
			counter(c.dropped, float64(count), string(reason))
		}
		for client, size := range s.Snapshots.BytesPerClient() {
			gauge(c.snapshotBytes, float64(size), client)
		}
	}
	if s.Bandwidth.Enabled() {
		for client, usage := range s.Bandwidth.SnapshotUsage() {
			gauge(c.bandwidthRate, usage.BytesPerSecond, client)
			gauge(c.bandwidthTokens, usage.AvailableBytes, client)
			counter(c.bandwidthDenied, float64(usage.Denied), client)
		}
	}
	if s.Ticks != nil {
		snapshot := s.Ticks.Snapshot()
		counter(c.ticks, float64(snapshot.Samples))
		counter(c.tickOverruns, float64(snapshot.Overruns))
		gauge(c.tickDuration, snapshot.Average.Seconds(), "average")
		gauge(c.tickDuration, snapshot.Max.Seconds(), "max")
		gauge(c.tickDuration, snapshot.Last.Seconds(), "last")
	}
	if s.Inputs != nil {
		totals := s.Inputs.Totals()
		counter(c.inputRejected, float64(totals.Malformed), string(input.DropReasonMalformed))
		counter(c.inputRejected, float64(totals.RateLimited), string(input.DropReasonRateLimited))
	}
	if s.Events != nil {
		stats := s.Events.Stats()
		counter(c.outcomeEvents, float64(stats.LastSequence))
		gauge(c.subscribers, float64(stats.Active))
	}
}

// ReportTimer records collaborator call latencies. Its Observe method has the match.TimingHook
// signature.
type ReportTimer struct {
	histogram *prometheus.HistogramVec
}

// NewReportTimer registers the latency histogram on reg.
func NewReportTimer(reg prometheus.Registerer) (*ReportTimer, error) {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "collaborator_call_seconds",
		Help:      "Latency of outcome reporter calls by operation and result.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation", "result"})
	if err := reg.Register(histogram); err != nil {
		return nil, err
	}
	return &ReportTimer{histogram: histogram}, nil
}

// Observe records one call.
func (t *ReportTimer) Observe(operation string, elapsed time.Duration, err error) {
	if t == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	t.histogram.WithLabelValues(operation, result).Observe(elapsed.Seconds())
}

// NewMetricsRegistry builds a registry holding the broker collector, the report timer and the Go
// runtime and process collectors.
func NewMetricsRegistry(sources Sources) (*prometheus.Registry, *ReportTimer, error) {
	registry := prometheus.NewRegistry()
	for _, collector := range []prometheus.Collector{
		NewCollector(sources),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(collector); err != nil {
			return nil, nil, err
		}
	}
	timer, err := NewReportTimer(registry)
	if err != nil {
		return nil, nil, err
	}
	return registry, timer, nil
}
