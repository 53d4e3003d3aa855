package metrics

import (
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/chronoswork/lib-chronos/chronos/log"
)

// ErrNilMeter indicates that a nil OTel meter was provided.
var ErrNilMeter = errors.New("metric meter cannot be nil")

// Metric describes an instrument by name, unit and description. Histogram
// metrics may carry explicit bucket boundaries.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Buckets     []float64
}

// Instruments recorded by the connection pool and the bulk executor.
var (
	// MetricConnectionsEstablished counts successful account connections.
	MetricConnectionsEstablished = Metric{
		Name:        "connections_established",
		Unit:        "1",
		Description: "Number of account connections successfully established.",
	}

	// MetricConnectionFailures counts failed connection attempts.
	MetricConnectionFailures = Metric{
		Name:        "connection_failures",
		Unit:        "1",
		Description: "Number of failed connection attempts, across all retries.",
	}

	// MetricCircuitRejections counts requests rejected by an open breaker.
	MetricCircuitRejections = Metric{
		Name:        "circuit_rejections",
		Unit:        "1",
		Description: "Number of requests rejected without a network attempt by an open circuit breaker.",
	}

	// MetricStaleConnectionsCleaned counts connections evicted for staleness.
	MetricStaleConnectionsCleaned = Metric{
		Name:        "stale_connections_cleaned",
		Unit:        "1",
		Description: "Number of connections evicted for exceeding their time to live.",
	}

	// MetricBulkItemsProcessed counts items processed by bulk execution.
	MetricBulkItemsProcessed = Metric{
		Name:        "bulk_items_processed",
		Unit:        "1",
		Description: "Number of individual items processed in bulk calls.",
	}

	// MetricBulkItemDuration measures per-item execution time.
	MetricBulkItemDuration = Metric{
		Name:        "bulk_item_duration",
		Unit:        "ms",
		Description: "Execution time of individual bulk items in milliseconds.",
	}

	// MetricBulkParallelism reports the current adaptive worker count.
	MetricBulkParallelism = Metric{
		Name:        "bulk_parallelism",
		Unit:        "1",
		Description: "Worker parallelism chosen by adaptive scaling for the current batch.",
	}
)

// DefaultDurationBuckets are the bucket boundaries used for duration
// histograms when none are configured, in milliseconds.
var DefaultDurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Factory lazily creates OpenTelemetry instruments and caches them by
// metric name. It is safe for concurrent use.
type Factory struct {
	meter      metric.Meter
	logger     log.Logger
	counters   sync.Map // string -> metric.Int64Counter
	gauges     sync.Map // string -> metric.Int64Gauge
	histograms sync.Map // string -> metric.Int64Histogram
}

// NewFactory creates a factory on top of the given meter.
func NewFactory(meter metric.Meter, logger log.Logger) (*Factory, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &Factory{meter: meter, logger: logger}, nil
}

// NewNopFactory returns a factory backed by OpenTelemetry's no-op meter.
// Recording through it is valid and discards everything.
func NewNopFactory() *Factory {
	return &Factory{
		meter:  noop.NewMeterProvider().Meter("nop"),
		logger: &log.NoneLogger{},
	}
}

// Counter returns a builder for the given counter metric, creating the
// instrument on first use.
func (f *Factory) Counter(m Metric) (*CounterBuilder, error) {
	counter, err := f.counter(m)
	if err != nil {
		return nil, err
	}

	return &CounterBuilder{counter: counter, name: m.Name}, nil
}

// Gauge returns a builder for the given gauge metric, creating the
// instrument on first use.
func (f *Factory) Gauge(m Metric) (*GaugeBuilder, error) {
	gauge, err := f.gauge(m)
	if err != nil {
		return nil, err
	}

	return &GaugeBuilder{gauge: gauge, name: m.Name}, nil
}

// Histogram returns a builder for the given histogram metric, creating
// the instrument on first use. Metrics without explicit buckets get
// DefaultDurationBuckets. The first registration of a name wins; later
// calls with different buckets reuse the cached instrument.
func (f *Factory) Histogram(m Metric) (*HistogramBuilder, error) {
	if m.Buckets == nil {
		m.Buckets = DefaultDurationBuckets
	}

	histogram, err := f.histogram(m)
	if err != nil {
		return nil, err
	}

	return &HistogramBuilder{histogram: histogram, name: m.Name}, nil
}

func (f *Factory) counter(m Metric) (metric.Int64Counter, error) {
	if cached, ok := f.counters.Load(m.Name); ok {
		return cached.(metric.Int64Counter), nil
	}

	counter, err := f.meter.Int64Counter(m.Name,
		metric.WithDescription(m.Description),
		metric.WithUnit(m.Unit),
	)
	if err != nil {
		f.logger.Errorf("failed to create counter %q: %v", m.Name, err)
		return nil, fmt.Errorf("create counter %q: %w", m.Name, err)
	}

	actual, _ := f.counters.LoadOrStore(m.Name, counter)

	return actual.(metric.Int64Counter), nil
}

func (f *Factory) gauge(m Metric) (metric.Int64Gauge, error) {
	if cached, ok := f.gauges.Load(m.Name); ok {
		return cached.(metric.Int64Gauge), nil
	}

	gauge, err := f.meter.Int64Gauge(m.Name,
		metric.WithDescription(m.Description),
		metric.WithUnit(m.Unit),
	)
	if err != nil {
		f.logger.Errorf("failed to create gauge %q: %v", m.Name, err)
		return nil, fmt.Errorf("create gauge %q: %w", m.Name, err)
	}

	actual, _ := f.gauges.LoadOrStore(m.Name, gauge)

	return actual.(metric.Int64Gauge), nil
}

func (f *Factory) histogram(m Metric) (metric.Int64Histogram, error) {
	if cached, ok := f.histograms.Load(m.Name); ok {
		return cached.(metric.Int64Histogram), nil
	}

	histogram, err := f.meter.Int64Histogram(m.Name,
		metric.WithDescription(m.Description),
		metric.WithUnit(m.Unit),
		metric.WithExplicitBucketBoundaries(m.Buckets...),
	)
	if err != nil {
		f.logger.Errorf("failed to create histogram %q: %v", m.Name, err)
		return nil, fmt.Errorf("create histogram %q: %w", m.Name, err)
	}

	actual, _ := f.histograms.LoadOrStore(m.Name, histogram)

	return actual.(metric.Int64Histogram), nil
}
