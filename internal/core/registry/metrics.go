package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/elfregistry/registry/registry"

// Operation labels used on registry.requests and registry.bytes.
const (
	opListAll        = "list_all"
	opListContract   = "list_contract"
	opUpload         = "upload"
	opDownload       = "download"
	opDeleteProgram  = "delete_program"
	opDeleteContract = "delete_contract"
)

// Operation labels used on registry.storage.latency.
const (
	storageWrite         = "write"
	storageWriteMetadata = "write_metadata"
	storageWriteIndex    = "write_index"
	storageRead          = "read"
)

type registryMetrics struct {
	requests       metric.Int64Counter
	bytes          metric.Int64Counter
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	indexRebuilds  metric.Int64Counter
	storageLatency metric.Float64Histogram
}

func newRegistryMetrics(mp metric.MeterProvider, logger zerolog.Logger) *registryMetrics {
	meter := mp.Meter(meterName)
	m := &registryMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"registry.requests",
		metric.WithDescription("Total registry requests by operation"),
	)
	logMetricInitError(logger, "registry.requests", err)

	m.bytes, err = meter.Int64Counter(
		"registry.bytes",
		metric.WithDescription("Total bytes transferred by operation"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "registry.bytes", err)

	m.cacheHits, err = meter.Int64Counter(
		"registry.cache.hits",
		metric.WithDescription("Binary cache hits"),
	)
	logMetricInitError(logger, "registry.cache.hits", err)

	m.cacheMisses, err = meter.Int64Counter(
		"registry.cache.misses",
		metric.WithDescription("Binary cache misses"),
	)
	logMetricInitError(logger, "registry.cache.misses", err)

	m.indexRebuilds, err = meter.Int64Counter(
		"registry.index.rebuilds",
		metric.WithDescription("Index rebuilds from metadata objects"),
	)
	logMetricInitError(logger, "registry.index.rebuilds", err)

	m.storageLatency, err = meter.Float64Histogram(
		"registry.storage.latency",
		metric.WithDescription("Latency of storage operations"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "registry.storage.latency", err)

	return m
}

func logMetricInitError(logger zerolog.Logger, name string, err error) {
	if err != nil {
		logger.Warn().Err(err).Str("metric", name).Msg("metric init failed")
	}
}

func (m *registryMetrics) request(ctx context.Context, op string) {
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *registryMetrics) transferred(ctx context.Context, op string, n int) {
	if m.bytes != nil {
		m.bytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *registryMetrics) cacheHit(ctx context.Context) {
	if m.cacheHits != nil {
		m.cacheHits.Add(ctx, 1)
	}
}

func (m *registryMetrics) cacheMiss(ctx context.Context) {
	if m.cacheMisses != nil {
		m.cacheMisses.Add(ctx, 1)
	}
}

func (m *registryMetrics) rebuild(ctx context.Context) {
	if m.indexRebuilds != nil {
		m.indexRebuilds.Add(ctx, 1)
	}
}

func (m *registryMetrics) storage(ctx context.Context, op, backend string, start time.Time) {
	if m.storageLatency != nil {
		m.storageLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("backend", backend),
		))
	}
}
