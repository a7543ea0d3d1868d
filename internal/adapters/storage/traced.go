package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/elfregistry/registry/internal/core/services"
	"github.com/elfregistry/registry/internal/util/logging"
)

const tracerName = "github.com/elfregistry/registry/storage"

type traced struct {
	inner  services.StorageBackend
	logger zerolog.Logger
	tracer trace.Tracer
}

// Trace decorates inner with a span and a debug log line per call.
func Trace(inner services.StorageBackend, logger zerolog.Logger) services.StorageBackend {
	return &traced{
		inner:  inner,
		logger: logger.With().Str("component", "storage").Str("backend", inner.Name()).Logger(),
		tracer: otel.Tracer(tracerName),
	}
}

func (b *traced) start(ctx context.Context, op, key string) (context.Context, func(err error, attrs ...attribute.KeyValue)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "registry.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("registry.storage.operation", op),
		attribute.String("registry.storage.backend", b.inner.Name()),
		attribute.String("registry.storage.key", key),
	)

	return ctx, func(err error, attrs ...attribute.KeyValue) {
		defer span.End()
		span.SetAttributes(attrs...)

		var ev *zerolog.Event
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			ev = b.logger.Debug()
		case errors.Is(err, services.ErrNotFound):
			span.SetAttributes(attribute.Bool("registry.storage.not_found", true))
			span.SetStatus(codes.Ok, "")
			ev = b.logger.Debug().Bool("not_found", true)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			ev = b.logger.Warn().Err(err)
		}
		ev.Str("request_id", logging.RequestID(ctx)).
			Str("op", op).
			Str("key", key).
			Dur("elapsed", time.Since(begin)).
			Msg("storage call")
	}
}

func (b *traced) Name() string { return b.inner.Name() }

func (b *traced) ReadObject(ctx context.Context, key string) ([]byte, error) {
	ctx, finish := b.start(ctx, "read", key)
	data, err := b.inner.ReadObject(ctx, key)
	finish(err, attribute.Int("registry.storage.bytes", len(data)))
	return data, err
}

func (b *traced) WriteObject(ctx context.Context, key string, data []byte) error {
	ctx, finish := b.start(ctx, "write", key)
	err := b.inner.WriteObject(ctx, key, data)
	finish(err, attribute.Int("registry.storage.bytes", len(data)))
	return err
}

func (b *traced) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	ctx, finish := b.start(ctx, "list", prefix)
	keys, err := b.inner.ListObjects(ctx, prefix)
	finish(err, attribute.Int("registry.storage.objects", len(keys)))
	return keys, err
}

func (b *traced) DeleteObject(ctx context.Context, key string) error {
	ctx, finish := b.start(ctx, "delete", key)
	err := b.inner.DeleteObject(ctx, key)
	finish(err)
	return err
}
