// Package tracing installs the process-wide OpenTelemetry tracer provider.
// Broadcast and poll fan-outs record spans through otel.Tracer; without a
// provider those spans are dropped.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	logx "babbell/pkg/logx"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ServiceName     = "babbell"
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Enabled bool
	// Path receives one JSON span per line. Empty means stderr.
	Path string
	// SampleRatio in (0, 1) samples that share of new traces; anything else
	// samples every trace.
	SampleRatio float64
	// Writer overrides Path.
	Writer io.Writer
}

// Provider owns the installed tracer provider and its output.
type Provider struct {
	tp     *sdktrace.TracerProvider
	closer io.Closer
	log    logx.Logger
}

// Setup installs a tracer provider when cfg.Enabled. A disabled config
// returns a Provider whose Shutdown is a no-op.
func Setup(cfg Config, log logx.Logger) (*Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Provider{log: log.With(logx.String("comp", "tracing"))}
	if !cfg.Enabled {
		return p, nil
	}

	w := cfg.Writer
	if w == nil {
		if cfg.Path == "" {
			w = os.Stderr
		} else {
			f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open span file: %w", err)
			}
			w, p.closer = f, f
		}
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		p.closeOutput()
		return nil, fmt.Errorf("span exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if r := cfg.SampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tp)

	p.log.Info("tracing enabled", logx.String("path", cfg.Path), logx.Any("sample_ratio", cfg.SampleRatio))
	return p, nil
}

func (p *Provider) Enabled() bool { return p != nil && p.tp != nil }

// Shutdown flushes buffered spans and closes the span file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := p.tp.Shutdown(ctx)
	if cerr := p.closeOutput(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (p *Provider) closeOutput() error {
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}
