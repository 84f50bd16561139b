package loader

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-loader/source"
)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	fetcher    source.Fetcher
	config     *Config
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

// Option configures a Loader.
type Option func(*options)

// WithConfig sets the loader configuration. Unset fields take defaults.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = &cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the loader's metrics. Without it metrics are
// collected but not exported.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithTracerProvider sets where load spans go. The default is the global
// otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithFetcher replaces the fetcher used for locator sources.
func WithFetcher(f source.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithStdio connects WASI standard streams. Unset streams are discarded.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdin, o.stdout, o.stderr = stdin, stdout, stderr
	}
}
