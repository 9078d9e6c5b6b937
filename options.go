package cells

import (
	"runtime"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/trace"

	"github.com/latticeflow/cells/internal/logging"
)

// config collects HandlerPool construction options. It does not depend
// on V: none of these knobs are value-type-specific, so Option is a
// plain (non-generic) functional option, applied before the generic
// pool is built.
type config struct {
	parallelism           int
	logger                hclog.Logger
	unhandled             func(key interface{}, panicVal interface{})
	awaitedCacheSize      int
	tracer                trace.Tracer
	defaultResolveTimeout time.Duration
	maxFailureRecords     int
	maxFailureBytes       int64
}

func defaultConfig() *config {
	return &config{
		parallelism:           runtime.GOMAXPROCS(0),
		logger:                logging.Off(),
		awaitedCacheSize:      4096,
		defaultResolveTimeout: 15 * time.Minute,
		maxFailureRecords:     64,
		maxFailureBytes:       32 * 1024,
	}
}

// Option configures a HandlerPool at construction time.
type Option func(*config)

// WithParallelism sets the pool's worker concurrency cap. Defaults to
// GOMAXPROCS, matching spec.md §5's "suggested 8" default-to-hardware-
// threads guidance.
func WithParallelism(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithLogger sets the pool's diagnostic logger. Defaults to a no-op
// logger.
func WithLogger(l hclog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUnhandledExceptionHandler sets the callback invoked whenever a
// user Init function or callback panics. See spec.md §7's
// CallbackFailure propagation policy.
func WithUnhandledExceptionHandler(f func(key interface{}, panicVal interface{})) Option {
	return func(c *config) { c.unhandled = f }
}

// WithAwaitedCacheSize bounds the number of cells tracked in the
// optional cellsAwaited registry.
func WithAwaitedCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.awaitedCacheSize = n
		}
	}
}

// WithTracer attaches an OpenTelemetry tracer; when set, each pool task
// execution gets its own span. Optional — nil (the default) disables
// tracing entirely at zero cost.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// WithDefaultResolveTimeout sets the per-pass timeout used by
// WhileQuiescentResolveCell/WhileQuiescentResolveDefault when the caller
// does not supply one. spec.md §9 calls the source's 15-minute constant
// "a configuration knob, not a contract"; this is that knob's default.
func WithDefaultResolveTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultResolveTimeout = d
		}
	}
}

// WithFailureHistory bounds the unhandled-failure ring buffer exposed
// through HandlerPool.RecentFailures.
func WithFailureHistory(maxRecords int, maxBytes int64) Option {
	return func(c *config) {
		if maxRecords > 0 {
			c.maxFailureRecords = maxRecords
		}
		if maxBytes > 0 {
			c.maxFailureBytes = maxBytes
		}
	}
}
