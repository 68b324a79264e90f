package bitsi

import (
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/hupe1980/bitsi/slicestore"
)

type options struct {
	store            slicestore.Store
	fetchWorkers     int
	buildLimiter     *rate.Limiter
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures index constructor behavior.
type Option func(*options)

// WithStore overrides the slice store backend. By default Create/Open
// use an embedded bolt file inside the index directory; pass a
// slicestore.Memory for ephemeral indexes or a slicestore.Dynamo to keep
// the slice matrix off-host.
func WithStore(s slicestore.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithFetchWorkers bounds the parallel bit-slice fetches per search.
// Fetches are independent point reads; raising this helps remote
// backends far more than the embedded one.
func WithFetchWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.fetchWorkers = n
		}
	}
}

// WithBuildRateLimit throttles bulk Build ingestion to samplesPerSec so
// a corpus load does not starve queries running against the same index.
// Zero disables the limit.
func WithBuildRateLimit(samplesPerSec float64, burst int) Option {
	return func(o *options) {
		if samplesPerSec > 0 {
			if burst < 1 {
				burst = 1
			}
			o.buildLimiter = rate.NewLimiter(rate.Limit(samplesPerSec), burst)
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		fetchWorkers:     0, // engine default
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
