package parcelport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/parcelport/pkg/function"
)

type config struct {
	Config

	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	network      Network
	scheduler    Scheduler
	executor     ExecutorPool
	resolver     Resolver
	registry     *function.Registry
}

// Option to pass to `New`.
type Option func(*config) error

// WithConfig replaces the whole `Config`, typically one returned by
// `LoadConfig`. Options applied after it still override its fields.
func WithConfig(cfg Config) Option {
	return func(c *config) error {
		c.Config = cfg
		return nil
	}
}

// WithLocality sets the identifier of this node.
func WithLocality(id LocalityID) Option {
	return func(c *config) error {
		c.Locality = id
		return nil
	}
}

// WithListenOn specifies which endpoints inbound parcels are accepted on.
func WithListenOn(addrs ...string) Option {
	return func(c *config) error {
		c.ListenAddrs = addrs
		return nil
	}
}

// WithCacheLimits bounds the connection cache, see `Config.MaxCacheSize`
// and `Config.MaxConnectionsPerLocality`.
func WithCacheLimits(maxCacheSize, maxPerLocality int) Option {
	return func(c *config) error {
		if maxCacheSize <= 0 || maxPerLocality <= 0 {
			return fmt.Errorf("cache limits must be positive, got %d and %d", maxCacheSize, maxPerLocality)
		}
		c.MaxCacheSize = maxCacheSize
		c.MaxConnectionsPerLocality = maxPerLocality
		return nil
	}
}

// WithRetries controls how hard we try to connect to a destination.
func WithRetries(maxRetries int, delay time.Duration) Option {
	return func(c *config) error {
		if maxRetries <= 0 {
			return fmt.Errorf("max retries must be positive, got %d", maxRetries)
		}
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.DialTimeout = timeout
		return nil
	}
}

// WithWriteTimeout bounds the write of a batch of parcels, after which the
// connection is considered broken.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.WriteTimeout = timeout
		return nil
	}
}

func WithMaxFrameSize(size uint64) Option {
	return func(c *config) error {
		c.MaxFrameSize = size
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Parcelport`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// `Parcelport`.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithNetwork sets how connections are established. Defaults to
// `TCPNetwork`.
func WithNetwork(network Network) Option {
	return func(c *config) error {
		c.network = network
		return nil
	}
}

// WithScheduler sets where inbound actions and drain work items run. The
// `Parcelport` does not start nor stop a scheduler passed this way.
func WithScheduler(scheduler Scheduler) Option {
	return func(c *config) error {
		c.scheduler = scheduler
		return nil
	}
}

// WithExecutor sets the pool driving asynchronous I/O.
func WithExecutor(pool ExecutorPool) Option {
	return func(c *config) error {
		c.executor = pool
		return nil
	}
}

// WithResolver sets the `Resolver` used by `Parcelport.SendTo`.
func WithResolver(resolver Resolver) Option {
	return func(c *config) error {
		c.resolver = resolver
		return nil
	}
}

// WithRegistry sets the registry used to decode inbound actions. Defaults
// to `function.DefaultRegistry`.
func WithRegistry(reg *function.Registry) Option {
	return func(c *config) error {
		c.registry = reg
		return nil
	}
}
