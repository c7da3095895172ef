package prometheussink

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mbiondo/scLogger/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	// Auto-register this sink
	core.RegisterSink("prometheus", NewPrometheusSinkFromConfig)
}

// Config represents prometheus sink configuration
type Config struct {
	Namespace string `yaml:"namespace,omitempty"` // Metric namespace, default "sclogger"
	Listen    string `yaml:"listen,omitempty"`    // Optional address serving /metrics, e.g. ":9091"
}

// Validate validates the prometheus sink configuration
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Namespace, validation.Length(0, 64)),
		validation.Field(&c.Listen, validation.By(func(value interface{}) error {
			addr, _ := value.(string)
			if addr == "" {
				return nil
			}
			_, _, err := net.SplitHostPort(addr)
			return err
		})),
	)
}

// NewPrometheusSinkFromConfig creates a prometheus sink from configuration map, registered
// on the default registry
func NewPrometheusSinkFromConfig(config map[string]any) (core.Sink, error) {
	var cfg Config
	if err := core.GetSinkConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewPrometheusSink(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// PrometheusSink counts records by level
type PrometheusSink struct {
	recordsTotal *prometheus.CounterVec
	bytesTotal   prometheus.Counter
	httpServer   *http.Server
	serverDone   chan struct{}
	addr         string
	closeOnce    sync.Once
}

// NewPrometheusSink registers its counters on reg. Counters already registered under the
// same name are reused, so a reconfigured sink keeps counting where the old one stopped.
// When Listen is set, gatherer is served on /metrics.
func NewPrometheusSink(config Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*PrometheusSink, error) {
	if err := config.Validate(); err != nil {
		return nil, core.WrapConfigError("prometheus", err)
	}
	if config.Namespace == "" {
		config.Namespace = "sclogger"
	}

	recordsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "records_total",
			Help:      "Total number of records written by level",
		},
		[]string{"level"},
	)
	bytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "record_bytes_total",
		Help:      "Total size of formatted records in bytes",
	})

	var err error
	if recordsTotal, err = registerOrReuse(reg, recordsTotal); err != nil {
		return nil, core.WrapConfigError("prometheus", err)
	}
	if bytesTotal, err = registerOrReuse(reg, bytesTotal); err != nil {
		return nil, core.WrapConfigError("prometheus", err)
	}

	// Pre-create the series so every level is exported from the start
	for _, level := range core.Levels() {
		recordsTotal.WithLabelValues(level.String())
	}

	p := &PrometheusSink{recordsTotal: recordsTotal, bytesTotal: bytesTotal}

	if config.Listen != "" {
		if err := p.startMetricsServer(config.Listen, gatherer); err != nil {
			return nil, core.WrapConfigError("listen", err)
		}
	}
	return p, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// startMetricsServer starts the HTTP server for Prometheus metrics
func (p *PrometheusSink) startMetricsServer(addr string, gatherer prometheus.Gatherer) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	p.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.serverDone = make(chan struct{})
	p.addr = listener.Addr().String()

	log.Printf("[PROMETHEUS] Serving metrics on %s", listener.Addr())
	go func() {
		defer close(p.serverDone)
		if err := p.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[PROMETHEUS] Metrics server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the address of the metrics server, or "" when none runs
func (p *PrometheusSink) Addr() string {
	return p.addr
}

// Write increments the counter of the record's level
func (p *PrometheusSink) Write(r *core.Record, line string) error {
	p.recordsTotal.WithLabelValues(r.Level.String()).Inc()
	p.bytesTotal.Add(float64(len(line)))
	return nil
}

// Flush is a no-op: counters are read on scrape
func (p *PrometheusSink) Flush() error {
	return nil
}

// Close shuts down the metrics server, if any. Counters stay registered.
func (p *PrometheusSink) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.httpServer == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = p.httpServer.Shutdown(ctx)
		<-p.serverDone
	})
	return err
}
