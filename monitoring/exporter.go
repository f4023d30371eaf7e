package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds the graceful shutdown of the exporter.
const shutdownTimeout = 5 * time.Second

// Exporter serves the metrics on /metrics.
type Exporter struct {
	started sync.Once
	stopped sync.Once

	listen  string
	metrics *Metrics

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewExporter creates an exporter for metrics listening on listen.
func NewExporter(listen string, metrics *Metrics) *Exporter {
	return &Exporter{
		listen:  listen,
		metrics: metrics,
	}
}

// Start binds the listener and serves in the background.
func (e *Exporter) Start() error {
	var startErr error
	e.started.Do(func() {
		listener, err := net.Listen("tcp", e.listen)
		if err != nil {
			startErr = err
			return
		}
		e.listener = listener

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			e.metrics.Registry(), promhttp.HandlerOpts{},
		))
		e.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			listener.Addr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return startErr
}

// Addr returns the bound address, or nil before Start.
func (e *Exporter) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the server down.
func (e *Exporter) Stop() error {
	var stopErr error
	e.stopped.Do(func() {
		if e.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		stopErr = e.server.Shutdown(ctx)
		e.wg.Wait()
	})

	return stopErr
}
