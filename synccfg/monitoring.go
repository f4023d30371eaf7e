package synccfg

import (
	"fmt"
	"net"
)

// DefaultPrometheusListen is the default address the metrics exporter
// listens on.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus is the set of configuration data that specifies the listening
// address of the Prometheus exporter.
//
//nolint:ll
type Prometheus struct {
	// Listen is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`

	// Enable indicates whether to export metrics.
	Enable bool `long:"enable" description:"enable Prometheus exporting of wallet metrics"`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Validate checks that the listen address parses when exporting is enabled.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus.listen %q: %w", p.Listen,
			err)
	}

	return nil
}

// Compile-time constraint to ensure Prometheus implements the Validator
// interface.
var _ Validator = (*Prometheus)(nil)
