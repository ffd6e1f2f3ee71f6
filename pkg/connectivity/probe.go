package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/roadmate/drivesync/pkg/observability"
)

// ProbeConfig configures the active reachability probe
type ProbeConfig struct {
	// URL receives a HEAD request each interval
	URL string `mapstructure:"url"`
	// Interval between probes
	Interval time.Duration `mapstructure:"interval"`
	// Timeout for a single probe request
	Timeout time.Duration `mapstructure:"timeout"`
	// FailureThreshold is how many consecutive probe failures flip the
	// state to offline. A single success flips it back.
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// DefaultProbeConfig returns probe settings suitable for a mobile agent
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		URL:              "https://connectivitycheck.gstatic.com/generate_204",
		Interval:         15 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 2,
	}
}

// ProbeMonitor is a Monitor that discovers reachability itself by issuing
// periodic HEAD requests. Any HTTP response counts as reachable; only
// transport errors count against the failure threshold, so a captive portal
// or a 5xx from the probe target still means the network is up.
type ProbeMonitor struct {
	inner     *ManualMonitor
	client    *http.Client
	cfg       ProbeConfig
	failures  int
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	logger    observability.Logger
}

// NewProbeMonitor starts a probe loop against cfg.URL. The monitor starts
// offline and goes online as soon as the first probe succeeds.
func NewProbeMonitor(cfg ProbeConfig, logger observability.Logger) (*ProbeMonitor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe monitor requires a URL")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	p := &ProbeMonitor{
		inner:  NewManualMonitor(false, logger),
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go p.probeLoop()
	return p, nil
}

// Online reports the current state
func (p *ProbeMonitor) Online() bool {
	return p.inner.Online()
}

// Subscribe registers a state-change listener
func (p *ProbeMonitor) Subscribe() (<-chan State, func()) {
	return p.inner.Subscribe()
}

// Close stops the probe loop and closes all subscriber channels
func (p *ProbeMonitor) Close() error {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
		p.client.CloseIdleConnections()
	})
	return p.inner.Close()
}

func (p *ProbeMonitor) probeLoop() {
	defer close(p.doneCh)

	p.probe()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

func (p *ProbeMonitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		p.logger.Error("Failed to build probe request", map[string]interface{}{"error": err.Error()})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.failures++
		if p.failures >= p.cfg.FailureThreshold {
			p.inner.SetOnline(false)
		}
		p.logger.Debug("Connectivity probe failed", map[string]interface{}{
			"error":    err.Error(),
			"failures": p.failures,
		})
		return
	}
	_ = resp.Body.Close()

	p.failures = 0
	p.inner.SetOnline(true)
}
