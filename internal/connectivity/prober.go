package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultProbeInterval = 15 * time.Second

var errMissingHealthURL = errors.New("connectivity: health url is required")

// ProberConfig configures a health prober.
type ProberConfig struct {
	HealthURL  string
	Interval   time.Duration
	HTTPClient *http.Client
	Monitor    *Monitor
	Logger     *zap.Logger
}

// Prober polls the backend health endpoint and feeds the result into a Monitor.
type Prober struct {
	healthURL string
	interval  time.Duration
	client    *http.Client
	monitor   *Monitor
	logger    *zap.Logger
}

// NewProber validates the configuration and constructs a Prober.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if strings.TrimSpace(cfg.HealthURL) == "" {
		return nil, errMissingHealthURL
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	monitor := cfg.Monitor
	if monitor == nil {
		monitor = NewMonitor()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		healthURL: cfg.HealthURL,
		interval:  interval,
		client:    client,
		monitor:   monitor,
		logger:    logger,
	}, nil
}

// Monitor returns the monitor the prober reports into.
func (p *Prober) Monitor() *Monitor {
	return p.monitor
}

// Probe performs one health check and records the result.
func (p *Prober) Probe(ctx context.Context) Status {
	status := StatusOffline
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, http.NoBody)
	if err == nil {
		response, doErr := p.client.Do(request)
		if doErr == nil {
			response.Body.Close()
			if response.StatusCode < http.StatusInternalServerError {
				status = StatusOnline
			}
		} else {
			err = doErr
		}
	}
	if status == StatusOffline {
		p.logger.Debug("health probe failed", zap.String("url", p.healthURL), zap.Error(err))
	}
	p.monitor.SetStatus(status)
	return status
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
