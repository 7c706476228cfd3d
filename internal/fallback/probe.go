// Package fallback keeps the assistant useful when the network is not.
//
// A [Prober] classifies connectivity by timing HEAD requests against a chain
// of endpoints, and the [Orchestrator] folds those observations into an
// operating mode: normal when the network is healthy, low-latency when it is
// slow, offline when it is gone. Probe failures are data, not errors — an
// unreachable endpoint simply classifies as offline and the orchestrator
// adapts.
package fallback

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sotto-voice/sotto/internal/observe"
	"github.com/sotto-voice/sotto/internal/resilience"
)

// NetworkStatus classifies the probed connectivity.
type NetworkStatus string

const (
	StatusUnknown NetworkStatus = "unknown"
	StatusOnline  NetworkStatus = "online"
	StatusSlow    NetworkStatus = "slow"
	StatusOffline NetworkStatus = "offline"
)

// Observation is the outcome of one connectivity probe.
type Observation struct {
	Status  NetworkStatus
	Latency time.Duration
}

// Prober produces connectivity observations.
type Prober interface {
	Probe(ctx context.Context) Observation
}

// ProbeConfig configures the HTTP prober. Zero values take defaults.
type ProbeConfig struct {
	// HealthEndpoint is the primary endpoint to probe.
	HealthEndpoint string

	// PingEndpoints are alternates tried when the primary fails.
	PingEndpoints []string

	// Timeout bounds a single probe request. Default 3s.
	Timeout time.Duration

	// SlowThreshold is the latency above which a reachable network counts as
	// slow. Default 1500ms.
	SlowThreshold time.Duration

	// HTTPClient overrides the probing client.
	HTTPClient *http.Client

	// Metrics, when set, records probe durations.
	Metrics *observe.Metrics
}

// HTTPProber probes connectivity with HEAD requests against an endpoint
// chain. Each endpoint carries its own circuit breaker, so an endpoint that
// keeps failing stops being asked. Safe for concurrent use.
type HTTPProber struct {
	cfg    ProbeConfig
	client *http.Client
	chain  *resilience.Chain[string]
}

// NewHTTPProber builds the prober. With no endpoints configured every probe
// reports [StatusUnknown].
func NewHTTPProber(cfg ProbeConfig) *HTTPProber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 1500 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	p := &HTTPProber{cfg: cfg, client: client}
	if cfg.HealthEndpoint != "" {
		p.chain = resilience.NewChain(cfg.HealthEndpoint, "health", resilience.ChainConfig{})
		for i, url := range cfg.PingEndpoints {
			p.chain.Add(fmt.Sprintf("ping-%d", i), url)
		}
	} else if len(cfg.PingEndpoints) > 0 {
		p.chain = resilience.NewChain(cfg.PingEndpoints[0], "ping-0", resilience.ChainConfig{})
		for i, url := range cfg.PingEndpoints[1:] {
			p.chain.Add(fmt.Sprintf("ping-%d", i+1), url)
		}
	}
	return p
}

// Probe classifies connectivity. The first endpoint in the chain that answers
// a HEAD request in time determines the latency; when none answers, the
// network counts as offline.
func (p *HTTPProber) Probe(ctx context.Context) Observation {
	if p.chain == nil {
		return Observation{Status: StatusUnknown}
	}

	ctx, span := observe.StartSpan(ctx, "fallback.probe")
	defer span.End()

	latency, err := resilience.TryWithResult(p.chain, func(url string) (time.Duration, error) {
		return p.head(ctx, url)
	})

	obs := Observation{Latency: latency}
	switch {
	case err != nil:
		obs.Status = StatusOffline
	case latency > p.cfg.SlowThreshold:
		obs.Status = StatusSlow
	default:
		obs.Status = StatusOnline
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordProbe(ctx, latency.Seconds(), string(obs.Status))
	}
	return obs
}

// head issues one timed HEAD request. Any response counts as reachable; the
// probe measures the network, not the endpoint's opinion of the request.
func (p *HTTPProber) head(ctx context.Context, url string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("fallback: build probe request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fallback: probe %s: %w", url, err)
	}
	resp.Body.Close()
	return time.Since(start), nil
}
