// Package health executes service probes and classifies their outcomes.
// HTTP 2xx is UP unless the body self-reports UNHEALTHY, non-2xx is DEGRADED,
// an elapsed deadline is TIMEOUT, and transport failures are DOWN.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/travelhub/sentinel/internal/config"
	"github.com/travelhub/sentinel/internal/store"
)

const maxProbeBody = 4096

// BrokerPinger is the liveness call the broker client exposes.
type BrokerPinger interface {
	Ping(ctx context.Context) error
}

// Prober performs health checks with a hard per-probe deadline.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber creates a prober whose probes are bounded by timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives:     true,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// Probe sends one GET to a health endpoint and classifies the result.
// Latency is measured even when the probe fails.
func (p *Prober) Probe(ctx context.Context, url string) ProbeOutcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeOutcome{Kind: KindDown, LatencyMS: msSince(start), Reason: err.Error()}
	}
	req.Header.Set("User-Agent", "sentinel-healthcheck/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := p.client.Do(req)
	latency := msSince(start)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("health probe failed")
		if isTimeout(err) {
			return ProbeOutcome{Kind: KindTimeout, LatencyMS: latency, Reason: err.Error()}
		}
		return ProbeOutcome{Kind: KindDown, LatencyMS: latency, Reason: err.Error()}
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	if code < 200 || code >= 300 {
		return ProbeOutcome{Kind: KindDegraded, HTTPCode: &code, LatencyMS: latency}
	}
	if selfReportedUnhealthy(resp.Body) {
		return ProbeOutcome{Kind: KindUnhealthy, HTTPCode: &code, LatencyMS: latency}
	}
	return ProbeOutcome{Kind: KindUp, HTTPCode: &code, LatencyMS: latency}
}

// ProbeBroker measures a broker liveness call and classifies it like any
// other probe. No HTTP code is recorded; the transport is not HTTP.
func (p *Prober) ProbeBroker(ctx context.Context, broker BrokerPinger) ProbeOutcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := broker.Ping(ctx)
	latency := msSince(start)
	if err == nil {
		return ProbeOutcome{Kind: KindUp, LatencyMS: latency}
	}
	if isTimeout(err) {
		return ProbeOutcome{Kind: KindTimeout, LatencyMS: latency, Reason: err.Error()}
	}
	return ProbeOutcome{Kind: KindDown, LatencyMS: latency, Reason: err.Error()}
}

// Result pairs a catalog service with its probe outcome.
type Result struct {
	Service string
	Outcome ProbeOutcome
}

// ProbeAll probes every listed service concurrently and returns results in
// catalog order. A hung endpoint cannot stall the batch past the per-probe
// deadline.
func (p *Prober) ProbeAll(ctx context.Context, services []config.Service) []Result {
	results := make([]Result, len(services))
	var wg sync.WaitGroup
	for i, svc := range services {
		wg.Add(1)
		go func(i int, svc config.Service) {
			defer wg.Done()
			results[i] = Result{Service: svc.Name, Outcome: p.Probe(ctx, svc.URL)}
		}(i, svc)
	}
	wg.Wait()
	return results
}

// selfReportedUnhealthy reads a 2xx body looking for the work peer's
// {"status":"UNHEALTHY"} self-report. Anything else, including non-JSON
// bodies, reads as healthy.
func selfReportedUnhealthy(r io.Reader) bool {
	body, err := io.ReadAll(io.LimitReader(r, maxProbeBody))
	if err != nil {
		return false
	}
	var report struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(body, &report) != nil {
		return false
	}
	return report.Status == store.StatusUnhealthy
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
