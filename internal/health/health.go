// Package health probes managed processes over HTTP and reports samples.
// It holds no health state itself: threshold counting and restart decisions
// belong to whoever consumes the samples.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Outcome classifies a single probe.
type Outcome string

const (
	// Healthy means the endpoint answered with a 2xx status.
	Healthy Outcome = "healthy"
	// Unhealthy means the endpoint answered with a non-2xx status.
	Unhealthy Outcome = "unhealthy"
	// Unreachable means the TCP connection could not be established.
	Unreachable Outcome = "unreachable"
	// TimedOut means the request exceeded the probe timeout.
	TimedOut Outcome = "timed_out"
)

// Sample is the result of one probe against one process.
type Sample struct {
	Name    string
	Outcome Outcome
	Status  int // HTTP status when the endpoint answered, 0 otherwise
	Latency time.Duration
	Err     error
	At      time.Time
}

// Ok reports whether the sample counts toward recovery.
func (s Sample) Ok() bool { return s.Outcome == Healthy }

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// Prober issues HTTP GET probes against 127.0.0.1:<port><path>. One Prober
// may be shared by concurrent Run loops.
type Prober struct {
	Interval time.Duration
	Timeout  time.Duration

	clientOnce sync.Once
	client     *http.Client
}

func (p *Prober) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

func (p *Prober) httpClient() *http.Client {
	p.clientOnce.Do(func() {
		// No keep-alives: a fresh connection per probe also detects a
		// process that died and was replaced between probes.
		p.client = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	})
	return p.client
}

// Probe performs a single probe and classifies the result.
func (p *Prober) Probe(ctx context.Context, name string, port int, path string) Sample {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)

	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Sample{Name: name, Outcome: Unreachable, Err: err, At: start}
	}
	resp, err := p.httpClient().Do(req)
	latency := time.Since(start)
	if err != nil {
		outcome := Unreachable
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			outcome = TimedOut
		}
		return Sample{Name: name, Outcome: outcome, Latency: latency, Err: err, At: start}
	}
	defer resp.Body.Close()

	outcome := Unhealthy
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome = Healthy
	}
	return Sample{Name: name, Outcome: outcome, Status: resp.StatusCode, Latency: latency, At: start}
}

// Run probes on the configured interval until ctx is cancelled, delivering
// each sample to emit. The first probe fires after one full interval so a
// freshly started process gets time to bind its port.
func (p *Prober) Run(ctx context.Context, name string, port int, path string, emit func(Sample)) {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit(p.Probe(ctx, name, port, path))
		}
	}
}
