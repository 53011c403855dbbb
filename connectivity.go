package lockstep

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// Prober checks remote reachability on an interval and reports
// transitions. Any HTTP response counts as reachable; server errors are
// the circuit breakers' concern, not connectivity's. The engine owns the
// goroutine and the online flag the transitions feed.
type Prober struct {
	cfg      ConnectivityConfig
	client   HTTPDoer
	onChange func(online bool)

	mu     sync.Mutex
	online bool
	known  bool
}

func newProber(cfg ConnectivityConfig, client HTTPDoer, onChange func(online bool)) *Prober {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Prober{cfg: cfg, client: client, onChange: onChange}
}

// Run probes until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
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

// Probe checks reachability once, reporting a transition when the answer
// changed since the last probe.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)

	p.mu.Lock()
	changed := !p.known || online != p.online
	p.online = online
	p.known = true
	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(online)
	}
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}
