package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/loadsync/transport"
)

const (
	DefaultProbePath     = "/health"
	DefaultProbeInterval = 15 * time.Second
)

// Prober derives reachability from periodic requests to the API health
// endpoint. Any HTTP response counts as reachable.
type Prober struct {
	*Manual

	doer     transport.Doer
	path     string
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

type ProberOption func(*Prober)

func WithProbePath(p string) ProberOption {
	return func(pr *Prober) { pr.path = p }
}

func WithInterval(d time.Duration) ProberOption {
	return func(pr *Prober) { pr.interval = d }
}

func WithProbeTimeout(d time.Duration) ProberOption {
	return func(pr *Prober) { pr.timeout = d }
}

func WithLogger(l zerolog.Logger) ProberOption {
	return func(pr *Prober) { pr.log = l }
}

// NewProber creates a prober that starts in the offline state
func NewProber(doer transport.Doer, opts ...ProberOption) *Prober {
	p := &Prober{
		Manual:   NewManual(false),
		doer:     doer,
		path:     DefaultProbePath,
		interval: DefaultProbeInterval,
		timeout:  5 * time.Second,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Probe performs one reachability check and updates the state
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.doer.Do(ctx, &transport.Request{Method: http.MethodGet, Path: p.path})
	online := err == nil
	if p.SetOnline(online) {
		ev := p.log.Info().Bool("online", online)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("connectivity changed")
	}
	return online
}

// Run probes immediately and then on every interval until ctx is done
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

var _ Monitor = (*Prober)(nil)
