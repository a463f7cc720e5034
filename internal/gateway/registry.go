package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pendergraft/sourcewatch/internal/content"
)

// Registry routes content addresses to the fetcher for their origin.
type Registry struct {
	ipfs  *Fetcher
	bzzr0 *Fetcher
	bzzr1 *Fetcher
}

// NewRegistry creates one fetcher per configured origin. Configuring the
// same origin twice is an error.
func NewRegistry(configs []Config, logger *slog.Logger) (*Registry, error) {
	r := &Registry{}
	for _, cfg := range configs {
		slot, err := r.slot(cfg.Origin)
		if err != nil {
			return nil, err
		}
		if *slot != nil {
			return nil, fmt.Errorf("duplicate gateway for origin %s", cfg.Origin)
		}
		*slot = NewFetcher(cfg, logger)
	}
	return r, nil
}

func (r *Registry) slot(origin content.Origin) (**Fetcher, error) {
	switch origin {
	case content.OriginIPFS:
		return &r.ipfs, nil
	case content.OriginSwarmBzzr0:
		return &r.bzzr0, nil
	case content.OriginSwarmBzzr1:
		return &r.bzzr1, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOrigin, origin)
	}
}

// Resolve returns the fetcher serving addr's origin.
func (r *Registry) Resolve(addr content.Address) (*Fetcher, error) {
	slot, err := r.slot(addr.Origin)
	if err != nil {
		return nil, err
	}
	if *slot == nil {
		return nil, fmt.Errorf("%w: no gateway configured for %s", ErrUnsupportedOrigin, addr.Origin)
	}
	return *slot, nil
}

// Subscribe delegates to the fetcher for addr's origin.
func (r *Registry) Subscribe(addr content.Address, cb Callback) (func(), error) {
	f, err := r.Resolve(addr)
	if err != nil {
		return nil, err
	}
	return f.Subscribe(addr, cb), nil
}

// Unsubscribe tears down the subscription for addr, if any.
func (r *Registry) Unsubscribe(addr content.Address) {
	if f, err := r.Resolve(addr); err == nil {
		f.Unsubscribe(addr)
	}
}

// Fetchers returns the configured fetchers in origin priority order.
func (r *Registry) Fetchers() []*Fetcher {
	var out []*Fetcher
	for _, f := range []*Fetcher{r.ipfs, r.bzzr0, r.bzzr1} {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Start starts every fetcher.
func (r *Registry) Start(ctx context.Context) {
	for _, f := range r.Fetchers() {
		f.Start(ctx)
	}
}

// Stop stops every fetcher and waits for in-flight requests.
func (r *Registry) Stop() {
	for _, f := range r.Fetchers() {
		f.Stop()
	}
}
