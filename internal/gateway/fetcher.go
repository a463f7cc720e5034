// Package gateway fetches content-addressed blobs from storage gateways.
//
// A Fetcher serves one storage origin. Concurrent requests for the same
// content share a single subscription and a single network request; results
// are delivered to every subscriber through callbacks.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pendergraft/sourcewatch/internal/content"
	"github.com/pendergraft/sourcewatch/internal/observability/metrics"
)

// Errors delivered to subscribers.
var (
	ErrTransport           = errors.New("transport error")
	ErrSubscriptionExpired = errors.New("subscription expired")
	ErrUnsupportedOrigin   = errors.New("unsupported origin")
)

// Config holds the configuration for one gateway.
type Config struct {
	// Origin is the storage origin this gateway serves
	Origin content.Origin
	// BaseURL is prepended to content IDs, e.g. "https://ipfs.io/ipfs/"
	BaseURL string
	// FallbackURL is used after the first failed request, if set
	FallbackURL string
	// Timeout bounds a single request
	Timeout time.Duration
	// PollInterval is how often pending subscriptions are dispatched
	PollInterval time.Duration
	// TTL is how long an idle subscription may stay pending
	TTL time.Duration
	// DispatchPause separates consecutive requests
	DispatchPause time.Duration
	// MaxContentBytes caps response bodies
	MaxContentBytes int64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = 16 << 20
	}
	return c
}

// Result is delivered to subscribers exactly once. Either Content is set or
// Err is non-nil.
type Result struct {
	Content []byte
	Err     error
}

// Callback receives the result of a subscription. Callbacks run on the
// fetcher's goroutines and must not block.
type Callback func(Result)

type subscriber struct {
	id uint64
	cb Callback
}

// subscription tracks one pending content ID.
type subscription struct {
	address     content.Address
	url         string
	fallbackURL string
	inFlight    bool
	subscribers []subscriber
	lastTouched time.Time
}

func (s *subscription) callbacks() []Callback {
	cbs := make([]Callback, len(s.subscribers))
	for i, sub := range s.subscribers {
		cbs[i] = sub.cb
	}
	return cbs
}

// Fetcher fetches blobs for one storage origin.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID uint64

	runMu  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFetcher creates a fetcher. It does not poll until Start is called.
func NewFetcher(cfg Config, logger *slog.Logger) *Fetcher {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.DispatchPause > 0 {
		limit = rate.Every(cfg.DispatchPause)
	}

	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("origin", cfg.Origin.String()),
		now:     time.Now,
		subs:    make(map[string]*subscription),
	}
}

// Origin returns the storage origin served by this fetcher.
func (f *Fetcher) Origin() content.Origin {
	return f.cfg.Origin
}

// Subscribe registers cb for the content at addr and returns immediately.
// The returned function removes this subscriber; the subscription is torn
// down when its last subscriber leaves.
func (f *Fetcher) Subscribe(addr content.Address, cb Callback) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.subs[addr.ID]
	if !ok {
		sub = &subscription{
			address:     addr,
			url:         f.cfg.BaseURL,
			fallbackURL: f.cfg.FallbackURL,
		}
		f.subs[addr.ID] = sub
		metrics.GatewaySubscriptions(f.cfg.Origin.String(), len(f.subs))
	}
	sub.lastTouched = f.now()

	f.nextID++
	id := f.nextID
	sub.subscribers = append(sub.subscribers, subscriber{id: id, cb: cb})

	var once sync.Once
	return func() {
		once.Do(func() { f.removeSubscriber(sub, id) })
	}
}

func (f *Fetcher) removeSubscriber(sub *subscription, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, s := range sub.subscribers {
		if s.id == id {
			sub.subscribers = append(sub.subscribers[:i], sub.subscribers[i+1:]...)
			break
		}
	}
	if len(sub.subscribers) == 0 && f.subs[sub.address.ID] == sub {
		f.deleteLocked(sub)
	}
}

// Unsubscribe tears down the subscription for addr without notifying its
// subscribers.
func (f *Fetcher) Unsubscribe(addr content.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub, ok := f.subs[addr.ID]; ok {
		f.deleteLocked(sub)
	}
}

// Pending returns the number of pending subscriptions.
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Fetcher) deleteLocked(sub *subscription) {
	delete(f.subs, sub.address.ID)
	metrics.GatewaySubscriptions(f.cfg.Origin.String(), len(f.subs))
}

// Start begins polling. It is a no-op if the fetcher is already running.
func (f *Fetcher) Start(ctx context.Context) {
	f.runMu.Lock()
	defer f.runMu.Unlock()

	if f.stopCh != nil {
		return
	}
	f.stopCh = make(chan struct{})

	f.wg.Add(1)
	go f.pollLoop(ctx, f.stopCh)
}

// Stop stops polling and waits for in-flight requests to finish.
func (f *Fetcher) Stop() {
	f.runMu.Lock()
	if f.stopCh == nil {
		f.runMu.Unlock()
		return
	}
	close(f.stopCh)
	f.stopCh = nil
	f.runMu.Unlock()

	f.wg.Wait()
}

func (f *Fetcher) pollLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	// Cancel pacing waits on stop; requests themselves are not cancelled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			f.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// poll runs one pass over a snapshot of the pending subscriptions.
func (f *Fetcher) poll(ctx context.Context) {
	f.mu.Lock()
	keys := make([]string, 0, len(f.subs))
	for id := range f.subs {
		keys = append(keys, id)
	}
	f.mu.Unlock()

	for _, id := range keys {
		f.mu.Lock()
		sub, ok := f.subs[id]
		if !ok || sub.inFlight {
			f.mu.Unlock()
			continue
		}

		if f.now().Sub(sub.lastTouched) > f.cfg.TTL {
			f.deleteLocked(sub)
			cbs := sub.callbacks()
			f.mu.Unlock()

			f.logger.Warn("subscription expired", "id", id, "subscribers", len(cbs))
			metrics.GatewayFetch(f.cfg.Origin.String(), "expired")
			notify(cbs, Result{Err: fmt.Errorf("%w: %s", ErrSubscriptionExpired, sub.address)})
			continue
		}

		sub.inFlight = true
		url := sub.url + id
		f.mu.Unlock()

		if err := f.limiter.Wait(ctx); err != nil {
			f.mu.Lock()
			sub.inFlight = false
			f.mu.Unlock()
			return
		}

		f.wg.Add(1)
		go f.fetch(ctx, sub, url)
	}
}

// fetch performs one request for sub and settles the outcome.
func (f *Fetcher) fetch(ctx context.Context, sub *subscription, url string) {
	defer f.wg.Done()

	body, err := f.get(context.WithoutCancel(ctx), url)

	f.mu.Lock()
	if f.subs[sub.address.ID] != sub {
		// torn down while in flight
		f.mu.Unlock()
		return
	}
	sub.inFlight = false

	if err == nil {
		f.deleteLocked(sub)
		cbs := sub.callbacks()
		f.mu.Unlock()

		f.logger.Debug("fetched", "url", url, "bytes", len(body), "subscribers", len(cbs))
		metrics.GatewayFetch(f.cfg.Origin.String(), "success")
		notify(cbs, Result{Content: body})
		return
	}

	if sub.fallbackURL != "" && sub.url != sub.fallbackURL {
		sub.url = sub.fallbackURL
		f.mu.Unlock()

		f.logger.Warn("gateway request failed, switching to fallback", "url", url, "error", err)
		metrics.GatewayFetch(f.cfg.Origin.String(), "fallback")
		return
	}

	f.deleteLocked(sub)
	cbs := sub.callbacks()
	f.mu.Unlock()

	f.logger.Warn("gateway request failed", "url", url, "error", err)
	metrics.GatewayFetch(f.cfg.Origin.String(), "failure")
	notify(cbs, Result{Err: fmt.Errorf("%w: %v", ErrTransport, err)})
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxContentBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.cfg.MaxContentBytes {
		return nil, fmt.Errorf("content exceeds %d bytes", f.cfg.MaxContentBytes)
	}
	return body, nil
}

func notify(cbs []Callback, r Result) {
	for _, cb := range cbs {
		cb(r)
	}
}
