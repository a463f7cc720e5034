// Package assembly gathers a contract's metadata manifest and every source
// file it lists, verifying each source against its declared keccak256 hash.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/sourcewatch/internal/chains/evm"
	"github.com/pendergraft/sourcewatch/internal/content"
	"github.com/pendergraft/sourcewatch/internal/gateway"
	"github.com/pendergraft/sourcewatch/internal/observability/metrics"
)

// Errors returned by Assemble.
var (
	ErrIntegrity        = errors.New("source hash mismatch")
	ErrAssemblyTimeout  = errors.New("assembly timed out")
	ErrSourcesExhausted = errors.New("no source candidates left")
)

// Subscriber delivers content for an address asynchronously.
// *gateway.Registry satisfies it.
type Subscriber interface {
	Subscribe(addr content.Address, cb gateway.Callback) (func(), error)
}

// CompletedContract is a manifest with every source present and verified.
type CompletedContract struct {
	MetadataAddress content.Address
	Metadata        *evm.Metadata
	RawMetadata     []byte
	Sources         map[string]string
}

// Assembler assembles contracts from content-addressed storage.
type Assembler struct {
	subscriber Subscriber
	logger     *slog.Logger
}

// New creates an assembler fetching through subscriber.
func New(subscriber Subscriber, logger *slog.Logger) *Assembler {
	return &Assembler{subscriber: subscriber, logger: logger}
}

// Assemble fetches the manifest at addr and all sources it lists. It blocks
// until the contract is complete, a source runs out of candidates, or ctx is
// done. On return every outstanding subscription has been released.
func (a *Assembler) Assemble(ctx context.Context, addr content.Address) (*CompletedContract, error) {
	p := &pendingContract{
		subscriber: a.subscriber,
		logger:     a.logger.With("metadata", addr.String()),
		address:    addr,
		pending:    make(map[string]*sourceEntry),
		fetched:    make(map[string]string),
		unsubs:     make(map[string]func()),
		done:       make(chan struct{}),
	}
	p.start()

	select {
	case <-p.done:
	case <-ctx.Done():
		if p.abandon() {
			metrics.Assembly("timeout")
			return nil, fmt.Errorf("%w: %s: %v", ErrAssemblyTimeout, addr, ctx.Err())
		}
		<-p.done
	}

	if p.err != nil {
		metrics.Assembly("failed")
		return nil, p.err
	}
	metrics.Assembly("completed")
	return p.result, nil
}

// manifestKey tracks the manifest subscription in unsubs; source unit names
// are never empty.
const manifestKey = ""

type sourceEntry struct {
	hash       common.Hash
	candidates []string
	next       int
	lastErr    error
}

// pendingContract holds the state of one assembly. Every source unit name
// is in exactly one of pending or fetched.
type pendingContract struct {
	subscriber Subscriber
	logger     *slog.Logger
	address    content.Address

	mu       sync.Mutex
	metadata *evm.Metadata
	raw      []byte
	pending  map[string]*sourceEntry
	fetched  map[string]string
	unsubs   map[string]func()
	closed   bool

	once   sync.Once
	done   chan struct{}
	result *CompletedContract
	err    error
}

func (p *pendingContract) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	unsub, err := p.subscriber.Subscribe(p.address, p.onManifest)
	if err != nil {
		p.finishLocked(nil, fmt.Errorf("metadata %s: %w", p.address, err))
		return
	}
	if !p.closed {
		p.unsubs[manifestKey] = unsub
	}
}

func (p *pendingContract) onManifest(r gateway.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.metadata != nil {
		return
	}
	delete(p.unsubs, manifestKey)

	if r.Err != nil {
		p.finishLocked(nil, fmt.Errorf("fetching metadata %s: %w", p.address, r.Err))
		return
	}
	md, err := evm.ParseMetadata(r.Content)
	if err != nil {
		p.finishLocked(nil, err)
		return
	}
	p.metadata = md
	p.raw = r.Content

	for name, src := range md.Sources {
		if src.Content != nil {
			p.fetched[name] = *src.Content
			continue
		}
		p.pending[name] = &sourceEntry{
			hash:       common.HexToHash(src.Keccak256),
			candidates: src.URLs,
		}
	}
	p.logger.Debug("manifest fetched", "sources", len(md.Sources), "pending", len(p.pending))

	names := make([]string, 0, len(p.pending))
	for name := range p.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p.closed {
			return
		}
		p.advanceLocked(name)
	}
	p.completeIfDoneLocked()
}

// advanceLocked subscribes to the next usable candidate URL for name, or
// fails the assembly when none remain.
func (p *pendingContract) advanceLocked(name string) {
	entry := p.pending[name]
	for entry.next < len(entry.candidates) {
		url := entry.candidates[entry.next]
		entry.next++
		attempt := entry.next

		addr, err := content.ParseURL(url)
		if err != nil {
			p.logger.Debug("skipping source candidate", "source", name, "url", url, "error", err)
			entry.lastErr = err
			continue
		}
		unsub, err := p.subscriber.Subscribe(addr, func(r gateway.Result) {
			p.onSource(name, attempt, r)
		})
		if err != nil {
			p.logger.Debug("skipping source candidate", "source", name, "url", url, "error", err)
			entry.lastErr = err
			continue
		}
		p.unsubs[name] = unsub
		return
	}

	err := fmt.Errorf("%w: %s", ErrSourcesExhausted, name)
	if entry.lastErr != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSourcesExhausted, name, entry.lastErr)
	}
	p.finishLocked(nil, err)
}

func (p *pendingContract) onSource(name string, attempt int, r gateway.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	entry, ok := p.pending[name]
	if !ok || entry.next != attempt {
		return
	}
	delete(p.unsubs, name)

	if r.Err != nil {
		p.logger.Warn("source fetch failed", "source", name, "error", r.Err)
		entry.lastErr = r.Err
		p.advanceLocked(name)
		return
	}

	if got := crypto.Keccak256Hash(r.Content); got != entry.hash {
		err := fmt.Errorf("%w: %s: declared %s, got %s", ErrIntegrity, name, entry.hash.Hex(), got.Hex())
		p.logger.Warn("rejecting source", "source", name, "error", err)
		entry.lastErr = err
		p.advanceLocked(name)
		return
	}

	delete(p.pending, name)
	p.fetched[name] = string(r.Content)
	p.completeIfDoneLocked()
}

func (p *pendingContract) completeIfDoneLocked() {
	if p.closed || p.metadata == nil || len(p.pending) > 0 {
		return
	}
	p.finishLocked(&CompletedContract{
		MetadataAddress: p.address,
		Metadata:        p.metadata,
		RawMetadata:     p.raw,
		Sources:         p.fetched,
	}, nil)
}

func (p *pendingContract) finishLocked(result *CompletedContract, err error) {
	p.releaseLocked()
	p.once.Do(func() {
		p.result, p.err = result, err
		close(p.done)
	})
}

// abandon releases all subscriptions. It reports false if the assembly had
// already finished.
func (p *pendingContract) abandon() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.releaseLocked()
	return true
}

func (p *pendingContract) releaseLocked() {
	p.closed = true
	for key, unsub := range p.unsubs {
		unsub()
		delete(p.unsubs, key)
	}
}
