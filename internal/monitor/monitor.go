// Package monitor watches chains for contract creations and drives each new
// contract through assembly, recompilation and matching.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/semaphore"

	"github.com/pendergraft/sourcewatch/internal/assembly"
	"github.com/pendergraft/sourcewatch/internal/chains"
	"github.com/pendergraft/sourcewatch/internal/chains/evm"
	"github.com/pendergraft/sourcewatch/internal/content"
	"github.com/pendergraft/sourcewatch/internal/observability/metrics"
	"github.com/pendergraft/sourcewatch/internal/storage"
)

// Errors returned by the monitor.
var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrEmptyBytecode  = errors.New("empty bytecode")
)

// State is the lifecycle state of a monitor.
type State string

const (
	StateStopped State = "stopped"
	StatePolling State = "polling"
)

// Assembler assembles a contract from its metadata address.
type Assembler interface {
	Assemble(ctx context.Context, addr content.Address) (*assembly.CompletedContract, error)
}

// Verifier recompiles an assembled contract and classifies the result.
type Verifier interface {
	Verify(ctx context.Context, req evm.VerifyRequest) (*evm.Match, error)
}

// MatchStore persists matches.
type MatchStore interface {
	GetMatch(ctx context.Context, chainID uint64, address string) (*storage.Match, error)
	StoreMatch(ctx context.Context, m *storage.Match) error
}

// Config configures one chain monitor.
type Config struct {
	ChainID uint64
	Name    string
	// StartBlock overrides starting at the chain tip
	StartBlock *uint64

	PollLowerLimit time.Duration
	PollUpperLimit time.Duration
	PollFactor     float64

	BytecodeRetryInterval time.Duration
	BytecodeRetries       int

	AssemblyTimeout        time.Duration
	MaxConcurrentContracts int
}

// Deps are the collaborators of a monitor.
type Deps struct {
	Client    chains.Client
	Assembler Assembler
	Verifier  Verifier
	Store     MatchStore
	// OnMatch, if set, is called for every stored match
	OnMatch func(*evm.Match)
	Logger  *slog.Logger
}

// Status is a snapshot of a monitor's state.
type Status struct {
	ChainID      uint64        `json:"chainId"`
	Name         string        `json:"name"`
	State        State         `json:"state"`
	Cursor       uint64        `json:"cursor"`
	PollInterval time.Duration `json:"pollInterval"`
}

// Monitor polls one chain block by block. Poll cycles are sequential;
// contract processing runs concurrently, bounded by MaxConcurrentContracts.
type Monitor struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	label   string
	pacer   *Pacer
	sem     *semaphore.Weighted
	onMatch func(*evm.Match)

	mu       sync.Mutex
	state    State
	starting bool
	cursor   uint64
	stopCh   chan struct{}
	stopCtx  context.Context
	stopFunc context.CancelFunc
	loopDone chan struct{}

	inFlight sync.WaitGroup
}

// New creates a stopped monitor.
func New(cfg Config, deps Deps) *Monitor {
	if cfg.MaxConcurrentContracts <= 0 {
		cfg.MaxConcurrentContracts = 16
	}
	if cfg.PollFactor <= 1 {
		cfg.PollFactor = 1.1
	}
	if cfg.PollUpperLimit < cfg.PollLowerLimit {
		cfg.PollUpperLimit = cfg.PollLowerLimit
	}
	if cfg.AssemblyTimeout <= 0 {
		cfg.AssemblyTimeout = 30 * time.Minute
	}
	name := cfg.Name
	if name == "" {
		name = strconv.FormatUint(cfg.ChainID, 10)
	}

	return &Monitor{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("chain_id", cfg.ChainID, "chain", name),
		label:   strconv.FormatUint(cfg.ChainID, 10),
		pacer:   NewPacer(cfg.PollUpperLimit, cfg.PollLowerLimit, cfg.PollUpperLimit, cfg.PollFactor),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentContracts)),
		onMatch: deps.OnMatch,
		state:   StateStopped,
	}
}

// ChainID returns the monitored chain ID.
func (m *Monitor) ChainID() uint64 {
	return m.cfg.ChainID
}

// Start resolves the start block and begins polling. ctx bounds startup
// only; polling continues until Stop. The start block RPC runs without the
// monitor lock held, and a restart waits for the previous poll loop to exit.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StatePolling || m.starting {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.starting = true
	prev := m.loopDone
	m.mu.Unlock()

	if prev != nil {
		<-prev
	}
	cursor, err := m.startBlock(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.starting = false
	if err != nil {
		return fmt.Errorf("chain %d: resolving start block: %w", m.cfg.ChainID, err)
	}

	m.cursor = cursor
	m.state = StatePolling
	m.stopCh = make(chan struct{})
	m.stopCtx, m.stopFunc = context.WithCancel(context.WithoutCancel(ctx))
	m.loopDone = make(chan struct{})

	go m.loop(context.WithoutCancel(ctx), m.stopCh, m.loopDone)

	m.logger.Info("monitor started", "start_block", cursor)
	metrics.PollInterval(m.label, m.pacer.Interval())
	return nil
}

func (m *Monitor) startBlock(ctx context.Context) (uint64, error) {
	if m.cfg.StartBlock != nil {
		return *m.cfg.StartBlock, nil
	}
	return m.deps.Client.BlockNumber(ctx)
}

// Stop stops polling and pending bytecode retries. Contracts already being
// assembled or verified run to completion; use Wait to drain them.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePolling {
		return
	}
	m.state = StateStopped
	close(m.stopCh)
	m.stopFunc()
	m.logger.Info("monitor stopping", "cursor", m.cursor)
}

// Wait blocks until the poll loop has exited and in-flight contracts have
// drained.
func (m *Monitor) Wait() {
	m.mu.Lock()
	done := m.loopDone
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	m.inFlight.Wait()
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		ChainID:      m.cfg.ChainID,
		Name:         m.cfg.Name,
		State:        m.state,
		Cursor:       m.cursor,
		PollInterval: m.pacer.Interval(),
	}
}

func (m *Monitor) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}

		m.pollOnce(ctx)

		interval := m.pacer.Interval()
		metrics.PollInterval(m.label, interval)
		timer.Reset(interval)
	}
}

// pollOnce processes the block at the cursor if it is available.
func (m *Monitor) pollOnce(ctx context.Context) {
	m.mu.Lock()
	cursor := m.cursor
	stopCtx := m.stopCtx
	m.mu.Unlock()

	block, err := m.deps.Client.BlockByNumber(ctx, cursor)
	if err != nil {
		interval := m.pacer.Slower()
		if errors.Is(err, chains.ErrBlockNotFound) {
			m.logger.Debug("block not yet available", "block", cursor, "next_poll", interval)
		} else {
			m.logger.Warn("fetching block failed", "block", cursor, "error", err, "next_poll", interval)
		}
		return
	}
	m.pacer.Faster()

	for _, tx := range block.Transactions {
		if !tx.IsContractCreation() {
			continue
		}
		if tx.From == (common.Address{}) {
			m.logger.Warn("skipping contract creation without sender", "block", cursor, "tx", tx.Hash.Hex())
			continue
		}
		addr := crypto.CreateAddress(tx.From, tx.Nonce)
		m.logger.Debug("contract creation", "block", cursor, "tx", tx.Hash.Hex(), "address", addr.Hex())
		metrics.ContractDiscovered(m.label)
		m.dispatch(ctx, stopCtx, addr)
	}

	m.mu.Lock()
	m.cursor = cursor + 1
	m.mu.Unlock()
	metrics.BlockProcessed(m.label, cursor+1)
}

// dispatch processes addr in the background. Contracts still waiting for a
// slot when the monitor stops are dropped.
func (m *Monitor) dispatch(ctx, stopCtx context.Context, addr common.Address) {
	m.inFlight.Add(1)
	go func() {
		defer m.inFlight.Done()
		if err := m.sem.Acquire(stopCtx, 1); err != nil {
			m.logger.Debug("dropping queued contract", "address", addr.Hex())
			return
		}
		defer m.sem.Release(1)
		m.processContract(ctx, stopCtx, addr)
	}()
}

// processContract takes one deployed contract from bytecode to a stored
// match. Every failure is terminal for the address and only logged.
func (m *Monitor) processContract(ctx, stopCtx context.Context, addr common.Address) {
	logger := m.logger.With("address", addr.Hex())

	if existing, err := m.deps.Store.GetMatch(ctx, m.cfg.ChainID, addr.Hex()); err == nil {
		logger.Debug("already verified", "status", existing.Status)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("checking existing match failed", "error", err)
		return
	}

	res, err := m.verify(ctx, stopCtx, addr)
	if err != nil {
		if isUnverifiable(err) {
			logger.Info("abandoning contract", "error", err)
		} else {
			logger.Warn("abandoning contract", "error", err)
		}
		return
	}
	logger = logger.With("metadata", res.Contract.MetadataAddress.String())

	if res.Match.Status == evm.MatchNone {
		logger.Info("recompiled bytecode does not match")
		return
	}

	record := res.Record()
	if err := m.deps.Store.StoreMatch(ctx, record); err != nil {
		if errors.Is(err, storage.ErrMatchExists) {
			logger.Debug("match stored concurrently")
			return
		}
		logger.Error("storing match failed", "error", err)
		return
	}

	metrics.MatchStored(m.label, string(res.Match.Status))
	logger.Info("contract verified", "status", res.Match.Status, "contract", record.ContractName)
	if m.onMatch != nil {
		m.onMatch(res.Match)
	}
}

// Result is the outcome of running one contract through the pipeline.
type Result struct {
	Match    *evm.Match
	Contract *assembly.CompletedContract
}

// Record converts the result into a storable match.
func (r *Result) Record() *storage.Match {
	file, name := r.Contract.Metadata.CompilationTarget()
	return &storage.Match{
		ChainID:          r.Match.ChainID,
		Address:          r.Match.Address.Hex(),
		Status:           string(r.Match.Status),
		ContractName:     file + ":" + name,
		CompilerVersion:  r.Contract.Metadata.Compiler.Version,
		MetadataAddress:  r.Contract.MetadataAddress.String(),
		Metadata:         r.Contract.RawMetadata,
		CompiledBytecode: r.Match.CompiledBytecode,
		DeployedBytecode: r.Match.DeployedBytecode,
		Sources:          r.Contract.Sources,
		CreatedAt:        r.Match.Timestamp,
	}
}

// Verify runs addr through bytecode retrieval, assembly and recompilation
// once. It neither reads nor writes the match store, and the monitor does
// not need to be running.
func (m *Monitor) Verify(ctx context.Context, addr common.Address) (*Result, error) {
	return m.verify(ctx, ctx, addr)
}

// isUnverifiable reports whether err means the contract carries nothing to
// verify, as opposed to a failure somewhere in the pipeline.
func isUnverifiable(err error) bool {
	return errors.Is(err, ErrEmptyBytecode) ||
		errors.Is(err, evm.ErrNoMetadataReference) ||
		errors.Is(err, evm.ErrMalformedMetadata)
}

func (m *Monitor) verify(ctx, stopCtx context.Context, addr common.Address) (*Result, error) {
	code, err := m.fetchBytecode(ctx, stopCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetching bytecode: %w", err)
	}

	metadataAddr, err := evm.ExtractAddress(code)
	if err != nil {
		return nil, fmt.Errorf("reading metadata reference: %w", err)
	}

	assemblyCtx, cancel := context.WithTimeout(ctx, m.cfg.AssemblyTimeout)
	contract, err := m.deps.Assembler.Assemble(assemblyCtx, metadataAddr)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", metadataAddr, err)
	}

	match, err := m.deps.Verifier.Verify(ctx, evm.VerifyRequest{
		ChainID:  m.cfg.ChainID,
		Address:  addr,
		Metadata: contract.Metadata,
		Sources:  contract.Sources,
		Deployed: code,
	})
	if err != nil {
		return nil, fmt.Errorf("verifying: %w", err)
	}
	return &Result{Match: match, Contract: contract}, nil
}

// fetchBytecode reads the deployed code, retrying empty results
// BytecodeRetries times. Retry waits end when the monitor stops; an RPC call
// already in progress is not interrupted.
func (m *Monitor) fetchBytecode(ctx, stopCtx context.Context, addr common.Address) ([]byte, error) {
	var attempt int
	return retry.DoWithData(
		func() ([]byte, error) {
			if attempt > 0 {
				metrics.BytecodeRetry(m.label)
			}
			attempt++

			code, err := m.deps.Client.CodeAt(ctx, addr)
			if err != nil {
				return nil, err
			}
			if len(code) == 0 {
				return nil, ErrEmptyBytecode
			}
			return code, nil
		},
		retry.Attempts(uint(m.cfg.BytecodeRetries)+1),
		retry.Delay(m.cfg.BytecodeRetryInterval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(stopCtx),
		retry.LastErrorOnly(true),
	)
}
