package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pendergraft/sourcewatch/internal/assembly"
	"github.com/pendergraft/sourcewatch/internal/chains"
	"github.com/pendergraft/sourcewatch/internal/chains/evm"
	"github.com/pendergraft/sourcewatch/internal/chains/evm/solc"
	"github.com/pendergraft/sourcewatch/internal/config"
	"github.com/pendergraft/sourcewatch/internal/content"
	"github.com/pendergraft/sourcewatch/internal/gateway"
	"github.com/pendergraft/sourcewatch/internal/monitor"
	"github.com/pendergraft/sourcewatch/internal/storage"
)

// pipeline is the wired verification stack shared by serve and verify.
type pipeline struct {
	gateways   *gateway.Registry
	assembler  *assembly.Assembler
	matcher    *evm.Matcher
	chains     *chains.Registry
	supervisor *monitor.Supervisor
	clients    []*evm.RPCClient
}

// newPipeline dials the configured chains, checking that each node serves
// the chain ID it is configured for. When only is non-empty, chains not
// listed in it are left out.
func newPipeline(ctx context.Context, cfg *config.Config, store monitor.MatchStore, logger *slog.Logger, only ...uint64) (*pipeline, error) {
	gwConfigs, err := gatewayConfigs(cfg.Gateways)
	if err != nil {
		return nil, err
	}
	gateways, err := gateway.NewRegistry(gwConfigs, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring gateways: %w", err)
	}

	p := &pipeline{
		gateways:  gateways,
		assembler: assembly.New(gateways, logger),
		matcher: evm.NewMatcher(solc.New(solc.Config{
			BinDir:        cfg.Compiler.BinDir,
			DefaultBinary: cfg.Compiler.DefaultBinary,
			Timeout:       cfg.Compiler.Timeout,
		}, logger)),
		chains: chains.NewRegistry(),
	}

	var monitors []*monitor.Monitor
	for _, ch := range cfg.Chains {
		if len(only) > 0 && !slices.Contains(only, ch.ID) {
			continue
		}
		client, err := dialChain(ctx, ch)
		if err != nil {
			p.close()
			return nil, err
		}
		p.clients = append(p.clients, client)

		if err := p.chains.Register(&chains.Chain{ID: ch.ID, Name: ch.Name, Client: client}); err != nil {
			p.close()
			return nil, err
		}

		monitors = append(monitors, monitor.New(monitorConfig(cfg.Monitor, ch), monitor.Deps{
			Client:    client,
			Assembler: p.assembler,
			Verifier:  p.matcher,
			Store:     store,
			Logger:    logger,
		}))
	}

	p.supervisor, err = monitor.NewSupervisor(logger, monitors...)
	if err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) close() {
	for _, c := range p.clients {
		c.Close()
	}
}

func dialChain(ctx context.Context, ch config.ChainConfig) (*evm.RPCClient, error) {
	client, err := evm.Dial(ctx, ch.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain %d: %w", ch.ID, err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain %d: %w", ch.ID, err)
	}
	if id != ch.ID {
		client.Close()
		return nil, fmt.Errorf("chain %d: node at %s serves chain %d", ch.ID, ch.RPCURL, id)
	}
	return client, nil
}

func gatewayConfigs(in []config.GatewayConfig) ([]gateway.Config, error) {
	out := make([]gateway.Config, 0, len(in))
	for _, g := range in {
		origin, err := content.ParseOrigin(g.Origin)
		if err != nil {
			return nil, err
		}
		out = append(out, gateway.Config{
			Origin:          origin,
			BaseURL:         g.BaseURL,
			FallbackURL:     g.FallbackURL,
			Timeout:         g.Timeout.Duration,
			PollInterval:    g.PollInterval.Duration,
			TTL:             g.TTL.Duration,
			DispatchPause:   g.DispatchPause.Duration,
			MaxContentBytes: g.MaxContentBytes,
		})
	}
	return out, nil
}

func monitorConfig(m config.MonitorConfig, ch config.ChainConfig) monitor.Config {
	return monitor.Config{
		ChainID:                ch.ID,
		Name:                   ch.Name,
		StartBlock:             ch.StartBlock,
		PollLowerLimit:         m.PollLowerLimit.Duration,
		PollUpperLimit:         m.PollUpperLimit.Duration,
		PollFactor:             m.PollFactor,
		BytecodeRetryInterval:  m.BytecodeRetryInterval.Duration,
		BytecodeRetries:        m.BytecodeRetries,
		AssemblyTimeout:        m.AssemblyTimeout.Duration,
		MaxConcurrentContracts: m.MaxConcurrentContracts,
	}
}

// storeFromConfig opens and migrates the configured store.
func storeFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}
