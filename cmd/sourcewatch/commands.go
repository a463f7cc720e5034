package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/pendergraft/sourcewatch/internal/chains/evm"
	"github.com/pendergraft/sourcewatch/internal/config"
	"github.com/pendergraft/sourcewatch/internal/storage"
)

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <bytecode>",
		Short: "Decode the metadata trailer of deployed bytecode",
		Long: `Decode the CBOR metadata trailer appended to deployed bytecode and print
the content address of the metadata manifest it references.

EXAMPLES:
  sourcewatch decode 0x6080604052...a264697066735822...0033
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd.OutOrStdout(), args[0])
		},
	}
}

func runDecode(out io.Writer, input string) error {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "0x") {
		input = "0x" + input
	}
	code, err := hexutil.Decode(input)
	if err != nil {
		return fmt.Errorf("decoding hex: %w", err)
	}

	trailer, err := evm.Decode(code)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, formatTrailerValue(trailer[k]))
	}
	if v := evm.CompilerVersion(trailer); v != "" {
		fmt.Fprintf(w, "compiler\t%s\n", v)
	}
	if addr, err := evm.ExtractAddress(code); err == nil {
		fmt.Fprintf(w, "metadata\t%s\n", addr)
	} else {
		fmt.Fprintf(w, "metadata\t(none: %v)\n", err)
	}
	return w.Flush()
}

func formatTrailerValue(v any) string {
	switch v := v.(type) {
	case []byte:
		return hexutil.Encode(v)
	default:
		return fmt.Sprint(v)
	}
}

func newVerifyCmd() *cobra.Command {
	var chainID uint64
	var address string
	var save bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify one deployed contract against its published sources",
		Long: `Run the verification pipeline once for a single contract on a configured
chain: read its bytecode, assemble the sources its metadata references,
recompile and compare.

EXAMPLES:
  sourcewatch verify --chain 1 --address 0x5FbDB2315678afecb367f032d93F642f64180aa3

  # Store a perfect or partial match
  sourcewatch verify --chain 1 --address 0x5FbD... --save
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), cmd.OutOrStdout(), chainID, address, save)
		},
	}

	cmd.Flags().Uint64Var(&chainID, "chain", 0, "chain ID (required)")
	cmd.Flags().StringVar(&address, "address", "", "contract address (required)")
	cmd.Flags().BoolVar(&save, "save", false, "store the match")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("address")

	return cmd
}

func runVerify(ctx context.Context, out io.Writer, chainID uint64, address string, save bool) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := quietLogger(cfg)

	var store storage.Store
	if save {
		if store, err = storeFromConfig(ctx, cfg, logger); err != nil {
			return err
		}
		defer store.Close()
	}

	p, err := newPipeline(ctx, cfg, store, logger, chainID)
	if err != nil {
		return err
	}
	defer p.close()

	chain, err := p.chains.Get(chainID)
	if err != nil {
		return err
	}
	m, ok := p.supervisor.Monitor(chain.ID)
	if !ok {
		return fmt.Errorf("no monitor for chain %d", chain.ID)
	}

	p.gateways.Start(ctx)
	defer p.gateways.Stop()

	res, err := m.Verify(ctx, common.HexToAddress(address))
	if err != nil {
		return err
	}

	record := res.Record()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "address\t%s\n", record.Address)
	fmt.Fprintf(w, "chain\t%d (%s)\n", chain.ID, chain.Name)
	fmt.Fprintf(w, "status\t%s\n", record.Status)
	fmt.Fprintf(w, "contract\t%s\n", record.ContractName)
	fmt.Fprintf(w, "compiler\t%s\n", record.CompilerVersion)
	fmt.Fprintf(w, "metadata\t%s\n", record.MetadataAddress)
	fmt.Fprintf(w, "sources\t%d\n", len(record.Sources))
	if err := w.Flush(); err != nil {
		return err
	}

	if !save {
		return nil
	}
	if res.Match.Status == evm.MatchNone {
		return errors.New("not saving: bytecode does not match")
	}
	if err := store.StoreMatch(ctx, record); err != nil {
		if errors.Is(err, storage.ErrMatchExists) {
			fmt.Fprintln(out, "already stored")
			return nil
		}
		return fmt.Errorf("storing match: %w", err)
	}
	fmt.Fprintln(out, "saved")
	return nil
}

func newMatchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matches",
		Short: "Inspect stored matches",
	}
	cmd.AddCommand(newMatchesGetCmd())
	cmd.AddCommand(newMatchesListCmd())
	return cmd
}

func newMatchesGetCmd() *cobra.Command {
	var showSources bool

	cmd := &cobra.Command{
		Use:   "get <chainID> <address>",
		Short: "Show the stored match for a contract",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chainID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chain ID %q", args[0])
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			return runMatchesGet(cmd.Context(), cmd.OutOrStdout(), store, chainID, args[1], showSources)
		},
	}
	cmd.Flags().BoolVar(&showSources, "sources", false, "print source files")
	return cmd
}

func runMatchesGet(ctx context.Context, out io.Writer, store storage.MatchStore, chainID uint64, address string, showSources bool) error {
	m, err := store.GetMatch(ctx, chainID, address)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no match for %s on chain %d", address, chainID)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "address\t%s\n", common.HexToAddress(m.Address).Hex())
	fmt.Fprintf(w, "chain\t%d\n", m.ChainID)
	fmt.Fprintf(w, "status\t%s\n", m.Status)
	fmt.Fprintf(w, "contract\t%s\n", m.ContractName)
	fmt.Fprintf(w, "compiler\t%s\n", m.CompilerVersion)
	fmt.Fprintf(w, "metadata\t%s\n", m.MetadataAddress)
	fmt.Fprintf(w, "verified\t%s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04:05"))

	paths := make([]string, 0, len(m.Sources))
	for p := range m.Sources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(w, "source\t%s\n", p)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if showSources {
		for _, p := range paths {
			fmt.Fprintf(out, "\n// %s\n%s\n", p, m.Sources[p])
		}
	}
	return nil
}

func newMatchesListCmd() *cobra.Command {
	var chainID uint64
	var status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored matches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			return runMatchesList(cmd.Context(), cmd.OutOrStdout(), store,
				storage.MatchFilter{ChainID: chainID, Status: status},
				storage.PaginationParams{Limit: limit, Offset: offset})
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain", 0, "only this chain")
	cmd.Flags().StringVar(&status, "status", "", "only perfect or partial matches")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of matches")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of matches to skip")
	return cmd
}

func runMatchesList(ctx context.Context, out io.Writer, store storage.MatchStore, filter storage.MatchFilter, page storage.PaginationParams) error {
	result, err := store.ListMatches(ctx, filter, page)
	if err != nil {
		return fmt.Errorf("listing matches: %w", err)
	}
	if len(result.Data) == 0 {
		fmt.Fprintln(out, "No matches found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tADDRESS\tSTATUS\tCONTRACT\tVERIFIED")
	for _, m := range result.Data {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", m.ChainID, common.HexToAddress(m.Address).Hex(), m.Status,
			m.ContractName, m.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Fprintf(out, "more results: --offset %d\n", page.Offset+len(result.Data))
	}
	return nil
}

func openStore(ctx context.Context) (storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return storeFromConfig(ctx, cfg, quietLogger(cfg))
}
