// Package solc runs pinned Solidity compiler binaries in standard-JSON mode.
package solc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pendergraft/sourcewatch/internal/chains/evm"
)

// Errors returned by the compiler runner. All of them wrap evm.ErrCompilation.
var (
	ErrCompilerNotFound    = fmt.Errorf("%w: compiler binary not found", evm.ErrCompilation)
	ErrUnsupportedLanguage = fmt.Errorf("%w: unsupported language", evm.ErrCompilation)
	ErrUnlinkedLibrary     = fmt.Errorf("%w: unlinked library placeholder", evm.ErrCompilation)
)

// Library placeholder pattern: __$<34 hex chars>$__
var libraryPlaceholder = regexp.MustCompile(`__\$[a-f0-9]{34}\$__`)

// Config configures where compiler binaries live.
type Config struct {
	// BinDir holds binaries named solc-v<version> (e.g. solc-v0.8.20+commit.a1b2c3d4).
	BinDir string
	// DefaultBinary is used when no pinned binary exists for a version.
	DefaultBinary string
	// Timeout bounds a single compiler run.
	Timeout time.Duration
}

// runFunc executes bin with --standard-json, feeding input on stdin.
type runFunc func(ctx context.Context, bin string, input []byte) ([]byte, error)

// Compiler implements evm.Compiler by shelling out to solc.
type Compiler struct {
	cfg    Config
	logger *slog.Logger
	run    runFunc
}

// New creates a new solc runner
func New(cfg Config, logger *slog.Logger) *Compiler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Compiler{cfg: cfg, logger: logger, run: runStandardJSON}
}

// Compile runs the compiler pinned to in.Version and returns the target's bytecode.
func (c *Compiler) Compile(ctx context.Context, in evm.CompileInput) (*evm.CompileOutput, error) {
	if !strings.EqualFold(in.Language, "Solidity") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, in.Language)
	}
	bin, err := c.binary(in.Version)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := c.run(ctx, bin, in.StandardJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: running %s: %v", evm.ErrCompilation, filepath.Base(bin), err)
	}
	c.logger.Debug("compiled",
		"version", in.Version,
		"target", in.TargetFile+":"+in.TargetName,
		"duration", time.Since(start).String(),
	)

	return parseOutput(out, in.TargetFile, in.TargetName)
}

// binary resolves the compiler binary for version.
func (c *Compiler) binary(version string) (string, error) {
	if c.cfg.BinDir != "" {
		v := strings.TrimPrefix(version, "v")
		for _, name := range []string{"solc-v" + v, "solc-" + v} {
			path := filepath.Join(c.cfg.BinDir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}
	if c.cfg.DefaultBinary != "" {
		return c.cfg.DefaultBinary, nil
	}
	return "", fmt.Errorf("%w: %s", ErrCompilerNotFound, version)
}

func runStandardJSON(ctx context.Context, bin string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, "--standard-json")
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%v: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// standardJSONOutput is the subset of compiler output we read
type standardJSONOutput struct {
	Errors    []outputError                        `json:"errors"`
	Contracts map[string]map[string]contractOutput `json:"contracts"`
}

type outputError struct {
	Severity         string `json:"severity"`
	Type             string `json:"type"`
	FormattedMessage string `json:"formattedMessage"`
	Message          string `json:"message"`
}

type contractOutput struct {
	Metadata string `json:"metadata"`
	EVM      struct {
		Bytecode         BytecodeObject `json:"bytecode"`
		DeployedBytecode BytecodeObject `json:"deployedBytecode"`
	} `json:"evm"`
}

// BytecodeObject contains a hex bytecode object
type BytecodeObject struct {
	Object string `json:"object"`
}

func parseOutput(raw []byte, file, name string) (*evm.CompileOutput, error) {
	var out standardJSONOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: parsing compiler output: %v", evm.ErrCompilation, err)
	}

	var msgs []string
	for _, e := range out.Errors {
		if e.Severity != "error" {
			continue
		}
		msg := e.FormattedMessage
		if msg == "" {
			msg = e.Type + ": " + e.Message
		}
		msgs = append(msgs, strings.TrimSpace(msg))
	}
	if len(msgs) > 0 {
		return nil, fmt.Errorf("%w: %s", evm.ErrCompilation, strings.Join(msgs, "; "))
	}

	contract, ok := out.Contracts[file][name]
	if !ok {
		return nil, fmt.Errorf("%w: target %s:%s missing from output", evm.ErrCompilation, file, name)
	}

	creation, err := decodeObject(contract.EVM.Bytecode.Object)
	if err != nil {
		return nil, err
	}
	runtime, err := decodeObject(contract.EVM.DeployedBytecode.Object)
	if err != nil {
		return nil, err
	}
	return &evm.CompileOutput{
		Bytecode:         creation,
		DeployedBytecode: runtime,
		Metadata:         contract.Metadata,
	}, nil
}

// decodeObject hex-decodes a bytecode object, rejecting unlinked libraries.
func decodeObject(obj string) ([]byte, error) {
	obj = strings.TrimPrefix(obj, "0x")
	if HasLibraryPlaceholders(obj) {
		return nil, ErrUnlinkedLibrary
	}
	b, err := hex.DecodeString(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding bytecode: %v", evm.ErrCompilation, err)
	}
	return b, nil
}

// HasLibraryPlaceholders checks if hex bytecode contains library placeholders
func HasLibraryPlaceholders(bytecodeHex string) bool {
	return libraryPlaceholder.MatchString(bytecodeHex)
}

var _ evm.Compiler = (*Compiler)(nil)
