package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/mod/semver"
)

// Errors returned by the matcher.
var (
	ErrCompilation            = errors.New("compilation failed")
	ErrInvalidCompilerVersion = errors.New("invalid compiler version")
	ErrMissingSource          = errors.New("missing source")
)

// MatchStatus classifies recompiled bytecode against deployed bytecode.
type MatchStatus string

const (
	// MatchPerfect means byte-identical bytecode including the metadata trailer.
	MatchPerfect MatchStatus = "perfect"
	// MatchPartial means executable code matches but the metadata trailer
	// differs (different source paths, comments, or build environment).
	MatchPartial MatchStatus = "partial"
	MatchNone    MatchStatus = "none"
)

// Classify compares deployed bytecode to recompiled bytecode.
func Classify(deployed, recompiled []byte) MatchStatus {
	if bytes.Equal(deployed, recompiled) {
		return MatchPerfect
	}
	if bytes.Equal(StripMetadata(deployed), StripMetadata(recompiled)) {
		return MatchPartial
	}
	return MatchNone
}

// CompileInput is a single standard-JSON compilation request.
type CompileInput struct {
	Language     string
	Version      string
	StandardJSON []byte
	TargetFile   string
	TargetName   string
}

// CompileOutput holds the compiled artifacts of the requested target.
type CompileOutput struct {
	Bytecode         []byte
	DeployedBytecode []byte
	Metadata         string
}

// Compiler invokes a pinned compiler version.
type Compiler interface {
	Compile(ctx context.Context, in CompileInput) (*CompileOutput, error)
}

// VerifyRequest contains everything needed to verify one deployed contract.
type VerifyRequest struct {
	ChainID  uint64
	Address  common.Address
	Metadata *Metadata
	Sources  map[string]string
	Deployed []byte
}

// Match is the outcome of verifying one contract. Both bytecodes are kept
// for audit.
type Match struct {
	ChainID          uint64
	Address          common.Address
	Status           MatchStatus
	CompiledBytecode []byte
	DeployedBytecode []byte
	Timestamp        time.Time
}

// Matcher recompiles assembled contracts and classifies the result.
type Matcher struct {
	compiler Compiler
	now      func() time.Time
}

// NewMatcher creates a matcher backed by the given compiler.
func NewMatcher(compiler Compiler) *Matcher {
	return &Matcher{compiler: compiler, now: time.Now}
}

// ValidateCompilerVersion checks a manifest compiler version such as
// "0.8.20+commit.a1b2c3d4" is a semantic version.
func ValidateCompilerVersion(v string) error {
	if !semver.IsValid("v" + strings.TrimPrefix(v, "v")) {
		return fmt.Errorf("%w: %q", ErrInvalidCompilerVersion, v)
	}
	return nil
}

// Verify recompiles the contract described by req.Metadata and compares it
// with the deployed bytecode. Compiler failures are returned as errors
// wrapping ErrCompilation and never reported as MatchNone.
func (m *Matcher) Verify(ctx context.Context, req VerifyRequest) (*Match, error) {
	if req.Metadata == nil {
		return nil, fmt.Errorf("%w: nil metadata", ErrInvalidMetadata)
	}
	if err := ValidateCompilerVersion(req.Metadata.Compiler.Version); err != nil {
		return nil, err
	}
	for _, name := range req.Metadata.SourceNames() {
		if _, ok := req.Sources[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSource, name)
		}
	}

	input, err := req.Metadata.StandardJSONInput(req.Sources)
	if err != nil {
		return nil, err
	}
	file, name := req.Metadata.CompilationTarget()

	out, err := m.compiler.Compile(ctx, CompileInput{
		Language:     req.Metadata.Language,
		Version:      req.Metadata.Compiler.Version,
		StandardJSON: input,
		TargetFile:   file,
		TargetName:   name,
	})
	if err != nil {
		if errors.Is(err, ErrCompilation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCompilation, err)
	}
	if len(out.DeployedBytecode) == 0 {
		return nil, fmt.Errorf("%w: no deployed bytecode for %s:%s", ErrCompilation, file, name)
	}

	return &Match{
		ChainID:          req.ChainID,
		Address:          req.Address,
		Status:           Classify(req.Deployed, out.DeployedBytecode),
		CompiledBytecode: out.DeployedBytecode,
		DeployedBytecode: req.Deployed,
		Timestamp:        m.now(),
	}, nil
}
