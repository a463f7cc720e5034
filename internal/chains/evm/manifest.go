package evm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidMetadata is returned when a metadata manifest cannot be used
// to reproduce a compilation.
var ErrInvalidMetadata = errors.New("invalid metadata manifest")

// Metadata is the compiler-generated metadata manifest referenced from the
// bytecode trailer.
type Metadata struct {
	Compiler CompilerMeta          `json:"compiler"`
	Language string                `json:"language"`
	Settings json.RawMessage       `json:"settings"`
	Sources  map[string]SourceMeta `json:"sources"`
	Version  int                   `json:"version"`
	Output   json.RawMessage       `json:"output,omitempty"`

	targetFile string
	targetName string
}

// CompilerMeta contains compiler information
type CompilerMeta struct {
	Version string `json:"version"` // "0.8.20+commit.a1b2c3d4"
}

// SourceMeta describes one source unit listed in the manifest. Either
// Content is set inline or URLs point at content-addressed copies.
type SourceMeta struct {
	Keccak256 string   `json:"keccak256"`
	URLs      []string `json:"urls,omitempty"`
	Content   *string  `json:"content,omitempty"`
	License   string   `json:"license,omitempty"`
}

// settingsMeta holds the settings fields that need interpretation; all
// other settings are forwarded to the compiler untouched.
type settingsMeta struct {
	CompilationTarget map[string]string `json:"compilationTarget"`
	Libraries         map[string]string `json:"libraries,omitempty"`
}

// ParseMetadata parses and sanity-checks a metadata manifest.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if m.Language == "" {
		return nil, fmt.Errorf("%w: missing language", ErrInvalidMetadata)
	}
	if m.Compiler.Version == "" {
		return nil, fmt.Errorf("%w: missing compiler version", ErrInvalidMetadata)
	}
	if len(m.Sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrInvalidMetadata)
	}

	var settings settingsMeta
	if len(m.Settings) > 0 {
		if err := json.Unmarshal(m.Settings, &settings); err != nil {
			return nil, fmt.Errorf("%w: settings: %v", ErrInvalidMetadata, err)
		}
	}
	if len(settings.CompilationTarget) != 1 {
		return nil, fmt.Errorf("%w: expected one compilation target, got %d", ErrInvalidMetadata, len(settings.CompilationTarget))
	}
	for file, name := range settings.CompilationTarget {
		m.targetFile, m.targetName = file, name
	}
	return &m, nil
}

// CompilationTarget returns the source unit and contract name the manifest
// was produced for.
func (m *Metadata) CompilationTarget() (file, name string) {
	return m.targetFile, m.targetName
}

// SourceNames returns the manifest's source unit names in sorted order.
func (m *Metadata) SourceNames() []string {
	names := make([]string, 0, len(m.Sources))
	for name := range m.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type standardJSONInput struct {
	Language string                   `json:"language"`
	Sources  map[string]sourceContent `json:"sources"`
	Settings map[string]any           `json:"settings"`
}

type sourceContent struct {
	Content string `json:"content"`
}

func outputSelectionForVerification() map[string]map[string][]string {
	return map[string]map[string][]string{
		"*": {
			"*": {"evm.bytecode.object", "evm.deployedBytecode.object", "metadata"},
		},
	}
}

// StandardJSONInput builds the compiler standard-JSON input that reproduces
// the compilation described by the manifest. compilationTarget is dropped
// and the manifest's flat "file:Lib" library map is nested per file.
func (m *Metadata) StandardJSONInput(sources map[string]string) ([]byte, error) {
	settings := map[string]any{}
	if len(m.Settings) > 0 {
		if err := json.Unmarshal(m.Settings, &settings); err != nil {
			return nil, fmt.Errorf("%w: settings: %v", ErrInvalidMetadata, err)
		}
	}
	delete(settings, "compilationTarget")

	if raw, ok := settings["libraries"].(map[string]any); ok {
		settings["libraries"] = nestLibraries(raw)
	}
	settings["outputSelection"] = outputSelectionForVerification()

	input := standardJSONInput{
		Language: m.Language,
		Sources:  make(map[string]sourceContent, len(sources)),
		Settings: settings,
	}
	for name, src := range sources {
		input.Sources[name] = sourceContent{Content: src}
	}
	return json.Marshal(input)
}

// nestLibraries converts {"file.sol:Lib": "0x.."} into {"file.sol": {"Lib": "0x.."}}.
// Entries without a file component are placed under the empty file name.
func nestLibraries(flat map[string]any) map[string]map[string]any {
	nested := make(map[string]map[string]any)
	for key, addr := range flat {
		file, lib := "", key
		if idx := strings.LastIndex(key, ":"); idx >= 0 {
			file, lib = key[:idx], key[idx+1:]
		}
		if nested[file] == nil {
			nested[file] = make(map[string]any)
		}
		nested[file][lib] = addr
	}
	return nested
}
