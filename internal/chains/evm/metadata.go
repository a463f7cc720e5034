package evm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/pendergraft/sourcewatch/internal/content"
)

// Errors returned by the metadata trailer codec.
var (
	ErrMalformedMetadata   = errors.New("malformed metadata trailer")
	ErrNoMetadataReference = errors.New("no metadata reference in bytecode")
)

// trailerMarkerLen is the size of the big-endian length suffix solc writes
// after the CBOR metadata map.
const trailerMarkerLen = 2

// trailerBounds returns the start offset of the CBOR map and its length.
func trailerBounds(bytecode []byte) (start, length int, err error) {
	if len(bytecode) < trailerMarkerLen {
		return 0, 0, fmt.Errorf("%w: bytecode shorter than length marker", ErrMalformedMetadata)
	}
	length = int(binary.BigEndian.Uint16(bytecode[len(bytecode)-trailerMarkerLen:]))
	end := len(bytecode) - trailerMarkerLen
	if length > end {
		return 0, 0, fmt.Errorf("%w: declared length %d exceeds %d available bytes", ErrMalformedMetadata, length, end)
	}
	return end - length, length, nil
}

// Decode extracts the CBOR metadata map appended to deployed bytecode.
// Byte string values (ipfs, bzzr0, bzzr1, solc) decode as []byte.
func Decode(bytecode []byte) (map[string]any, error) {
	start, length, err := trailerBounds(bytecode)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: empty metadata map", ErrMalformedMetadata)
	}

	var trailer map[string]any
	if err := cbor.Unmarshal(bytecode[start:start+length], &trailer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return trailer, nil
}

// ExtractAddress returns the content address of the metadata manifest
// referenced by the bytecode trailer, preferring ipfs over bzzr0 over bzzr1.
// Bytecode whose length marker cannot describe a trailer (too short, zero,
// or longer than the code) carries no reference. A marker over bytes that
// are not a CBOR map is ErrMalformedMetadata.
func ExtractAddress(bytecode []byte) (content.Address, error) {
	if _, length, err := trailerBounds(bytecode); err != nil || length == 0 {
		return content.Address{}, ErrNoMetadataReference
	}
	trailer, err := Decode(bytecode)
	if err != nil {
		return content.Address{}, err
	}

	for _, origin := range content.Origins {
		raw, ok := trailer[origin.String()].([]byte)
		if !ok || len(raw) == 0 {
			continue
		}
		return content.FromTrailer(origin.String(), raw)
	}
	return content.Address{}, ErrNoMetadataReference
}

// StripMetadata removes the CBOR metadata map and its length marker.
// Bytecode without a well-formed length marker is returned unchanged.
func StripMetadata(bytecode []byte) []byte {
	start, _, err := trailerBounds(bytecode)
	if err != nil {
		return bytecode
	}
	return bytecode[:start]
}

// CompilerVersion renders the "solc" trailer entry (major, minor, patch)
// as a dotted version. It returns "" when the entry is missing; prerelease
// builds store a string instead, which is returned as-is.
func CompilerVersion(trailer map[string]any) string {
	switch v := trailer["solc"].(type) {
	case []byte:
		if len(v) != 3 {
			return ""
		}
		return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
	case string:
		return v
	default:
		return ""
	}
}
