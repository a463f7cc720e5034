// Package content models addresses of content-addressed blobs held in
// decentralized storage (IPFS and Swarm).
package content

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Errors returned when deriving an Address.
var (
	ErrUnsupportedURL    = errors.New("unsupported content URL")
	ErrUnknownTrailerKey = errors.New("unknown metadata trailer key")
	ErrEmptyID           = errors.New("empty content identifier")
)

// Origin is the storage backend a content hash belongs to.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginIPFS
	OriginSwarmBzzr0
	OriginSwarmBzzr1
)

// Origins lists every known origin in metadata trailer priority order.
var Origins = []Origin{OriginIPFS, OriginSwarmBzzr0, OriginSwarmBzzr1}

// String returns the trailer key for the origin ("ipfs", "bzzr0", "bzzr1").
func (o Origin) String() string {
	switch o {
	case OriginIPFS:
		return "ipfs"
	case OriginSwarmBzzr0:
		return "bzzr0"
	case OriginSwarmBzzr1:
		return "bzzr1"
	default:
		return "unknown"
	}
}

// ParseOrigin maps a trailer key or config name back to an Origin.
func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ipfs":
		return OriginIPFS, nil
	case "bzzr0":
		return OriginSwarmBzzr0, nil
	case "bzzr1", "swarm":
		return OriginSwarmBzzr1, nil
	default:
		return OriginUnknown, fmt.Errorf("unknown origin %q", s)
	}
}

// Address identifies a blob by origin and origin-specific identifier.
// Two addresses are equal when both fields are equal, so Address is usable
// as a map key.
type Address struct {
	Origin Origin
	ID     string
}

// String renders the address as "<origin>:<id>".
func (a Address) String() string {
	return a.Origin.String() + ":" + a.ID
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Origin == OriginUnknown && a.ID == ""
}

// urlPrefixes are the URL schemes the compiler writes into metadata manifests.
var urlPrefixes = []struct {
	prefix string
	origin Origin
}{
	{"dweb:/ipfs/", OriginIPFS},
	{"dweb://ipfs/", OriginIPFS},
	{"ipfs://", OriginIPFS},
	{"bzz-raw://", OriginSwarmBzzr1},
	{"bzz-raw:/", OriginSwarmBzzr1},
}

// ParseURL derives an Address from a manifest source URL such as
// "dweb:/ipfs/Qm..." or "bzz-raw://abcd...".
func ParseURL(raw string) (Address, error) {
	u := strings.TrimSpace(raw)
	for _, p := range urlPrefixes {
		if !strings.HasPrefix(u, p.prefix) {
			continue
		}
		id := strings.Trim(strings.TrimPrefix(u, p.prefix), "/")
		if id == "" {
			return Address{}, fmt.Errorf("%w: %s", ErrEmptyID, raw)
		}
		return Address{Origin: p.origin, ID: id}, nil
	}
	return Address{}, fmt.Errorf("%w: %s", ErrUnsupportedURL, raw)
}

// FromTrailer derives an Address from a decoded metadata trailer entry.
// IPFS entries hold a multihash which is rendered as a base58 CIDv0;
// Swarm entries hold a raw digest rendered as lowercase hex.
func FromTrailer(key string, raw []byte) (Address, error) {
	if len(raw) == 0 {
		return Address{}, fmt.Errorf("%w: trailer key %s", ErrEmptyID, key)
	}
	switch key {
	case "ipfs":
		return Address{Origin: OriginIPFS, ID: base58.Encode(raw)}, nil
	case "bzzr0":
		return Address{Origin: OriginSwarmBzzr0, ID: hex.EncodeToString(raw)}, nil
	case "bzzr1":
		return Address{Origin: OriginSwarmBzzr1, ID: hex.EncodeToString(raw)}, nil
	default:
		return Address{}, fmt.Errorf("%w: %s", ErrUnknownTrailerKey, key)
	}
}
