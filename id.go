package peerdex

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

const peerIDHexLen = 32

// PeerID is the 128-bit opaque identifier the index server issues to a node.
type PeerID [16]byte

// NewPeerID draws a random identifier. It never returns the zero value.
func NewPeerID() (PeerID, error) {
	for {
		u, err := uuid.NewRandom()
		if err != nil {
			return PeerID{}, err
		}
		id := PeerID(u)
		if !id.IsZero() {
			return id, nil
		}
	}
}

// ParsePeerID accepts exactly 32 hexadecimal characters.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	if len(s) != peerIDHexLen {
		return id, fmt.Errorf("%w: got %d characters", ErrInvalidPeerID, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return PeerID{}, fmt.Errorf("%w: %w", ErrInvalidPeerID, err)
	}
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ValidateAddress checks addr is a usable host:port pair.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if host == "" {
		return fmt.Errorf("%w: empty host in %q", ErrInvalidAddress, addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, addr)
	}
	return nil
}
