package peerdex

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PeerCache remembers the address of peers we already resolved, so that only
// the first message to a peer costs a round-trip to the index server.
//
// It is bounded: once full, the least recently added peer is evicted.
// Lookups never take the write lock, so senders and receivers do not
// serialize on it.
type PeerCache struct {
	records *lru.Cache[PeerID, AddressRecord]
}

func NewPeerCache(size int) (*PeerCache, error) {
	records, err := lru.New[PeerID, AddressRecord](size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return &PeerCache{records: records}, nil
}

func (pc *PeerCache) Get(id PeerID) (AddressRecord, bool) {
	return pc.records.Peek(id)
}

// Add stores record, replacing what we knew about the same peer.
func (pc *PeerCache) Add(record AddressRecord) {
	pc.records.Add(record.ID, record)
}

// Invalidate forgets id, typically after a send to its cached address failed.
func (pc *PeerCache) Invalidate(id PeerID) bool {
	return pc.records.Remove(id)
}

func (pc *PeerCache) Len() int {
	return pc.records.Len()
}
