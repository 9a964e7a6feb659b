package peerdex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerCache(t *testing.T) {
	cache, err := NewPeerCache(2)
	require.NoError(t, err)

	ids := make([]PeerID, 3)
	for i := range ids {
		ids[i], err = NewPeerID()
		require.NoError(t, err)
	}

	_, hit := cache.Get(ids[0])
	require.False(t, hit)

	cache.Add(AddressRecord{ID: ids[0], Addr: "127.0.0.1:9001"})
	cache.Add(AddressRecord{ID: ids[1], Addr: "127.0.0.1:9002"})
	record, hit := cache.Get(ids[0])
	require.True(t, hit)
	require.Equal(t, "127.0.0.1:9001", record.Addr)

	cache.Add(AddressRecord{ID: ids[0], Addr: "127.0.0.1:9011"})
	record, _ = cache.Get(ids[0])
	require.Equal(t, "127.0.0.1:9011", record.Addr, "newer records replace older ones")

	// ids[1] is now the least recently added.
	cache.Add(AddressRecord{ID: ids[2], Addr: "127.0.0.1:9003"})
	require.Equal(t, 2, cache.Len())
	_, hit = cache.Get(ids[1])
	require.False(t, hit, "the cache is bounded")

	require.True(t, cache.Invalidate(ids[0]))
	require.False(t, cache.Invalidate(ids[0]))
	_, hit = cache.Get(ids[0])
	require.False(t, hit)
}

func TestPeerCache_InvalidSize(t *testing.T) {
	_, err := NewPeerCache(0)
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestPeerCache_ConcurrentAccess(t *testing.T) {
	cache, err := NewPeerCache(64)
	require.NoError(t, err)
	id, err := NewPeerID()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				if i%2 == 0 {
					cache.Add(AddressRecord{ID: id, Addr: "127.0.0.1:9001"})
				} else if record, hit := cache.Get(id); hit {
					if record.Addr != "127.0.0.1:9001" {
						t.Errorf("observed a corrupted record: %+v", record)
					}
				}
			}
		}()
	}
	wg.Wait()
}
