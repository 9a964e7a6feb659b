package peerdex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// maxIDAttempts bounds how many times we redraw an identifier that is
// already live before giving up.
const maxIDAttempts = 8

const snapshotVersion = 1

// AddressRecord pairs a peer with the address it can be reached at.
type AddressRecord struct {
	ID           PeerID    `json:"uuid"`
	Addr         string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is the authoritative, in-memory mapping from [PeerID] to
// [AddressRecord] held by the index server. It lives as long as the
// process does.
type Registry struct {
	records map[PeerID]AddressRecord
	lk      sync.RWMutex

	clock clock.Clock
	newID func() (PeerID, error)
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		records: make(map[PeerID]AddressRecord),
		clock:   clk,
		newID:   NewPeerID,
	}
}

// Register allocates a fresh identifier for addr. Calling it twice with the
// same address yields two distinct identifiers.
func (reg *Registry) Register(addr string) (AddressRecord, error) {
	if err := ValidateAddress(addr); err != nil {
		return AddressRecord{}, err
	}

	reg.lk.Lock()
	defer reg.lk.Unlock()

	for range maxIDAttempts {
		id, err := reg.newID()
		if err != nil {
			return AddressRecord{}, fmt.Errorf("%w: %w", ErrIDExhausted, err)
		}
		if _, taken := reg.records[id]; taken || id.IsZero() {
			continue
		}
		record := AddressRecord{
			ID:           id,
			Addr:         addr,
			RegisteredAt: reg.clock.Now().UTC(),
		}
		reg.records[id] = record
		return record, nil
	}
	return AddressRecord{}, ErrIDExhausted
}

func (reg *Registry) Lookup(id PeerID) (AddressRecord, error) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	record, has := reg.records[id]
	if !has {
		return AddressRecord{}, ErrNotFound
	}
	return record, nil
}

func (reg *Registry) Unregister(id PeerID) error {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	if _, has := reg.records[id]; !has {
		return ErrNotFound
	}
	delete(reg.records, id)
	return nil
}

func (reg *Registry) Len() int {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	return len(reg.records)
}

// Records returns a copy of every live record, oldest first.
func (reg *Registry) Records() []AddressRecord {
	reg.lk.RLock()
	records := make([]AddressRecord, 0, len(reg.records))
	for _, record := range reg.records {
		records = append(records, record)
	}
	reg.lk.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].RegisteredAt.Equal(records[j].RegisteredAt) {
			return records[i].ID.String() < records[j].ID.String()
		}
		return records[i].RegisteredAt.Before(records[j].RegisteredAt)
	})
	return records
}

type snapshot struct {
	Version int             `json:"version"`
	Records []AddressRecord `json:"records"`
}

// Save writes a snapshot of the registry to path. The file is replaced
// atomically so a crash never leaves a truncated snapshot behind.
func (reg *Registry) Save(path string) error {
	buf, err := json.MarshalIndent(snapshot{
		Version: snapshotVersion,
		Records: reg.Records(),
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load merges the snapshot stored at path into the registry and returns how
// many records were imported. Existing identifiers are left untouched.
func (reg *Registry) Load(path string) (int, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var snap snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return 0, fmt.Errorf("registry: malformed snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("registry: unsupported snapshot version %d", snap.Version)
	}
	for _, record := range snap.Records {
		if record.ID.IsZero() {
			return 0, fmt.Errorf("registry: snapshot contains the zero id")
		}
		if err := ValidateAddress(record.Addr); err != nil {
			return 0, fmt.Errorf("registry: snapshot record %s: %w", record.ID, err)
		}
	}

	reg.lk.Lock()
	defer reg.lk.Unlock()
	imported := 0
	for _, record := range snap.Records {
		if _, has := reg.records[record.ID]; has {
			continue
		}
		reg.records[record.ID] = record
		imported++
	}
	return imported, nil
}
